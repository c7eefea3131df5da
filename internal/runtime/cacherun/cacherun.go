// Package cacherun wires internal/cachestore into a runtime the manager can
// start/stop: a TCP listener speaking either the plaintext line protocol or
// RESP2 (§4.4, §4.6, §6), backed by the shared lifecycle state machine in
// internal/runtimebase. Grounded on the teacher's per-connection-goroutine
// server shape (internal/router's Accept loop), adapted from one relay
// socket to the cache wire protocol.
package cacherun

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/socketley/daemon/internal/cachestore"
	"github.com/socketley/daemon/internal/proto/resp"
	"github.com/socketley/daemon/internal/ratelimit"
	"github.com/socketley/daemon/internal/runtimebase"
	"github.com/socketley/daemon/internal/runtimecfg"
	"github.com/socketley/daemon/internal/sockopt"
)

// Runtime is the cache kind's Lifecycle implementation.
type Runtime struct {
	Base  *runtimebase.Runtime
	cfg   runtimecfg.Config
	Store *cachestore.Store

	mu       sync.Mutex
	listener net.Listener
	conns    map[int]*clientConn
	nextFD   int
	wg       sync.WaitGroup
}

type clientConn struct {
	fd      int
	conn    net.Conn
	w       *bufio.Writer
	wMu     sync.Mutex
	bucket  *ratelimit.Bucket
}

func (c *clientConn) WriteLine(line string) error {
	c.wMu.Lock()
	defer c.wMu.Unlock()
	if _, err := c.w.WriteString(line); err != nil {
		return err
	}
	return c.w.Flush()
}

// New builds a cache runtime from its persisted config.
func New(cfg runtimecfg.Config) *Runtime {
	eviction := cachestore.Eviction(cfg.Eviction)
	mode := cachestore.Mode(cfg.CacheMode)
	r := &Runtime{
		cfg:   cfg,
		Store: cachestore.New(cfg.MaxMemory, eviction, mode),
		conns: make(map[int]*clientConn),
	}
	r.Base = runtimebase.New(cfg, r)
	return r
}

// Setup implements runtimebase.Lifecycle.
func (r *Runtime) Setup(ctx *runtimebase.Context) error {
	if r.cfg.PersistentPath != "" {
		if _, err := os.Stat(r.cfg.PersistentPath); err == nil {
			if err := r.Store.Load(r.cfg.PersistentPath); err != nil {
				log.Printf("cache %q: load persistent snapshot: %v", r.cfg.Name, err)
			}
		}
	}

	if r.cfg.Port == 0 {
		return nil // internal cache, no listen socket (e.g. attached to a server)
	}

	network := "tcp"
	lc := &net.ListenConfig{Control: sockopt.ListenControl(true)}
	ln, err := lc.Listen(context.Background(), network, fmt.Sprintf(":%d", r.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen cache %q on port %d: %w", r.cfg.Name, r.cfg.Port, err)
	}
	r.listener = ln

	if r.cfg.ReplicateTarget != "" {
		r.wg.Add(1)
		go r.runFollower(r.cfg.ReplicateTarget)
	}

	r.wg.Add(1)
	go r.acceptLoop()
	return nil
}

// Teardown implements runtimebase.Lifecycle.
func (r *Runtime) Teardown(ctx *runtimebase.Context) error {
	if r.cfg.PersistentPath != "" {
		if err := r.Store.Save(r.cfg.PersistentPath); err != nil {
			log.Printf("cache %q: save persistent snapshot: %v", r.cfg.Name, err)
		}
	}
	if r.listener != nil {
		r.listener.Close()
	}
	r.mu.Lock()
	for _, c := range r.conns {
		c.conn.Close()
	}
	r.conns = make(map[int]*clientConn)
	r.mu.Unlock()
	r.wg.Wait()
	return nil
}

func (r *Runtime) acceptLoop() {
	defer r.wg.Done()
	backoff := 100 * time.Millisecond
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if r.Base.State != runtimebase.StateRunning {
				return
			}
			time.Sleep(backoff)
			continue
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			sockopt.TuneAccepted(tc, 0)
		}
		r.mu.Lock()
		fd := r.nextFD
		r.nextFD++
		cc := &clientConn{fd: fd, conn: conn, w: bufio.NewWriter(conn), bucket: r.Base.NewConnBucket()}
		r.conns[fd] = cc
		r.mu.Unlock()

		r.wg.Add(1)
		go r.serveConn(cc)
	}
}

func (r *Runtime) serveConn(cc *clientConn) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.conns, cc.fd)
		r.mu.Unlock()
		r.Store.UnsubscribeAll(cc.fd)
		r.Store.RemoveFollower(cc.fd)
		cc.conn.Close()
	}()

	forceResp := r.cfg.RESPForced
	reader := bufio.NewReaderSize(cc.conn, 4096)
	buf := make([]byte, 0, 4096)

	for {
		chunk := make([]byte, 4096)
		n, err := reader.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}

		isResp := forceResp || (len(buf) > 0 && (buf[0] == '*' || buf[0] == '$'))
		for {
			if isResp {
				args, consumed, perr := resp.ParseCommand(buf)
				if perr == resp.ErrIncomplete {
					break
				}
				if perr != nil {
					cc.WriteLine(string(resp.EncodeError("protocol error")))
					buf = buf[:0]
					break
				}
				buf = buf[consumed:]
				if !cc.bucket.Allow() || !r.Base.GlobalAllow() {
					cc.WriteLine(string(resp.EncodeError("rate limited")))
					continue
				}
				r.Base.Stats.MessageProcessed()
				reply := dispatchRESP(r.Store, cc, args)
				if reply != "" {
					cc.WriteLine(reply)
					r.Base.Stats.BytesSent(len(reply))
				}
				continue
			}

			idx := indexByte(buf, '\n')
			if idx < 0 {
				break
			}
			line := strings.TrimSuffix(string(buf[:idx]), "\r")
			buf = buf[idx+1:]
			if line == "" {
				continue
			}
			if !cc.bucket.Allow() || !r.Base.GlobalAllow() {
				cc.WriteLine("error: rate limited\n")
				continue
			}
			r.Base.Stats.MessageProcessed()
			r.Base.Stats.BytesReceived(len(line))
			reply := dispatchLine(r.Store, cc, line)
			if reply != "" {
				cc.WriteLine(reply)
				r.Base.Stats.BytesSent(len(reply))
			}
		}

		if err != nil {
			return
		}
	}
}

func indexByte(buf []byte, b byte) int {
	for i, c := range buf {
		if c == b {
			return i
		}
	}
	return -1
}

func (r *Runtime) runFollower(leaderAddr string) {
	defer r.wg.Done()
	conn, err := net.DialTimeout("tcp", leaderAddr, 5*time.Second)
	if err != nil {
		log.Printf("cache %q: replicate dial %s: %v", r.cfg.Name, leaderAddr, err)
		return
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("replicate\n")); err != nil {
		log.Printf("cache %q: replicate handshake: %v", r.cfg.Name, err)
		return
	}
	r.Store.SetFollowerRole()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		if r.Base.State != runtimebase.StateRunning {
			return
		}
		if err := r.Store.ApplyReplicated(scanner.Text()); err != nil {
			log.Printf("cache %q: apply replicated command: %v", r.cfg.Name, err)
		}
	}
}
