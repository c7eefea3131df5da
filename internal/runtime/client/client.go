// Package client implements the client runtime kind (§4.8): one outbound
// TCP or UDP connection to a host:port target, with DNS sockaddr caching
// and exponential-backoff reconnect. Grounded on the teacher's
// reconnect/backoff dial loop (internal/router/router.go's redial path),
// adapted from a relay dial to the newline-delimited client wire protocol
// with a cached net.Addr substituting for the original's cached sockaddr.
package client

import (
	"bufio"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/socketley/daemon/internal/ratelimit"
	"github.com/socketley/daemon/internal/runtimebase"
	"github.com/socketley/daemon/internal/runtimecfg"
)

// Runtime is the client kind's Lifecycle implementation.
type Runtime struct {
	Base *runtimebase.Runtime
	cfg  runtimecfg.Config

	host string
	port int

	mu           sync.Mutex
	conn         net.Conn
	connected    bool
	cachedAddr   net.Addr
	reconnectTry int
	stopCh       chan struct{}
	bucket       *ratelimit.Bucket

	outbound chan []byte
	wg       sync.WaitGroup

	reconnectBaseForTest time.Duration // overrides the 1s base backoff unit in tests
}

// New builds a client runtime from its persisted config.
func New(cfg runtimecfg.Config) *Runtime {
	host, port := parseTarget(cfg.Target, cfg.Port)
	r := &Runtime{
		cfg:      cfg,
		host:     host,
		port:     port,
		stopCh:   make(chan struct{}),
		outbound: make(chan []byte, 4096),
	}
	r.Base = runtimebase.New(cfg, r)
	return r
}

// parseTarget splits a "host:port" target string, falling back to the
// explicit port field and 127.0.0.1 (§4.8 "resolves via DNS").
func parseTarget(target string, fallbackPort int) (string, int) {
	host := "127.0.0.1"
	port := fallbackPort
	if port == 0 {
		port = 8000
	}
	if target == "" {
		return host, port
	}
	idx := strings.LastIndex(target, ":")
	if idx < 0 {
		return target, port
	}
	host = target[:idx]
	if p, err := strconv.Atoi(target[idx+1:]); err == nil && p > 0 && p <= 65535 {
		port = p
	}
	return host, port
}

// Setup implements runtimebase.Lifecycle (§4.8 "On connect success...").
func (r *Runtime) Setup(ctx *runtimebase.Context) error {
	r.bucket = r.Base.NewConnBucket()
	r.wg.Add(1)
	go r.dialLoop()
	return nil
}

// Teardown implements runtimebase.Lifecycle.
func (r *Runtime) Teardown(ctx *runtimebase.Context) error {
	close(r.stopCh)
	r.mu.Lock()
	c := r.conn
	r.mu.Unlock()
	if c != nil {
		c.Close()
	}
	r.wg.Wait()
	return nil
}

// dialLoop owns the connect/read/reconnect cycle; it runs for the runtime's
// entire lifetime as a single goroutine (§4.8).
func (r *Runtime) dialLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		conn, err := r.tryConnect()
		if err != nil {
			if !r.scheduleReconnect() {
				return
			}
			continue
		}

		r.mu.Lock()
		r.conn = conn
		r.connected = true
		r.reconnectTry = 0
		r.mu.Unlock()

		r.Base.Stats.ConnectionOpened(1)
		r.Base.Hooks.FireConnect(0)

		if r.cfg.Mode != "out" {
			r.readLoop(conn)
		} else {
			r.writerOnly(conn)
		}

		r.mu.Lock()
		r.conn = nil
		r.connected = false
		r.mu.Unlock()
		r.Base.Hooks.FireDisconnect(0)

		select {
		case <-r.stopCh:
			return
		default:
		}
		if !r.scheduleReconnect() {
			return
		}
	}
}

// tryConnect dials the target, trying the cached address first (§4.8
// "caches the last successful sockaddr by (host, port) and tries it first
// on reconnect").
func (r *Runtime) tryConnect() (net.Conn, error) {
	network := "tcp"
	if r.cfg.UDP {
		network = "udp"
	}
	addr := fmt.Sprintf("%s:%d", r.host, r.port)

	r.mu.Lock()
	cached := r.cachedAddr
	r.mu.Unlock()

	if cached != nil {
		if conn, err := net.DialTimeout(network, cached.String(), 3*time.Second); err == nil {
			return conn, nil
		}
		r.mu.Lock()
		r.cachedAddr = nil
		r.mu.Unlock()
	}

	conn, err := net.DialTimeout(network, addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	r.mu.Lock()
	r.cachedAddr = conn.RemoteAddr()
	r.mu.Unlock()
	return conn, nil
}

// scheduleReconnect sleeps for the backoff interval and reports whether the
// caller should retry (§4.8 "reconnect attempt count; -1 disables entirely,
// 0 is unlimited").
func (r *Runtime) scheduleReconnect() bool {
	max := r.cfg.Reconnect
	if max < 0 {
		return false
	}

	r.mu.Lock()
	attempt := r.reconnectTry
	r.mu.Unlock()

	if max > 0 && attempt >= max {
		return false
	}

	shift := attempt
	if shift > 4 {
		shift = 4
	}
	base := time.Second
	if r.reconnectBaseForTest > 0 {
		base = r.reconnectBaseForTest
	}
	delay := base * time.Duration(int64(1)<<uint(shift))
	if capped := 30 * base; delay > capped {
		delay = capped
	}
	if base >= time.Second {
		delay += time.Duration(rand.Intn(500)) * time.Millisecond
	}

	r.mu.Lock()
	r.reconnectTry++
	r.mu.Unlock()

	select {
	case <-time.After(delay):
		return true
	case <-r.stopCh:
		return false
	}
}

// readLoop reads newline-delimited messages (TCP) or whole datagrams
// (UDP) and routes them through process_message (§4.8, §4.7 mode table).
func (r *Runtime) readLoop(conn net.Conn) {
	if r.cfg.UDP {
		r.readLoopUDP(conn)
		return
	}
	reader := bufio.NewReaderSize(conn, 4096)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
			r.Base.Stats.BytesReceived(len(line))
			r.processMessage(line)
		}
		if err != nil {
			return
		}
	}
}

func (r *Runtime) readLoopUDP(conn net.Conn) {
	buf := make([]byte, 65536)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			msg := strings.TrimSuffix(strings.TrimSuffix(string(buf[:n]), "\n"), "\r")
			r.Base.Stats.BytesReceived(n)
			if msg != "" {
				r.processMessage(msg)
			}
		}
		if err != nil {
			return
		}
	}
}

// writerOnly services outbound sends for an "out" mode connection, which
// never arms a read (§4.8 "client_mode_out").
func (r *Runtime) writerOnly(conn net.Conn) {
	for {
		select {
		case b, ok := <-r.outbound:
			if !ok {
				return
			}
			if _, err := conn.Write(b); err != nil {
				return
			}
		case <-r.stopCh:
			return
		}
	}
}

func (r *Runtime) processMessage(msg string) {
	if !r.bucket.Allow() || !r.Base.GlobalAllow() {
		return
	}
	r.Base.Stats.MessageProcessed()
	r.Base.LogMessage(msg)
	if r.cfg.Mode == "in" || r.cfg.Mode == "inout" || r.cfg.Mode == "" {
		r.Base.Hooks.FireMessage(msg)
	}
}

// Send sends msg plus a newline for the hook-facing send API (§4.8). In
// "out" mode it goes on the bounded outbound queue, and a full queue is an
// error; in every other mode it is written to the connection directly.
func (r *Runtime) Send(msg string) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("client %q: not connected", r.cfg.Name)
	}
	r.Base.LogOutbound(msg)
	b := []byte(msg + "\n")
	if r.cfg.Mode == "out" {
		select {
		case r.outbound <- b:
			return nil
		default:
			return fmt.Errorf("client %q: outbound queue full", r.cfg.Name)
		}
	}
	_, err := conn.Write(b)
	return err
}

// SweepIdle implements runtimebase.IdleSweeper — a single outbound
// connection has no per-peer idle accounting, so this is a no-op kept for
// interface completeness.
func (r *Runtime) SweepIdle(cutoff time.Time) {}
