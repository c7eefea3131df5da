// Package server implements the server runtime kind (§4.7): a TCP/UDP
// listener that auto-detects one of {tcp, http, ws, resp2} per connection,
// runs the process_message pipeline, and supports master mode, broadcast,
// client routing, and upstream fan-out. Grounded on the teacher's
// connection-handling shape in internal/router/router.go (one goroutine
// per accepted connection, a per-connection serialized write path),
// generalized from a single relay protocol to the four auto-detected
// protocols this spec names.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/socketley/daemon/internal/cachestore"
	"github.com/socketley/daemon/internal/runtimebase"
	"github.com/socketley/daemon/internal/runtimecfg"
	"github.com/socketley/daemon/internal/sockopt"
)

// RuntimeLookup resolves a sibling runtime by name, used for client routing
// and owner-send (§4.7 "Client routing", "Owner send"). Implemented by the
// manager, injected rather than imported to avoid a manager<->server import
// cycle (§9 "Cyclic references").
type RuntimeLookup interface {
	ServerByName(name string) (*Runtime, bool)
}

// Runtime is the server kind's Lifecycle implementation.
type Runtime struct {
	Base   *runtimebase.Runtime
	cfg    runtimecfg.Config
	lookup RuntimeLookup
	cache  *cachestore.Store // linked cache, if cfg.CacheName resolves (§4.7 step 5-6)

	listener net.Listener
	udpConn  *net.UDPConn

	mu           sync.RWMutex
	conns        map[int]*conn
	nextFD       int
	masterFD     int // -1 if none
	authFailures map[string]*ipFailureWindow
	seq          int64 // monotonic cache-store key counter (§4.7 step 6)
	udpPeers     map[string]*net.UDPAddr // known UDP peers, for broadcastUDP fan-out

	// routedClients holds, for each fd another runtime has routed to this one
	// via RouteClient, the origin runtime to write back through
	// (§4.7 "Client routing": route_client/send_to_client).
	routedClients map[int]*routedClient

	upstreams []*upstream

	wg sync.WaitGroup
}

// routedClient is the target-side bookkeeping entry RouteClient installs.
type routedClient struct {
	origin *Runtime
	fd     int
}

type ipFailureWindow struct {
	count     int
	windowEnd time.Time
}

// New builds a server runtime from its persisted config. cache is the
// linked cache store (nil if cfg.CacheName is unset or unresolved); lookup
// resolves sibling server runtimes for routing.
func New(cfg runtimecfg.Config, cache *cachestore.Store, lookup RuntimeLookup) *Runtime {
	r := &Runtime{
		cfg:           cfg,
		lookup:        lookup,
		cache:         cache,
		conns:         make(map[int]*conn),
		masterFD:      -1,
		authFailures:  make(map[string]*ipFailureWindow),
		udpPeers:      make(map[string]*net.UDPAddr),
		routedClients: make(map[int]*routedClient),
	}
	r.Base = runtimebase.New(cfg, r)
	return r
}

// Setup implements runtimebase.Lifecycle (§4.7 listen + upstream dial).
func (r *Runtime) Setup(ctx *runtimebase.Context) error {
	if r.cfg.Port == 0 && r.cfg.Owner != "" {
		return nil // internal runtime, no listen socket (§4.7)
	}

	if r.cfg.UDP {
		addr := &net.UDPAddr{Port: r.cfg.Port}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return fmt.Errorf("listen udp server %q on port %d: %w", r.cfg.Name, r.cfg.Port, err)
		}
		r.udpConn = conn
		r.wg.Add(1)
		go r.udpLoop()
	} else {
		lc := &net.ListenConfig{Control: sockopt.DeferAcceptListenControl}
		ln, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf(":%d", r.cfg.Port))
		if err != nil {
			return fmt.Errorf("listen tcp server %q on port %d: %w", r.cfg.Name, r.cfg.Port, err)
		}
		r.listener = ln
		r.wg.Add(1)
		go r.acceptLoop()
	}

	for _, up := range r.cfg.Upstreams {
		u := newUpstream(r, up.Host, up.Port, len(r.upstreams))
		r.upstreams = append(r.upstreams, u)
		r.wg.Add(1)
		go u.run()
	}

	return nil
}

// Teardown implements runtimebase.Lifecycle, following the shutdown-before-
// close ordering §4.7 requires to avoid racing pending accepts.
func (r *Runtime) Teardown(ctx *runtimebase.Context) error {
	for _, u := range r.upstreams {
		u.stop()
	}

	if tl, ok := r.listener.(*net.TCPListener); ok {
		tl.Close() // net.Listener has no separate shutdown(); Close is the analogue here
	} else if r.listener != nil {
		r.listener.Close()
	}
	if r.udpConn != nil {
		r.udpConn.Close()
	}

	r.mu.Lock()
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		if r.cfg.Drain {
			c.flushBlocking()
		}
		c.close()
	}

	r.wg.Wait()

	// Zeroize the master password (§4.7 step 6 of teardown).
	r.mu.Lock()
	r.cfg.MasterPW = zeroString(len(r.cfg.MasterPW))
	r.mu.Unlock()
	return nil
}

func zeroString(n int) string {
	if n == 0 {
		return ""
	}
	b := make([]byte, n)
	return string(b)
}

// SweepIdle implements runtimebase.IdleSweeper.
func (r *Runtime) SweepIdle(cutoff time.Time) {
	r.mu.RLock()
	var stale []*conn
	for _, c := range r.conns {
		if c.lastActivity().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	r.mu.RUnlock()
	for _, c := range stale {
		c.close()
	}
}

func (r *Runtime) acceptLoop() {
	defer r.wg.Done()
	backoff := 100 * time.Millisecond
	for {
		nc, err := r.listener.Accept()
		if err != nil {
			if r.Base.State != runtimebase.StateRunning {
				return
			}
			time.Sleep(backoff)
			continue
		}
		r.handleAccept(nc)
	}
}

func (r *Runtime) handleAccept(nc net.Conn) {
	r.mu.Lock()
	if r.cfg.MaxConnections > 0 && len(r.conns) >= r.cfg.MaxConnections {
		r.mu.Unlock()
		nc.Close()
		return
	}
	fd := r.nextFD
	r.nextFD++
	r.mu.Unlock()

	remoteIP, _, _ := net.SplitHostPort(nc.RemoteAddr().String())
	if r.cfg.Mode == "master" && r.ipBlocked(remoteIP) {
		nc.Close()
		return
	}

	if tc, ok := nc.(*net.TCPConn); ok {
		sockopt.TuneAccepted(tc, 0)
	}

	c := newConn(r, fd, nc, remoteIP)

	if !r.Base.Hooks.FireAuth(fd) {
		c.close()
		return
	}
	r.mu.Lock()
	r.conns[fd] = c
	r.mu.Unlock()
	r.Base.Stats.ConnectionOpened(len(r.conns))
	r.Base.Hooks.FireConnect(fd)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		c.serve()
	}()
}

// ipBlocked applies the per-IP auth backoff (§4.7 step 2, master mode only).
func (r *Runtime) ipBlocked(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.authFailures[ip]
	if !ok {
		return false
	}
	if time.Now().After(w.windowEnd) {
		delete(r.authFailures, ip)
		return false
	}
	return w.count >= 10
}

func (r *Runtime) recordAuthFailure(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.authFailures[ip]
	now := time.Now()
	if !ok || now.After(w.windowEnd) {
		w = &ipFailureWindow{windowEnd: now.Add(60 * time.Second)}
		r.authFailures[ip] = w
	}
	w.count++
}

func (r *Runtime) udpLoop() {
	defer r.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, addr, err := r.udpConn.ReadFromUDP(buf)
		if err != nil {
			if r.Base.State != runtimebase.StateRunning {
				return
			}
			continue
		}
		r.mu.Lock()
		if len(r.udpPeers) < 10000 {
			r.udpPeers[addr.String()] = addr
		}
		r.mu.Unlock()
		msg := string(buf[:n])
		r.Base.Stats.MessageProcessed()
		r.Base.Stats.BytesReceived(n)
		r.processUDPMessage(msg, addr.String())
	}
}

func (r *Runtime) processUDPMessage(msg string, from string) {
	if !r.Base.Hooks.FireMessage(msg) {
		r.broadcastUDP(msg, from)
	}
}

// broadcastUDP fans msg out to every known UDP peer except exclude,
// mirroring lua_broadcast's default "inout" behavior (§4.7), grounded
// on the original's mode_inout -> udp_broadcast.
func (r *Runtime) broadcastUDP(msg string, exclude string) {
	r.mu.RLock()
	targets := make([]*net.UDPAddr, 0, len(r.udpPeers))
	for key, addr := range r.udpPeers {
		if key == exclude {
			continue
		}
		targets = append(targets, addr)
	}
	r.mu.RUnlock()

	payload := []byte(msg)
	for _, addr := range targets {
		if _, err := r.udpConn.WriteToUDP(payload, addr); err == nil {
			r.Base.Stats.BytesSent(len(payload))
		}
	}
}

// constantTimeEqual implements the master-password compare (§4.7).
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

