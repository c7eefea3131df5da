package proxy

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/socketley/daemon/internal/runtimecfg"
	"github.com/sony/gobreaker"
)

const (
	poolCap    = 32
	poolMaxAge = 60 * time.Second
)

type pooledConn struct {
	conn    net.Conn
	savedAt time.Time
}

// backend is one proxy target: its dial address, circuit breaker, health
// state, and idle connection pool (§4.9 "Connection pool", "Circuit
// breaker", "Health checks").
type backend struct {
	address string
	breaker *gobreaker.CircuitBreaker

	mu         sync.Mutex
	healthy    bool
	failCount  int
	pool       []pooledConn
}

func newBackend(address string, cfg runtimecfg.Config) *backend {
	threshold := uint32(cfg.CircuitThreshold)
	if threshold == 0 {
		threshold = 5
	}
	timeout := time.Duration(cfg.CircuitTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	b := &backend{address: address, healthy: true}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    address,
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
	return b
}

// available reports whether this backend should currently be considered
// for selection (§4.9 "Skip backends whose circuit is open or health
// record is unhealthy").
func (b *backend) available() bool {
	b.mu.Lock()
	healthy := b.healthy
	b.mu.Unlock()
	return healthy && b.breaker.State() != gobreaker.StateOpen
}

// acquire returns a pooled connection if one is fresh enough, else dials a
// new one (§4.9 "Acquire returns either a pooled fd or triggers a fresh
// connect"). A relay may hand a connection back to release() without
// knowing whether the peer has since closed it (raw byte relays don't
// always know their own protocol framing), so a pooled entry is probed
// for staleness before being handed out again.
func (b *backend) acquire() (net.Conn, error) {
	b.mu.Lock()
	for len(b.pool) > 0 {
		n := len(b.pool) - 1
		pc := b.pool[n]
		b.pool = b.pool[:n]
		if time.Since(pc.savedAt) > poolMaxAge || isStale(pc.conn) {
			pc.conn.Close()
			continue
		}
		b.mu.Unlock()
		return pc.conn, nil
	}
	b.mu.Unlock()

	return net.DialTimeout("tcp", b.address, 5*time.Second)
}

// isStale peeks for a closed or errored connection without consuming any
// application bytes: an idle, live connection has nothing to read and the
// deadline read simply times out.
func isStale(conn net.Conn) bool {
	conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer conn.SetReadDeadline(time.Time{})
	one := make([]byte, 1)
	if _, err := conn.Read(one); err == nil {
		return true // unexpected data waiting on an idle pooled conn
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return false
	}
	return true
}

// release returns a connection to the pool, or closes it if the pool is
// full (§4.9 "per-backend pool (cap 32)").
func (b *backend) release(conn net.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pool) >= poolCap {
		conn.Close()
		return
	}
	b.pool = append(b.pool, pooledConn{conn: conn, savedAt: time.Now()})
}

func (b *backend) closePool() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, pc := range b.pool {
		pc.conn.Close()
	}
	b.pool = nil
}

// recordResult feeds a proxied request's outcome into the circuit breaker
// (§4.9 "each proxied request that fails ... increments the error count").
func (b *backend) recordResult(ok bool) {
	b.breaker.Execute(func() (interface{}, error) {
		if ok {
			return nil, nil
		}
		return nil, fmt.Errorf("request failed")
	})
}

// checkHealth runs one health probe and updates the consecutive-failure
// counter (§4.9 "Health checks").
func (b *backend) checkHealth(cfg runtimecfg.Config) {
	var ok bool
	if cfg.Protocol == "http" {
		ok = b.checkHTTPHealth(cfg.HealthPath)
	} else {
		ok = b.checkTCPHealth()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	threshold := cfg.HealthThreshold
	if threshold <= 0 {
		threshold = 3
	}
	if ok {
		b.failCount = 0
		b.healthy = true
		return
	}
	b.failCount++
	if b.failCount >= threshold {
		b.healthy = false
	}
}

func (b *backend) checkTCPHealth() bool {
	conn, err := net.DialTimeout("tcp", b.address, 3*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (b *backend) checkHTTPHealth(path string) bool {
	if path == "" {
		path = "/"
	}
	conn, err := net.DialTimeout("tcp", b.address, 3*time.Second)
	if err != nil {
		return false
	}
	defer conn.Close()

	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", path, b.address)
	if _, err := conn.Write([]byte(req)); err != nil {
		return false
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	parts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	if len(parts) < 2 {
		return false
	}
	code, err := strconv.Atoi(parts[1])
	return err == nil && code >= 200 && code < 300
}
