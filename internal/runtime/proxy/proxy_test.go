package proxy

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/socketley/daemon/internal/runtimecfg"
)

func TestIsIdempotentMethod(t *testing.T) {
	cases := map[string]bool{
		"GET": true, "HEAD": true, "OPTIONS": true, "PUT": true, "DELETE": true,
		"POST": false, "PATCH": false,
	}
	for m, want := range cases {
		if got := isIdempotentMethod(m); got != want {
			t.Errorf("isIdempotentMethod(%q) = %v, want %v", m, got, want)
		}
	}
}

func TestSelectBackendRoundRobin(t *testing.T) {
	cfg := runtimecfg.Defaults()
	cfg.Strategy = "round_robin"
	r := &Runtime{cfg: cfg}
	r.Base = nil
	for i := 0; i < 3; i++ {
		r.backends = append(r.backends, newBackend("127.0.0.1:0", cfg))
	}

	seen := map[int]bool{}
	for i := 0; i < 6; i++ {
		seen[r.selectBackend("", "")] = true
	}
	if len(seen) != 3 {
		t.Fatalf("round robin should visit all 3 backends, saw %d", len(seen))
	}
}

func TestBackendPoolAcquireRelease(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	cfg := runtimecfg.Defaults()
	b := newBackend(ln.Addr().String(), cfg)

	conn, err := b.acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	b.release(conn)

	b.mu.Lock()
	n := len(b.pool)
	b.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 pooled conn, got %d", n)
	}
}

func TestBackendPoolDiscardsStaleEntries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	cfg := runtimecfg.Defaults()
	b := newBackend(ln.Addr().String(), cfg)
	conn, _ := net.Dial("tcp", ln.Addr().String())
	b.pool = append(b.pool, pooledConn{conn: conn, savedAt: time.Now().Add(-2 * time.Minute)})

	got, err := b.acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	got.Close()

	b.mu.Lock()
	n := len(b.pool)
	b.mu.Unlock()
	if n != 0 {
		t.Fatalf("stale entry should have been discarded, pool size = %d", n)
	}
}

func TestCheckTCPHealth(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	cfg := runtimecfg.Defaults()
	b := newBackend(ln.Addr().String(), cfg)
	if !b.checkTCPHealth() {
		t.Fatalf("expected health check against a live listener to succeed")
	}
}

func TestCheckHTTPHealth(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		bufio.NewReader(c).ReadString('\n')
		c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	}()

	cfg := runtimecfg.Defaults()
	b := newBackend(ln.Addr().String(), cfg)
	if !b.checkHTTPHealth("/health") {
		t.Fatalf("expected 200 response to count as healthy")
	}
}
