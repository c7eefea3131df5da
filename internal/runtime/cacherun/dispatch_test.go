package cacherun

import (
	"bufio"
	"net"
	"testing"

	"github.com/socketley/daemon/internal/cachestore"
	"github.com/socketley/daemon/internal/proto/resp"
)

func newTestConn(t *testing.T, fd int) (*clientConn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	cc := &clientConn{fd: fd, conn: server, w: bufio.NewWriter(server)}
	return cc, client
}

func TestDispatchLineSetGet(t *testing.T) {
	store := cachestore.New(0, cachestore.EvictionNone, cachestore.ModeReadwrite)
	cc, _ := newTestConn(t, 1)

	if got := dispatchLine(store, cc, "set a 1"); got != "ok\n" {
		t.Fatalf("set reply = %q, want ok", got)
	}
	if got := dispatchLine(store, cc, "get a"); got != "1\n" {
		t.Fatalf("get reply = %q, want 1", got)
	}
}

func TestDispatchLineTypeConflict(t *testing.T) {
	store := cachestore.New(0, cachestore.EvictionNone, cachestore.ModeReadwrite)
	cc, _ := newTestConn(t, 1)

	dispatchLine(store, cc, "lpush a z")
	got := dispatchLine(store, cc, "set a 1")
	if got != "error: type conflict\n" {
		t.Fatalf("reply = %q, want type conflict error", got)
	}
}

func TestDispatchLineScenarioFromSpec(t *testing.T) {
	store := cachestore.New(0, cachestore.EvictionNone, cachestore.ModeReadwrite)
	cc, _ := newTestConn(t, 1)

	r1 := dispatchLine(store, cc, "SET a 1")
	r2 := dispatchLine(store, cc, "GET a")
	r3 := dispatchLine(store, cc, "LPUSH a z")

	got := r1 + r2 + r3
	want := "ok\n1\nerror: type conflict\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDispatchRESPScenarioFromSpec(t *testing.T) {
	store := cachestore.New(0, cachestore.EvictionNone, cachestore.ModeReadwrite)
	cc, _ := newTestConn(t, 1)

	args1, _, err := resp.ParseCommand([]byte("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n"))
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	args2, _, err := resp.ParseCommand([]byte("*2\r\n$3\r\nGET\r\n$1\r\nk\r\n"))
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}

	r1 := dispatchRESP(store, cc, args1)
	r2 := dispatchRESP(store, cc, args2)

	got := r1 + r2
	want := "+OK\r\n$1\r\nv\r\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
