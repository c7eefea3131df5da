package server

import (
	"net"
	"testing"
	"time"

	"github.com/socketley/daemon/internal/cachestore"
	"github.com/socketley/daemon/internal/runtimecfg"
)

func TestDetectProtocol(t *testing.T) {
	cases := []struct {
		peek []byte
		want protoState
	}{
		{[]byte("*3\r\n"), protoRESP2},
		{[]byte("$5\r\n"), protoRESP2},
		{[]byte("+OK\r\n"), protoRESP2},
		{[]byte("GET "), protoWS},
		{[]byte("POST"), protoHTTP},
		{[]byte("hell"), protoTCP},
		{[]byte{}, protoTCP},
	}
	for _, tc := range cases {
		if got := detectProtocol(tc.peek); got != tc.want {
			t.Errorf("detectProtocol(%q) = %v, want %v", tc.peek, got, tc.want)
		}
	}
}

func newTestRuntime(mode string) (*Runtime, *conn, net.Conn) {
	cfg := runtimecfg.Defaults()
	cfg.Name = "srv"
	cfg.Mode = mode
	rt := New(cfg, nil, nil)
	client, serverSide := net.Pipe()
	c := newConn(rt, 1, serverSide, "127.0.0.1")
	rt.conns[1] = c
	return rt, c, client
}

func drain(t *testing.T, client net.Conn, timeout time.Duration) string {
	t.Helper()
	client.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 4096)
	n, err := client.Read(buf)
	if err != nil {
		return ""
	}
	return string(buf[:n])
}

func TestProcessMessageInoutBroadcasts(t *testing.T) {
	rt, c1, client1 := newTestRuntime("inout")
	defer client1.Close()

	client2, serverSide2 := net.Pipe()
	defer client2.Close()
	c2 := newConn(rt, 2, serverSide2, "127.0.0.1")
	rt.conns[2] = c2

	go c1.processMessage("hello")

	got := drain(t, client2, 2*time.Second)
	if got != "hello\n" {
		t.Fatalf("broadcast reply = %q, want %q", got, "hello\n")
	}
}

func TestProcessMessageOutModeDoesNothing(t *testing.T) {
	rt, c1, client1 := newTestRuntime("out")
	defer client1.Close()
	_ = rt

	c1.processMessage("hello")
	// no panic, no broadcast target registered; success is just not hanging
}

func TestMasterAuthSuccessAndForward(t *testing.T) {
	rt, c1, client1 := newTestRuntime("master")
	defer client1.Close()
	rt.cfg.MasterPW = "secret"

	client2, serverSide2 := net.Pipe()
	defer client2.Close()
	c2 := newConn(rt, 2, serverSide2, "127.0.0.1")
	rt.conns[2] = c2

	go c1.processMessage("master secret")
	got := drain(t, client1, 2*time.Second)
	if got != "master: ok\n" {
		t.Fatalf("master auth reply = %q, want master: ok", got)
	}

	if rt.masterFD != 1 {
		t.Fatalf("masterFD = %d, want 1", rt.masterFD)
	}

	go c1.processMessage("broadcast this")
	got2 := drain(t, client2, 2*time.Second)
	if got2 != "broadcast this\n" {
		t.Fatalf("master broadcast = %q, want %q", got2, "broadcast this\n")
	}
}

func TestMasterAuthFailureRecordsIPFailure(t *testing.T) {
	rt, c1, client1 := newTestRuntime("master")
	defer client1.Close()
	rt.cfg.MasterPW = "secret"

	go c1.processMessage("master wrong")
	got := drain(t, client1, 2*time.Second)
	if got != "master: denied\n" {
		t.Fatalf("master auth reply = %q, want master: denied", got)
	}
	if rt.authFailures["127.0.0.1"] == nil {
		t.Fatalf("expected an auth failure to be recorded")
	}
}

func TestExecCacheCommandSetGet(t *testing.T) {
	store := cachestore.New(0, cachestore.EvictionNone, cachestore.ModeReadwrite)
	rt, c1, client1 := newTestRuntime("inout")
	defer client1.Close()
	rt.cache = store

	if got := execCacheCommand(store, c1, "set a 1"); got != "ok\n" {
		t.Fatalf("cache set reply = %q", got)
	}
	if got := execCacheCommand(store, c1, "get a"); got != "1\n" {
		t.Fatalf("cache get reply = %q", got)
	}
}

func TestIPBlockedAfterTenFailures(t *testing.T) {
	rt, _, client1 := newTestRuntime("master")
	defer client1.Close()

	for i := 0; i < 10; i++ {
		rt.recordAuthFailure("10.0.0.1")
	}
	if !rt.ipBlocked("10.0.0.1") {
		t.Fatalf("expected IP to be blocked after 10 failures")
	}
	if rt.ipBlocked("10.0.0.2") {
		t.Fatalf("unrelated IP should not be blocked")
	}
}

func TestInjectReconnectScript(t *testing.T) {
	html := []byte("<html><body>hi</body></html>")
	out := injectReconnectScript(html)
	if len(out) <= len(html) {
		t.Fatalf("expected script to be injected")
	}
}

// fakeLookup resolves names against a fixed set of runtimes, satisfying
// RuntimeLookup for tests without a real manager (§4.7 "Client routing",
// "Owner send").
type fakeLookup struct {
	byName map[string]*Runtime
}

func (f *fakeLookup) ServerByName(name string) (*Runtime, bool) {
	rt, ok := f.byName[name]
	return rt, ok
}

func TestRouteClientForwardsMessagesAndFiresTargetHooks(t *testing.T) {
	targetCfg := runtimecfg.Defaults()
	targetCfg.Name = "target"
	targetCfg.Mode = "in"
	target := New(targetCfg, nil, nil)

	lookup := &fakeLookup{byName: map[string]*Runtime{"target": target}}

	originCfg := runtimecfg.Defaults()
	originCfg.Name = "origin"
	originCfg.Mode = "inout"
	origin := New(originCfg, nil, lookup)
	client, serverSide := net.Pipe()
	defer client.Close()
	c := newConn(origin, 1, serverSide, "127.0.0.1")
	origin.conns[1] = c

	var connectedFD int = -1
	var gotMsg string
	target.Base.Hooks.OnConnect = func(fd int) { connectedFD = fd }
	target.Base.Hooks.OnMessage = func(msg string) bool {
		gotMsg = msg
		return true
	}

	if err := origin.RouteClient(1, "target"); err != nil {
		t.Fatalf("RouteClient: %v", err)
	}
	if connectedFD != 1 {
		t.Fatalf("target on_connect fd = %d, want 1", connectedFD)
	}

	c.processMessage("routed hello")
	if gotMsg != "routed hello" {
		t.Fatalf("target on_message = %q, want %q", gotMsg, "routed hello")
	}

	// SendToClient must write back through origin's own conn, not target's.
	if err := target.SendToClient(1, "reply\n"); err != nil {
		t.Fatalf("SendToClient: %v", err)
	}
	if got := drain(t, client, 2*time.Second); got != "reply\n" {
		t.Fatalf("routed reply = %q, want %q", got, "reply\n")
	}

	var disconnectedFD int = -1
	target.Base.Hooks.OnDisconnect = func(fd int) { disconnectedFD = fd }
	c.close()
	if disconnectedFD != 1 {
		t.Fatalf("target on_disconnect fd = %d, want 1", disconnectedFD)
	}
	if _, ok := target.routedClients[1]; ok {
		t.Fatalf("expected routed client registration to be cleared on close")
	}
}

func TestOwnerSendAndBroadcastDelegateToParent(t *testing.T) {
	parentCfg := runtimecfg.Defaults()
	parentCfg.Name = "parent"
	parentCfg.Mode = "inout"
	parent := New(parentCfg, nil, nil)
	client, serverSide := net.Pipe()
	defer client.Close()
	c := newConn(parent, 1, serverSide, "127.0.0.1")
	parent.conns[1] = c

	lookup := &fakeLookup{byName: map[string]*Runtime{"parent": parent}}
	childCfg := runtimecfg.Defaults()
	childCfg.Name = "child"
	childCfg.Owner = "parent"
	child := New(childCfg, nil, lookup)

	go func() {
		if err := child.OwnerSend(1, "from child\n"); err != nil {
			t.Errorf("OwnerSend: %v", err)
		}
	}()
	if got := drain(t, client, 2*time.Second); got != "from child\n" {
		t.Fatalf("owner_send reply = %q, want %q", got, "from child\n")
	}

	go func() {
		if err := child.OwnerBroadcast("broadcast from child"); err != nil {
			t.Errorf("OwnerBroadcast: %v", err)
		}
	}()
	if got := drain(t, client, 2*time.Second); got != "broadcast from child\n" {
		t.Fatalf("owner_broadcast reply = %q, want %q", got, "broadcast from child\n")
	}

	orphanCfg := runtimecfg.Defaults()
	orphanCfg.Name = "orphan"
	orphan := New(orphanCfg, nil, lookup)
	if err := orphan.OwnerSend(1, "x"); err == nil {
		t.Fatalf("expected OwnerSend to fail for a runtime with no owner")
	}
}
