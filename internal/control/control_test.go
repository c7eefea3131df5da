package control

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/socketley/daemon/internal/manager"
	"github.com/socketley/daemon/internal/persistence"
)

func newTestHandler(t *testing.T) (*Handler, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.New(dir)
	if err != nil {
		t.Fatalf("persistence.New: %v", err)
	}
	mgr := manager.New(store)
	sockPath := filepath.Join(dir, "control.sock")
	h := New(mgr, sockPath)
	go h.Serve()
	// give the listener a moment to bind
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(sockPath); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Cleanup(func() { h.Close() })
	return h, sockPath
}

func sendCommand(t *testing.T, sockPath, cmd string) (byte, string) {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.Write([]byte(cmd + "\n"))

	r := bufio.NewReader(conn)
	status, err := r.ReadByte()
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	body, err := r.ReadString(0)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return status, strings.TrimSuffix(body, "\x00")
}

func TestCreateAndList(t *testing.T) {
	_, sock := newTestHandler(t)

	status, _ := sendCommand(t, sock, "create client echoer -t 127.0.0.1:9 --mode out")
	if status != StatusOK {
		t.Fatalf("create: status=%d", status)
	}

	status, body := sendCommand(t, sock, "ls -s")
	if status != StatusOK {
		t.Fatalf("ls: status=%d", status)
	}
	if !strings.Contains(body, "echoer") {
		t.Fatalf("expected ls output to mention echoer, got %q", body)
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	_, sock := newTestHandler(t)
	sendCommand(t, sock, "create client dup -t 127.0.0.1:9")
	status, body := sendCommand(t, sock, "create client dup -t 127.0.0.1:9")
	if status != StatusBad {
		t.Fatalf("expected duplicate create to fail, got status=%d body=%q", status, body)
	}
}

func TestUnknownNameReportsNotFound(t *testing.T) {
	_, sock := newTestHandler(t)
	status, body := sendCommand(t, sock, "stop nonexistent")
	if status != StatusBad || !strings.Contains(body, "not found") {
		t.Fatalf("expected not-found error, got status=%d body=%q", status, body)
	}
}

func TestUnknownVerb(t *testing.T) {
	_, sock := newTestHandler(t)
	status, _ := sendCommand(t, sock, "frobnicate something")
	if status != StatusBad {
		t.Fatalf("expected bad status for unknown verb, got %d", status)
	}
}

func TestClusterDirOffByDefault(t *testing.T) {
	_, sock := newTestHandler(t)
	status, body := sendCommand(t, sock, "cluster-dir")
	if status != StatusBad || !strings.Contains(body, "cluster mode is off") {
		t.Fatalf("expected cluster-dir to report disabled, got status=%d body=%q", status, body)
	}
}
