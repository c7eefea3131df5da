package runtimebase

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/socketley/daemon/internal/runtimecfg"
)

type fakeLifecycle struct {
	setupCalled    bool
	teardownCalled bool
	setupErr       error
	teardownErr    error
	sweptCutoff    time.Time
	sweptCalled    chan struct{}
}

func (f *fakeLifecycle) Setup(ctx *Context) error {
	f.setupCalled = true
	return f.setupErr
}

func (f *fakeLifecycle) Teardown(ctx *Context) error {
	f.teardownCalled = true
	return f.teardownErr
}

func (f *fakeLifecycle) SweepIdle(cutoff time.Time) {
	f.sweptCutoff = cutoff
	if f.sweptCalled != nil {
		select {
		case f.sweptCalled <- struct{}{}:
		default:
		}
	}
}

func TestStartStopTransitions(t *testing.T) {
	lc := &fakeLifecycle{}
	rt := New(runtimecfg.Config{Name: "r1"}, lc)

	if rt.State != StateCreated {
		t.Fatalf("initial state = %v, want created", rt.State)
	}

	if err := rt.Start(&Context{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !lc.setupCalled {
		t.Fatalf("Setup was not called")
	}
	if rt.State != StateRunning {
		t.Fatalf("state after Start = %v, want running", rt.State)
	}

	if err := rt.Start(&Context{}); err == nil {
		t.Fatalf("expected error starting an already-running runtime")
	}

	if err := rt.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !lc.teardownCalled {
		t.Fatalf("Teardown was not called")
	}
	if rt.State != StateStopped {
		t.Fatalf("state after Stop = %v, want stopped", rt.State)
	}

	if err := rt.Start(&Context{}); err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	if rt.State != StateRunning {
		t.Fatalf("state after restart = %v, want running", rt.State)
	}
}

func TestStartFailureEntersFailedState(t *testing.T) {
	lc := &fakeLifecycle{setupErr: errBoom}
	rt := New(runtimecfg.Config{Name: "r2"}, lc)

	if err := rt.Start(&Context{}); err == nil {
		t.Fatalf("expected Start to fail")
	}
	if rt.State != StateFailed {
		t.Fatalf("state = %v, want failed", rt.State)
	}
}

func TestStopFromNonRunningFails(t *testing.T) {
	lc := &fakeLifecycle{}
	rt := New(runtimecfg.Config{Name: "r3"}, lc)
	if err := rt.Stop(); err == nil {
		t.Fatalf("expected error stopping a non-running runtime")
	}
}

func TestLogFileWritesOnlyWhileRunning(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "traffic.log")
	writePath := filepath.Join(dir, "sent.log")

	lc := &fakeLifecycle{}
	rt := New(runtimecfg.Config{Name: "r4", LogFile: logPath, WriteFile: writePath}, lc)

	rt.LogMessage("before start: dropped")
	if err := rt.Start(&Context{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	rt.LogMessage("inbound hello")
	rt.LogOutbound("outbound world")
	if err := rt.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	logData, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(logData), "inbound hello") {
		t.Fatalf("expected log file to contain inbound message, got %q", logData)
	}
	if strings.Contains(string(logData), "dropped") {
		t.Fatalf("expected pre-start message to be dropped, got %q", logData)
	}

	writeData, err := os.ReadFile(writePath)
	if err != nil {
		t.Fatalf("read write file: %v", err)
	}
	if !strings.Contains(string(writeData), "outbound world") {
		t.Fatalf("expected write file to contain outbound message, got %q", writeData)
	}
}

func TestSetGlobalRateLimitRetunesBucket(t *testing.T) {
	lc := &fakeLifecycle{}
	rt := New(runtimecfg.Config{Name: "r5", GlobalRateLimit: 0}, lc)

	// With no limit configured, GlobalAllow always succeeds.
	if !rt.GlobalAllow() {
		t.Fatalf("expected unlimited bucket to allow")
	}

	rt.SetGlobalRateLimit(1)
	allowedOnce := rt.GlobalAllow()
	secondAllowed := rt.GlobalAllow()
	if !allowedOnce {
		t.Fatalf("expected first token to be allowed immediately after retune")
	}
	if secondAllowed {
		t.Fatalf("expected second immediate call to be rate limited after retune to 1/s")
	}
}

func TestIdleSweepInvokesLifecycle(t *testing.T) {
	lc := &fakeLifecycle{}
	rt := New(runtimecfg.Config{Name: "r4", IdleTimeout: 5}, lc)
	rt.idleSweepIntervalForTest = 20 * time.Millisecond
	lc.sweptCalled = make(chan struct{}, 1)

	if err := rt.Start(&Context{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rt.Stop()

	select {
	case <-lc.sweptCalled:
	case <-time.After(2 * time.Second):
		t.Fatalf("idle sweep never invoked SweepIdle")
	}
}

func TestInteractiveAttachDetach(t *testing.T) {
	lc := &fakeLifecycle{}
	rt := New(runtimecfg.Config{Name: "r5"}, lc)
	// nil net.Conn is fine for attach/detach bookkeeping in this test; we
	// never call Write on it.
	rt.AttachInteractive(nil)
	if len(rt.interactiveConns) != 1 {
		t.Fatalf("expected 1 attached conn, got %d", len(rt.interactiveConns))
	}
	rt.DetachInteractive(nil)
	if len(rt.interactiveConns) != 0 {
		t.Fatalf("expected 0 attached conns after detach, got %d", len(rt.interactiveConns))
	}
}

var errBoom = fakeErr("boom")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
