package launcher

import (
	"os"
	"testing"
	"time"
)

func TestLaunchAndTerminate(t *testing.T) {
	if _, err := os.Stat("/bin/sleep"); err != nil {
		t.Skip("/bin/sleep not available")
	}
	l := New()
	pid, err := l.Launch("test-runtime", "/bin/sleep")
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("expected positive pid, got %d", pid)
	}

	if err := l.Terminate(pid); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
}

func TestTerminateUnknownPidIsNotAnError(t *testing.T) {
	l := New()
	if err := l.Terminate(999999); err != nil {
		t.Fatalf("Terminate of untracked pid should be a no-op, got %v", err)
	}
}

func TestLaunchSetsEnvMarkers(t *testing.T) {
	if _, err := os.Stat("/bin/sleep"); err != nil {
		t.Skip("/bin/sleep not available")
	}
	l := New()
	pid, err := l.Launch("marker-runtime", "/bin/sleep")
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer l.Terminate(pid)

	l.mu.Lock()
	cmd, ok := l.children[pid]
	l.mu.Unlock()
	if !ok {
		t.Fatalf("expected launched pid %d to be tracked", pid)
	}

	var sawManaged, sawName bool
	for _, e := range cmd.Env {
		if e == "SOCKETLEY_MANAGED=1" {
			sawManaged = true
		}
		if e == "SOCKETLEY_NAME=marker-runtime" {
			sawName = true
		}
	}
	if !sawManaged || !sawName {
		t.Fatalf("expected SOCKETLEY_MANAGED and SOCKETLEY_NAME env markers, got %v", cmd.Env)
	}
	time.Sleep(10 * time.Millisecond)
}
