// Package launcher implements the external runtime launcher (§4.12):
// fork+exec for runtimes configured as "managed externals", tracking
// each child's pid as if it were an in-process runtime. Grounded on the
// teacher's sidecar-process management in internal/vmm/cloudhv.go
// (exec.Command + cmd.Start + a goroutine blocked on cmd.Wait, rather
// than a raw syscall.ForkExec), generalized from a fixed sidecar binary
// to an arbitrary configured exec path and extended with the detach
// (setsid, stdio to /dev/null, env markers) and zombie-reaping behavior
// spec.md calls for that the teacher's foreground sidecars don't need.
package launcher

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Launcher implements runtimebase.ExternalLauncher.
type Launcher struct {
	mu       sync.Mutex
	children map[int]*exec.Cmd
}

// New returns a ready Launcher.
func New() *Launcher {
	return &Launcher{children: make(map[int]*exec.Cmd)}
}

// Launch starts execPath as a detached, managed external process for the
// runtime named name (§4.12): setsid, stdio to /dev/null, env markers
// SOCKETLEY_MANAGED=1 and SOCKETLEY_NAME=<name>. Zombies from previous
// runs are reaped first.
func (l *Launcher) Launch(name, execPath string) (int, error) {
	l.reapZombies()

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(execPath)
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.Env = append(os.Environ(),
		"SOCKETLEY_MANAGED=1",
		"SOCKETLEY_NAME="+name,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("launch managed external %q (%s): %w", name, execPath, err)
	}

	pid := cmd.Process.Pid
	l.mu.Lock()
	l.children[pid] = cmd
	l.mu.Unlock()

	go func() {
		cmd.Wait() // reaps on exit; Terminate doesn't need to Wait again
		l.mu.Lock()
		delete(l.children, pid)
		l.mu.Unlock()
	}()

	return pid, nil
}

// Terminate sends SIGTERM to a managed external's pid (§4.12). A pid with
// no tracked process (already exited, or from a prior daemon run) is not
// an error — ESRCH is tolerated, matching the teacher's best-effort
// process cleanup in cleanupInstance.
func (l *Launcher) Terminate(pid int) error {
	l.mu.Lock()
	cmd, ok := l.children[pid]
	l.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}
	err := cmd.Process.Signal(syscall.SIGTERM)
	if err == nil || errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return fmt.Errorf("terminate pid %d: %w", pid, err)
}

// reapZombies non-blockingly collects any previous-run children that
// exited without anyone waiting on them (§4.12 "Zombies from previous
// runs are reaped via non-blocking waitpid before each fresh fork").
// Go's runtime already reaps children it started via os/exec once their
// cmd.Wait goroutine runs; this additionally sweeps up any pid the OS
// handed this process that Go's runtime doesn't know about (e.g. a
// managed external whose launching daemon process was itself replaced
// by exec, a scenario the daemon's restart path can produce).
func (l *Launcher) reapZombies() {
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
	}
}
