// socketleyd is the Socketley daemon — a long-running host for a pool of
// networking runtimes (server, client, proxy, cache) multiplexed through a
// single completion-based I/O event loop, driven by a control-plane unix
// socket.
//
// Grounded on the teacher's cmd/aegisd/main.go: detect/create directories,
// wire the concrete dependencies together, restore persisted state,
// publish the control-plane listener, write a PID file, then block on
// shutdown signals and tear everything down in reverse order.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/socketley/daemon/internal/config"
	"github.com/socketley/daemon/internal/control"
	"github.com/socketley/daemon/internal/ioloop"
	"github.com/socketley/daemon/internal/launcher"
	"github.com/socketley/daemon/internal/manager"
	"github.com/socketley/daemon/internal/persistence"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	signal.Ignore(syscall.SIGPIPE)

	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}

	store, err := persistence.New(cfg.StateDir)
	if err != nil {
		log.Fatalf("open persistence store: %v", err)
	}
	log.Printf("state dir: %s", cfg.StateDir)

	loop := ioloop.New(4096)
	go loop.Run()

	lnch := launcher.New()

	mgr := manager.New(store)
	mgr.SetLoop(loop)
	mgr.SetLauncher(lnch)

	if err := mgr.LoadPersisted(); err != nil {
		log.Fatalf("restore persisted runtimes: %v", err)
	}
	log.Printf("restored runtimes: %v", mgr.Names())

	ctrl := control.New(mgr, cfg.SocketPath)
	go func() {
		if err := ctrl.Serve(); err != nil {
			log.Fatalf("control-plane listener: %v", err)
		}
	}()
	waitForSocket(cfg.SocketPath, 2*time.Second)
	log.Printf("control socket: %s", cfg.SocketPath)

	pidPath := cfg.DataDir + "/socketleyd.pid"
	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o600); err != nil {
		log.Printf("write pid file: %v", err)
	}
	defer os.Remove(pidPath)

	log.Printf("socketleyd ready (pid %d)", os.Getpid())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	for sig := <-sigCh; ; sig = <-sigCh {
		if sig == syscall.SIGHUP {
			log.Printf("received SIGHUP: reload_script on every runtime")
			for _, name := range mgr.Names() {
				if err := mgr.ReloadScript(name); err != nil {
					log.Printf("reload %s: %v", name, err)
				}
			}
			continue
		}
		log.Printf("received %v, shutting down", sig)
		break
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mgr.StopAll(shutdownCtx)

	if err := ctrl.Close(); err != nil {
		log.Printf("close control socket: %v", err)
	}

	loop.Stop()

	log.Println("socketleyd stopped")
}

// waitForSocket polls for the control socket's listener to bind, the same
// best-effort wait the control package's own tests use, so the "control
// socket" log line doesn't race the accept loop's os.Chmod.
func waitForSocket(path string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}
