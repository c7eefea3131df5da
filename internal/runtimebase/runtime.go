// Package runtimebase implements the lifecycle state machine and shared
// cross-cutting concerns every runtime kind inherits (§4.3): the
// created/running/stopped/failed state machine, hook dispatch, per-
// connection and global rate limiting, idle sweep, max-connections
// bookkeeping, stats counters, and the interactive-control-socket list.
//
// Grounded on the teacher's lifecycle.Manager/Instance shape (a mutex-
// guarded struct with an explicit state string and an OnStateChange-style
// callback) generalized from one VM-instance state machine to the four
// Socketley runtime kinds, and re-architected per §9 Design Notes: instead
// of a runtime holding a back-pointer into the manager and event loop, a
// Context carrying both is threaded through Start/Stop/Setup/Teardown.
package runtimebase

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/socketley/daemon/internal/ioloop"
	"github.com/socketley/daemon/internal/ratelimit"
	"github.com/socketley/daemon/internal/runlog"
	"github.com/socketley/daemon/internal/runtimecfg"
)

// State is the lifecycle state (§3).
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateFailed  State = "failed"
)

// Lifecycle is implemented by each concrete runtime kind (server, client,
// proxy, cache). Setup/Teardown receive a Context rather than holding a
// back-pointer to the loop or manager (§9).
type Lifecycle interface {
	Setup(ctx *Context) error
	Teardown(ctx *Context) error
}

// IdleSweeper is optionally implemented by a Lifecycle to participate in
// the 30s idle-connection sweep (§4.3). Kinds with no per-connection idle
// concept (e.g. a bare cache with no TCP listener) simply don't implement it.
type IdleSweeper interface {
	SweepIdle(cutoff time.Time)
}

// ExternalLauncher is the seam to internal/launcher, injected via Context
// so runtimebase never imports it directly (avoids a dependency cycle
// since launcher needs no knowledge of runtimebase at all, but keeps the
// wiring explicit per §9's "thread references through a context" approach).
type ExternalLauncher interface {
	Launch(name, execPath string) (pid int, err error)
	Terminate(pid int) error
}

// Context carries the loop and optional launcher a runtime needs during
// Setup/Teardown, without the runtime holding a permanent back-reference.
type Context struct {
	Loop     *ioloop.Loop
	Launcher ExternalLauncher
}

// Runtime is the shared base every kind embeds.
type Runtime struct {
	mu sync.Mutex

	Config runtimecfg.Config
	State  State

	CreatedAt time.Time
	StartedAt time.Time

	Hooks Hooks
	Stats Stats

	lifecycle Lifecycle
	ctx       *Context

	globalBucket *ratelimit.Bucket

	logMu  sync.Mutex
	logger *runlog.Writer
	writer *runlog.Writer

	tickTimer     *time.Timer
	tickInterval  time.Duration
	loopToken     ioloop.Token
	hasLoopToken  bool
	idleStop      chan struct{}

	interactiveMu    sync.Mutex
	interactiveConns []net.Conn

	// idleSweepIntervalForTest overrides the 30s idle-sweep cadence in
	// tests. Zero means use the real 30s cadence.
	idleSweepIntervalForTest time.Duration
}

// New creates a Runtime in the created state. cfg.ChildPolicy defaults to
// "stop" if unset, per runtimecfg.Defaults().
func New(cfg runtimecfg.Config, lifecycle Lifecycle) *Runtime {
	if cfg.ChildPolicy == "" {
		cfg.ChildPolicy = runtimecfg.ChildStop
	}
	return &Runtime{
		Config:       cfg,
		State:        StateCreated,
		CreatedAt:    time.Now(),
		lifecycle:    lifecycle,
		globalBucket: ratelimit.NewBucket(cfg.GlobalRateLimit),
	}
}

// NewConnBucket creates a fresh per-connection token bucket using this
// runtime's configured rate_limit (§4.3).
func (r *Runtime) NewConnBucket() *ratelimit.Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ratelimit.NewBucket(r.Config.RateLimit)
}

// GlobalAllow consumes one token from the runtime-wide bucket.
func (r *Runtime) GlobalAllow() bool {
	return r.globalBucket.Allow()
}

// SetGlobalRateLimit re-tunes the runtime-wide bucket in place, letting
// `edit`'s rate-limit changes take effect on a running runtime (§4.10)
// without rebuilding it.
func (r *Runtime) SetGlobalRateLimit(messagesPerSecond float64) {
	r.globalBucket.SetLimit(messagesPerSecond)
}

func (r *Runtime) Name() string { return r.Config.Name }

func (r *Runtime) currentState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.State
}

// Start transitions created|stopped -> running, per §4.3.
func (r *Runtime) Start(ctx *Context) error {
	r.mu.Lock()
	if r.State != StateCreated && r.State != StateStopped {
		state := r.State
		r.mu.Unlock()
		return fmt.Errorf("cannot start runtime %q from state %q", r.Config.Name, state)
	}
	r.ctx = ctx
	r.mu.Unlock()

	if r.Config.ExternalRuntime && r.Config.Managed {
		if ctx.Launcher == nil {
			return fmt.Errorf("runtime %q is managed-external but no launcher is wired", r.Config.Name)
		}
		pid, err := ctx.Launcher.Launch(r.Config.Name, r.Config.ExecPath)
		if err != nil {
			r.mu.Lock()
			r.State = StateFailed
			r.mu.Unlock()
			return fmt.Errorf("launch managed external %q: %w", r.Config.Name, err)
		}
		r.mu.Lock()
		r.Config.PID = pid
		r.State = StateRunning
		r.StartedAt = time.Now()
		r.mu.Unlock()
		return nil
	}

	if err := r.lifecycle.Setup(ctx); err != nil {
		r.mu.Lock()
		r.State = StateFailed
		r.mu.Unlock()
		return fmt.Errorf("setup runtime %q: %w", r.Config.Name, err)
	}

	r.openLogFiles()

	r.mu.Lock()
	r.State = StateRunning
	r.StartedAt = time.Now()
	r.mu.Unlock()

	r.Hooks.FireStart()
	r.armTick(ctx)
	r.armIdleSweep()
	return nil
}

// Stop transitions running -> stopped, per §4.3.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	if r.State != StateRunning {
		state := r.State
		r.mu.Unlock()
		return fmt.Errorf("cannot stop runtime %q from state %q", r.Config.Name, state)
	}
	ctx := r.ctx
	r.mu.Unlock()

	if r.Config.ExternalRuntime && r.Config.Managed {
		if ctx != nil && ctx.Launcher != nil {
			_ = ctx.Launcher.Terminate(r.Config.PID) // ESRCH/missing pid tolerated by the launcher
		}
		r.releaseLoopToken()
		r.mu.Lock()
		r.State = StateStopped
		r.mu.Unlock()
		return nil
	}

	r.disarmTick()
	r.disarmIdleSweep()
	r.Hooks.FireStop()

	if err := r.lifecycle.Teardown(ctx); err != nil {
		return fmt.Errorf("teardown runtime %q: %w", r.Config.Name, err)
	}

	r.notifyInteractiveEnd()
	r.closeLogFiles()

	// Releasing the arena token is the last teardown step, per the arena's
	// own contract: any tick completion still queued for this runtime's
	// token is dropped by Dispatch rather than delivered to a runtime
	// that's about to be freed by the manager (§4.3, §4.7).
	r.releaseLoopToken()

	r.mu.Lock()
	r.State = StateStopped
	r.mu.Unlock()
	return nil
}

// openLogFiles opens the optional log_file/write_file sinks (§3, §6) if
// this runtime's config names them. Failures are non-fatal: a runtime
// that can't open its log file still serves traffic, it just doesn't log.
func (r *Runtime) openLogFiles() {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	if r.Config.LogFile != "" {
		if w, err := runlog.Open(r.Config.LogFile, r.Config.BashTimestamp, r.Config.BashPrefix); err == nil {
			r.logger = w
		}
	}
	if r.Config.WriteFile != "" {
		if w, err := runlog.Open(r.Config.WriteFile, r.Config.BashTimestamp, r.Config.BashPrefix); err == nil {
			r.writer = w
		}
	}
}

func (r *Runtime) closeLogFiles() {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	if r.logger != nil {
		r.logger.Close()
		r.logger = nil
	}
	if r.writer != nil {
		r.writer.Close()
		r.writer = nil
	}
}

// LogMessage appends a received/broadcast line to log_file, if configured
// (§3 "log_file records traffic").
func (r *Runtime) LogMessage(line string) {
	r.logMu.Lock()
	w := r.logger
	r.logMu.Unlock()
	if w != nil {
		w.Append(line)
	}
}

// LogOutbound appends a line this runtime sent to write_file, if configured
// (§3 "write_file records what this runtime sends out").
func (r *Runtime) LogOutbound(line string) {
	r.logMu.Lock()
	w := r.writer
	r.logMu.Unlock()
	if w != nil {
		w.Append(line)
	}
}

// ReloadScript (re)arms the tick timer based on whether a tick hook is
// present (§4.3). It does not re-read a script or change the hook table:
// the scripting engine itself is out of scope (§1), so re-evaluating the
// tick arming is all it does.
func (r *Runtime) ReloadScript() error {
	if r.currentState() != StateRunning {
		return fmt.Errorf("reload_script: runtime %q is not running", r.Config.Name)
	}
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	r.disarmTick()
	r.armTick(ctx)
	return nil
}

// armTick arms the next on_tick firing through the event loop's arena
// rather than a bare time.AfterFunc: the runtime registers itself as an
// ioloop.Handler once (reusing the same Token across re-arms) and each
// tick is a OpTimeout completion submitted via Loop.SubmitTimeout. This
// is the same "submit a timeout, dispatch by token" mechanism the loop
// uses for accept/read completions, so a runtime torn down mid-flight
// can't have a stale tick delivered into it (see releaseLoopToken).
func (r *Runtime) armTick(ctx *Context) {
	if !r.Hooks.HasTick() || ctx == nil || ctx.Loop == nil {
		return
	}
	const cadence = 100 * time.Millisecond
	const floor = 10 * time.Millisecond
	interval := cadence
	if interval < floor {
		interval = floor
	}

	r.mu.Lock()
	r.tickInterval = interval
	if !r.hasLoopToken {
		r.loopToken = ctx.Loop.Arena.Register(r)
		r.hasLoopToken = true
	}
	tok := r.loopToken
	r.mu.Unlock()

	r.mu.Lock()
	r.tickTimer = ctx.Loop.SubmitTimeout(tok, interval)
	r.mu.Unlock()
}

// OnCompletion implements ioloop.Handler. The arena drops completions
// whose token generation no longer matches a released slot, so a tick
// for a runtime that has already been torn down is simply never
// delivered here.
func (r *Runtime) OnCompletion(c ioloop.Completion) {
	if c.Op != ioloop.OpTimeout {
		return
	}
	if r.currentState() != StateRunning {
		return
	}
	r.mu.Lock()
	interval := r.tickInterval
	ctx := r.ctx
	r.mu.Unlock()
	r.Hooks.FireTick(interval.Milliseconds())
	r.armTick(ctx)
}

func (r *Runtime) disarmTick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tickTimer != nil {
		r.tickTimer.Stop()
		r.tickTimer = nil
	}
}

// releaseLoopToken frees the runtime's arena slot so any tick
// completion still in flight is dropped by Dispatch instead of
// delivered to a runtime about to be discarded by the manager.
func (r *Runtime) releaseLoopToken() {
	r.mu.Lock()
	ctx := r.ctx
	hasToken := r.hasLoopToken
	tok := r.loopToken
	r.hasLoopToken = false
	r.mu.Unlock()
	if hasToken && ctx != nil && ctx.Loop != nil {
		ctx.Loop.Arena.Release(tok)
	}
}

func (r *Runtime) armIdleSweep() {
	if r.Config.IdleTimeout <= 0 {
		return
	}
	sweeper, ok := r.lifecycle.(IdleSweeper)
	if !ok {
		return
	}
	r.mu.Lock()
	r.idleStop = make(chan struct{})
	stop := r.idleStop
	r.mu.Unlock()

	interval := 30 * time.Second
	if r.idleSweepIntervalForTest > 0 {
		interval = r.idleSweepIntervalForTest
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cutoff := time.Now().Add(-time.Duration(r.Config.IdleTimeout) * time.Second)
				sweeper.SweepIdle(cutoff)
			case <-stop:
				return
			}
		}
	}()
}

func (r *Runtime) disarmIdleSweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.idleStop != nil {
		close(r.idleStop)
		r.idleStop = nil
	}
}

// AttachInteractive registers conn as an interactive control-socket
// observer of this runtime (§4.10, §5).
func (r *Runtime) AttachInteractive(conn net.Conn) {
	r.interactiveMu.Lock()
	defer r.interactiveMu.Unlock()
	r.interactiveConns = append(r.interactiveConns, conn)
}

// DetachInteractive removes conn from the observer list.
func (r *Runtime) DetachInteractive(conn net.Conn) {
	r.interactiveMu.Lock()
	defer r.interactiveMu.Unlock()
	for i, c := range r.interactiveConns {
		if c == conn {
			r.interactiveConns = append(r.interactiveConns[:i], r.interactiveConns[i+1:]...)
			return
		}
	}
}

// BroadcastInteractive writes line to every attached interactive socket.
// Nothing in the daemon calls it or AttachInteractive, so no traffic is
// echoed to an interactive session.
func (r *Runtime) BroadcastInteractive(line string) {
	r.interactiveMu.Lock()
	conns := append([]net.Conn(nil), r.interactiveConns...)
	r.interactiveMu.Unlock()
	for _, c := range conns {
		_, _ = c.Write([]byte(line))
	}
}

// notifyInteractiveEnd writes a single NUL byte to every attached
// interactive control socket to signal end-of-session (§4.3 stop, §4.10)
// and clears the list.
func (r *Runtime) notifyInteractiveEnd() {
	r.interactiveMu.Lock()
	conns := r.interactiveConns
	r.interactiveConns = nil
	r.interactiveMu.Unlock()
	for _, c := range conns {
		_, _ = c.Write([]byte{0})
	}
}
