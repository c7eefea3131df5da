// Package manager implements the runtime registry (§4.11): a name-keyed
// map of every live runtime, guarded by a reader-writer lock, with the
// bookkeeping operations the control-plane handler and launcher both
// drive through. Grounded on the teacher's internal/lifecycle.Manager
// (registry map + RWMutex + create/get/stop-all shape), generalized from
// a single VM-instance kind to the four Socketley runtime kinds behind
// one interface.
package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/socketley/daemon/internal/cachestore"
	"github.com/socketley/daemon/internal/idgen"
	"github.com/socketley/daemon/internal/ioloop"
	"github.com/socketley/daemon/internal/persistence"
	"github.com/socketley/daemon/internal/runtime/cacherun"
	"github.com/socketley/daemon/internal/runtime/client"
	"github.com/socketley/daemon/internal/runtime/proxy"
	"github.com/socketley/daemon/internal/runtime/server"
	"github.com/socketley/daemon/internal/runtimebase"
	"github.com/socketley/daemon/internal/runtimecfg"
)

// entry is one registered runtime: its persisted config plus whichever
// kind-specific implementation backs it.
type entry struct {
	cfg  runtimecfg.Config
	base *runtimebase.Runtime

	server *server.Runtime
	client *client.Runtime
	proxy  *proxy.Runtime
	cache  *cacherun.Runtime
}

// Manager owns the registry (§4.11 "Registry is a map<name, runtime> ...
// guarded by a reader-writer lock").
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry
	store   *persistence.Store

	loop     *ioloop.Loop
	launcher runtimebase.ExternalLauncher
}

// New builds a Manager that persists runtime configs through store.
// SetLoop/SetLauncher wire in the completion loop and external-process
// launcher before the first Run; a Manager with neither still works for
// runtime kinds that need no tick and aren't managed externals (the
// common case in tests).
func New(store *persistence.Store) *Manager {
	return &Manager{entries: make(map[string]*entry), store: store}
}

// SetLoop wires the I/O event loop runtimes arm their on_tick hook against
// (§4.3). Must be called before Run/LoadPersisted for tick hooks to fire.
func (m *Manager) SetLoop(loop *ioloop.Loop) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loop = loop
}

// SetLauncher wires the external-process launcher (§4.12) managed-external
// runtimes fork+exec through. Must be called before Run/LoadPersisted for
// such runtimes to start successfully.
func (m *Manager) SetLauncher(l runtimebase.ExternalLauncher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.launcher = l
}

func (m *Manager) runtimeContext() *runtimebase.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &runtimebase.Context{Loop: m.loop, Launcher: m.launcher}
}

// ServerByName implements server.RuntimeLookup (§4.7 "Client routing").
func (m *Manager) ServerByName(name string) (*server.Runtime, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok || e.server == nil {
		return nil, false
	}
	return e.server, true
}

// PortByName implements proxy.PortLookup (§4.9 "a bare name refers to
// another local runtime").
func (m *Manager) PortByName(name string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok || e.cfg.Port == 0 {
		return 0, false
	}
	return e.cfg.Port, true
}

// Create registers a new runtime of the given type (§4.11 "create(type,
// name) (rejects duplicate)").
func (m *Manager) Create(cfg runtimecfg.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[cfg.Name]; exists {
		return fmt.Errorf("runtime already exists: %s", cfg.Name)
	}
	if cfg.ID == "" {
		cfg.ID = idgen.New()
	}
	e, err := m.build(cfg)
	if err != nil {
		return err
	}
	m.entries[cfg.Name] = e
	if m.store != nil {
		return m.store.Save(cfg)
	}
	return nil
}

// Attach registers an already-running external process as a runtime,
// skipping Setup entirely and recording its pid directly in the running
// state (§4.10 "attach ... register an externally-run process as a
// runtime (skips setup, records pid)"). cfg.PID must be set by the
// caller; cfg.ExternalRuntime is forced true regardless of the caller's
// value since an attached runtime is external by definition.
func (m *Manager) Attach(cfg runtimecfg.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[cfg.Name]; exists {
		return fmt.Errorf("runtime already exists: %s", cfg.Name)
	}
	if cfg.ID == "" {
		cfg.ID = idgen.New()
	}
	cfg.ExternalRuntime = true
	cfg.Managed = false
	e, err := m.build(cfg)
	if err != nil {
		return err
	}
	e.base.Config.PID = cfg.PID
	e.base.State = runtimebase.StateRunning
	e.base.StartedAt = time.Now()
	m.entries[cfg.Name] = e
	if m.store != nil {
		patched := cfg
		patched.WasRunning = true
		return m.store.Save(patched)
	}
	return nil
}

func (m *Manager) build(cfg runtimecfg.Config) (*entry, error) {
	e := &entry{cfg: cfg}
	switch cfg.Type {
	case runtimecfg.KindServer:
		var cache *cachestore.Store
		if cfg.CacheName != "" {
			if ce, ok := m.entries[cfg.CacheName]; ok && ce.cache != nil {
				cache = ce.cache.Store
			}
		}
		e.server = server.New(cfg, cache, m)
		e.base = e.server.Base
	case runtimecfg.KindClient:
		e.client = client.New(cfg)
		e.base = e.client.Base
	case runtimecfg.KindProxy:
		e.proxy = proxy.New(cfg, m)
		e.base = e.proxy.Base
	case runtimecfg.KindCache:
		e.cache = cacherun.New(cfg)
		e.base = e.cache.Base
	default:
		return nil, fmt.Errorf("unknown runtime type: %s", cfg.Type)
	}
	return e, nil
}

// Run starts a runtime by name (§4.11 "run(name)").
func (m *Manager) Run(name string) error {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("runtime not found: %s", name)
	}
	if err := e.base.Start(m.runtimeContext()); err != nil {
		return err
	}
	if m.store != nil {
		m.store.SetWasRunning(name, true)
	}
	return nil
}

// Stop stops a runtime by name, then applies the child policy to its
// children (§4.11 "stop(name)", "get_children ... child policy").
func (m *Manager) Stop(name string) error {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("runtime not found: %s", name)
	}
	if err := e.base.Stop(); err != nil {
		return err
	}
	if m.store != nil {
		m.store.SetWasRunning(name, false)
	}
	m.applyChildPolicy(name, e.cfg.ChildPolicy)
	return nil
}

// Remove implements deferred destruction (§4.11 "extract(name) → owning
// handle"; §4.10 "Remove uses deferred destruction"). The runtime is
// stopped (which releases its arena token, per runtimebase.Runtime.Stop)
// before the registry entry is actually dropped; the drop itself runs
// through Loop.Defer when a loop is wired, and Remove waits for it. Loop.Defer
// is not ordered against the completion queue, so the drop is not sequenced
// after completions already queued for this runtime; those are dropped by
// the arena because Stop released the runtime's token.
func (m *Manager) Remove(name string) error {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("runtime not found: %s", name)
	}

	e.base.Stop()

	done := make(chan struct{})
	var policy runtimecfg.ChildPolicy
	m.deferRemoval(func() {
		m.mu.Lock()
		delete(m.entries, name)
		policy = e.cfg.ChildPolicy
		m.mu.Unlock()
		if m.store != nil {
			m.store.Remove(name)
		}
		close(done)
	})
	<-done

	m.applyChildPolicy(name, policy)
	return nil
}

// deferRemoval runs fn through the event loop's deferred-destruction
// mechanism when one is wired, or synchronously otherwise (e.g. tests
// that construct a Manager without SetLoop).
func (m *Manager) deferRemoval(fn func()) {
	m.mu.RLock()
	loop := m.loop
	m.mu.RUnlock()
	if loop != nil {
		loop.Defer(fn)
		return
	}
	fn()
}

// Rename renames a stopped runtime (§4.11 "rename(old, new) (rejected if
// new exists)").
func (m *Manager) Rename(oldName, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[oldName]
	if !ok {
		return fmt.Errorf("runtime not found: %s", oldName)
	}
	if _, exists := m.entries[newName]; exists {
		return fmt.Errorf("runtime already exists: %s", newName)
	}
	if e.base.State == runtimebase.StateRunning {
		return fmt.Errorf("cannot rename %s while running", oldName)
	}
	delete(m.entries, oldName)
	e.cfg.Name = newName
	e.base.Config.Name = newName
	m.entries[newName] = e
	if m.store != nil {
		m.store.Remove(oldName)
		m.store.Save(e.cfg)
	}
	return nil
}

// Update replaces a stopped runtime's config wholesale and rebuilds its
// kind-specific implementation (§4.10 "import"). newCfg.Name must equal
// the runtime's current name; use Rename first if the name is changing.
func (m *Manager) Update(name string, newCfg runtimecfg.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return fmt.Errorf("runtime not found: %s", name)
	}
	if newCfg.Name != name {
		return fmt.Errorf("update: config name %q does not match runtime %q", newCfg.Name, name)
	}
	if e.base.State == runtimebase.StateRunning {
		return fmt.Errorf("cannot import onto %s while running", name)
	}

	rebuilt, err := m.build(newCfg)
	if err != nil {
		return err
	}
	m.entries[name] = rebuilt
	if m.store != nil {
		return m.store.Save(newCfg)
	}
	return nil
}

// PatchLiveConfig applies the ambient tunables that every kind reads
// directly off its shared runtimebase.Runtime.Config (rate limits, idle
// timeout, max connections, drain, log/write paths) to a runtime that is
// currently running, without rebuilding its kind-specific implementation
// (§4.10 "edit ... a running ... runtime's tunables"). Kind-specific
// fields (mode, backends, strategy, ...) are snapshotted into the kind's
// Runtime struct at build time and only take effect after the runtime is
// next stopped and started — PatchLiveConfig persists them for that restart
// but cannot apply them live.
func (m *Manager) PatchLiveConfig(name string, patched runtimecfg.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return fmt.Errorf("runtime not found: %s", name)
	}
	e.cfg = patched
	e.base.Config.RateLimit = patched.RateLimit
	e.base.Config.GlobalRateLimit = patched.GlobalRateLimit
	e.base.SetGlobalRateLimit(patched.GlobalRateLimit)
	e.base.Config.IdleTimeout = patched.IdleTimeout
	e.base.Config.MaxConnections = patched.MaxConnections
	e.base.Config.Drain = patched.Drain
	e.base.Config.LogFile = patched.LogFile
	e.base.Config.WriteFile = patched.WriteFile
	if m.store != nil {
		return m.store.Save(patched)
	}
	return nil
}

// StopAll stops every registered runtime (§4.11 "stop_all"), used for
// graceful daemon shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.entries))
	for n := range m.entries {
		names = append(names, n)
	}
	m.mu.RUnlock()

	sort.Strings(names)
	for _, n := range names {
		m.Stop(n)
	}
}

// applyChildPolicy implements §4.11's stop/remove child cascade: "stop" →
// recursively stop children, "remove" → recursively remove them.
func (m *Manager) applyChildPolicy(parent string, policy runtimecfg.ChildPolicy) {
	children := m.GetChildren(parent)
	for _, c := range children {
		switch policy {
		case runtimecfg.ChildRemove:
			m.Remove(c)
		default:
			m.Stop(c)
		}
	}
}

// GetChildren returns every runtime whose owner field matches parent
// (§4.11 "get_children(parent)").
func (m *Manager) GetChildren(parent string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, e := range m.entries {
		if e.cfg.Owner == parent {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// GetByGroup returns running runtimes tagged with the given group
// (§4.11 "get_by_group(tag)").
func (m *Manager) GetByGroup(tag string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, e := range m.entries {
		if e.cfg.Group == tag && e.base.State == runtimebase.StateRunning {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// DispatchPublish forwards a cache publish event to every runtime that
// declared an interest hook (§4.11 "dispatch_publish").
func (m *Manager) DispatchPublish(cacheName, channel, msg string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.cfg.CacheName != cacheName {
			continue
		}
		e.base.Hooks.FireMessage(fmt.Sprintf("%s %s", channel, msg))
	}
}

// Resolve implements the glob-or-exact name resolution every control verb
// uses (§4.10 "Name resolution"): if the token contains any of *?[,
// treat it as a glob; otherwise require exact match.
func (m *Manager) Resolve(token string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !strings.ContainsAny(token, "*?[") {
		if _, ok := m.entries[token]; !ok {
			return nil, fmt.Errorf("runtime not found: %s", token)
		}
		return []string{token}, nil
	}

	var matches []string
	for name := range m.entries {
		ok, err := filepath.Match(token, name)
		if err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", token, err)
		}
		if ok {
			matches = append(matches, name)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("runtime not found: %s", token)
	}
	sort.Strings(matches)
	return matches, nil
}

// Config returns the live config for a runtime, used by show/dump/edit.
func (m *Manager) Config(name string) (runtimecfg.Config, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return runtimecfg.Config{}, false
	}
	return e.cfg, true
}

// Stats returns the runtime's counter snapshot.
func (m *Manager) Stats(name string) (runtimebase.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return runtimebase.Snapshot{}, false
	}
	return e.base.Stats.Snapshot(), true
}

// State returns the lifecycle state string for a runtime.
func (m *Manager) State(name string) (runtimebase.State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return "", false
	}
	return e.base.State, true
}

// Names returns every registered runtime name, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.entries))
	for n := range m.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LoadPersisted restores every saved runtime config at startup, starting
// those marked was_running (§6 "Persistence").
func (m *Manager) LoadPersisted() error {
	if m.store == nil {
		return nil
	}
	cfgs, err := m.store.LoadAll()
	if err != nil {
		return err
	}
	for _, cfg := range cfgs {
		m.mu.Lock()
		e, err := m.build(cfg)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("rebuild runtime %s: %w", cfg.Name, err)
		}
		m.entries[cfg.Name] = e
		m.mu.Unlock()
		if cfg.WasRunning {
			if err := m.Run(cfg.Name); err != nil {
				return fmt.Errorf("restart runtime %s: %w", cfg.Name, err)
			}
		}
	}
	return nil
}

// ReloadScript re-arms the tick timer on a runtime without a full restart
// (§4.10 "reload-lua").
func (m *Manager) ReloadScript(name string) error {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("runtime not found: %s", name)
	}
	return e.base.ReloadScript()
}

// Send pushes a message into a running runtime as if received (§4.10
// "send <name> <message>").
func (m *Manager) Send(name, msg string) error {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("runtime not found: %s", name)
	}
	switch {
	case e.server != nil:
		e.server.InjectMessage(msg)
	case e.client != nil:
		return e.client.Send(msg)
	case e.cache != nil:
		return fmt.Errorf("cache runtime %s: use the 'action' verb for cache commands", name)
	default:
		return fmt.Errorf("runtime %s cannot receive injected messages", name)
	}
	return nil
}

// Owner reports a runtime's owner, child policy, and current children
// (§4.10 "owner <name>").
func (m *Manager) Owner(name string) (owner string, policy runtimecfg.ChildPolicy, children []string, err error) {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return "", "", nil, fmt.Errorf("runtime not found: %s", name)
	}
	return e.cfg.Owner, e.cfg.ChildPolicy, m.GetChildren(name), nil
}
