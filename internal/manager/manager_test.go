package manager

import (
	"testing"

	"github.com/socketley/daemon/internal/persistence"
	"github.com/socketley/daemon/internal/runtimebase"
	"github.com/socketley/daemon/internal/runtimecfg"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := persistence.New(t.TempDir())
	if err != nil {
		t.Fatalf("persistence.New: %v", err)
	}
	return New(store)
}

func clientConfig(name string) runtimecfg.Config {
	cfg := runtimecfg.Defaults()
	cfg.Type = runtimecfg.KindClient
	cfg.Name = name
	cfg.Target = "127.0.0.1:9"
	cfg.Mode = "out"
	return cfg
}

func TestCreateRejectsDuplicate(t *testing.T) {
	m := newTestManager(t)
	if err := m.Create(clientConfig("a")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Create(clientConfig("a")); err == nil {
		t.Fatalf("expected duplicate create to fail")
	}
}

func TestRenameRejectsExistingTarget(t *testing.T) {
	m := newTestManager(t)
	m.Create(clientConfig("a"))
	m.Create(clientConfig("b"))
	if err := m.Rename("a", "b"); err == nil {
		t.Fatalf("expected rename onto existing name to fail")
	}
}

func TestRenameSucceedsWhenStopped(t *testing.T) {
	m := newTestManager(t)
	m.Create(clientConfig("old"))
	if err := m.Rename("old", "new"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, ok := m.Config("new"); !ok {
		t.Fatalf("expected runtime to be registered under new name")
	}
	if _, ok := m.Config("old"); ok {
		t.Fatalf("old name should no longer resolve")
	}
}

func TestGetChildrenByOwner(t *testing.T) {
	m := newTestManager(t)
	parent := clientConfig("parent")
	m.Create(parent)

	child := clientConfig("child")
	child.Owner = "parent"
	m.Create(child)

	other := clientConfig("other")
	m.Create(other)

	children := m.GetChildren("parent")
	if len(children) != 1 || children[0] != "child" {
		t.Fatalf("expected [child], got %v", children)
	}
}

func TestResolveExactAndGlob(t *testing.T) {
	m := newTestManager(t)
	m.Create(clientConfig("web-1"))
	m.Create(clientConfig("web-2"))
	m.Create(clientConfig("db-1"))

	names, err := m.Resolve("web-1")
	if err != nil || len(names) != 1 || names[0] != "web-1" {
		t.Fatalf("exact resolve failed: %v %v", names, err)
	}

	names, err = m.Resolve("web-*")
	if err != nil {
		t.Fatalf("glob resolve: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 matches, got %v", names)
	}
}

func TestResolveNotFound(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Resolve("missing"); err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestRemoveAppliesChildRemovePolicy(t *testing.T) {
	m := newTestManager(t)
	parent := clientConfig("parent")
	parent.ChildPolicy = runtimecfg.ChildRemove
	m.Create(parent)

	child := clientConfig("child")
	child.Owner = "parent"
	m.Create(child)

	if err := m.Remove("parent"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := m.Config("child"); ok {
		t.Fatalf("expected child to be removed by child policy")
	}
}

func TestPortByNameResolvesRegisteredPort(t *testing.T) {
	m := newTestManager(t)
	cfg := clientConfig("sibling")
	cfg.Port = 8080
	m.Create(cfg)

	port, ok := m.PortByName("sibling")
	if !ok || port != 8080 {
		t.Fatalf("expected port 8080, got %d ok=%v", port, ok)
	}
}

func TestAttachSkipsSetupAndRecordsRunningState(t *testing.T) {
	m := newTestManager(t)
	cfg := clientConfig("external-one")
	cfg.PID = 4242

	if err := m.Attach(cfg); err != nil {
		t.Fatalf("attach: %v", err)
	}
	state, ok := m.State("external-one")
	if !ok || state != runtimebase.StateRunning {
		t.Fatalf("expected attached runtime to be running, got %v ok=%v", state, ok)
	}
	got, ok := m.Config("external-one")
	if !ok || got.PID != 4242 || !got.ExternalRuntime {
		t.Fatalf("expected recorded pid and external_runtime flag, got %+v ok=%v", got, ok)
	}
}

func TestAttachRejectsDuplicate(t *testing.T) {
	m := newTestManager(t)
	m.Create(clientConfig("dup"))
	cfg := clientConfig("dup")
	cfg.PID = 1
	if err := m.Attach(cfg); err == nil {
		t.Fatalf("expected attach onto existing name to fail")
	}
}
