package cachestore

import "testing"

func TestSetGetRoundTrip(t *testing.T) {
	s := New(0, EvictionNone, ModeReadwrite)
	if err := s.Set("k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok := s.Get("k")
	if !ok || v != "v" {
		t.Fatalf("Get = (%q, %v), want (v, true)", v, ok)
	}
	if _, ok := s.Get("missing"); ok {
		t.Fatalf("Get(missing) = true, want false")
	}
}

func TestSetOnWrongTypeConflicts(t *testing.T) {
	s := New(0, EvictionNone, ModeReadwrite)
	if _, err := s.LPush("k", "a"); err != nil {
		t.Fatalf("LPush: %v", err)
	}
	if err := s.Set("k", "v"); err != ErrTypeConflict {
		t.Fatalf("Set on list key err = %v, want ErrTypeConflict", err)
	}
}

func TestDelExists(t *testing.T) {
	s := New(0, EvictionNone, ModeReadwrite)
	s.Set("k", "v")
	if !s.Exists("k") {
		t.Fatalf("Exists = false, want true")
	}
	if !s.Del("k") {
		t.Fatalf("Del = false, want true")
	}
	if s.Del("k") {
		t.Fatalf("second Del = true, want false")
	}
	if s.Exists("k") {
		t.Fatalf("Exists after Del = true, want false")
	}
}

func TestListOps(t *testing.T) {
	s := New(0, EvictionNone, ModeReadwrite)
	s.RPush("l", "a", "b", "c")
	s.LPush("l", "z")
	if got := s.LLen("l"); got != 4 {
		t.Fatalf("LLen = %d, want 4", got)
	}
	if v, ok := s.LIndex("l", 0); !ok || v != "z" {
		t.Fatalf("LIndex(0) = (%q, %v)", v, ok)
	}
	if v, ok := s.LIndex("l", -1); !ok || v != "c" {
		t.Fatalf("LIndex(-1) = (%q, %v), want c", v, ok)
	}
	got := s.LRange("l", 0, -1)
	want := []string{"z", "a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("LRange = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("LRange[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	v, ok := s.LPop("l")
	if !ok || v != "z" {
		t.Fatalf("LPop = (%q, %v), want (z, true)", v, ok)
	}
	v, ok = s.RPop("l")
	if !ok || v != "c" {
		t.Fatalf("RPop = (%q, %v), want (c, true)", v, ok)
	}
}

func TestSetOps(t *testing.T) {
	s := New(0, EvictionNone, ModeReadwrite)
	added, err := s.SAdd("s", "a")
	if err != nil || !added {
		t.Fatalf("SAdd = (%v, %v), want (true, nil)", added, err)
	}
	added, _ = s.SAdd("s", "a")
	if added {
		t.Fatalf("SAdd duplicate = true, want false")
	}
	if !s.SIsMember("s", "a") {
		t.Fatalf("SIsMember = false, want true")
	}
	if s.SCard("s") != 1 {
		t.Fatalf("SCard = %d, want 1", s.SCard("s"))
	}
	removed, err := s.SRem("s", "a")
	if err != nil || !removed {
		t.Fatalf("SRem = (%v, %v)", removed, err)
	}
	if s.SIsMember("s", "a") {
		t.Fatalf("SIsMember after SRem = true")
	}
}

func TestHashOps(t *testing.T) {
	s := New(0, EvictionNone, ModeReadwrite)
	created, err := s.HSet("h", "f1", "v1")
	if err != nil || !created {
		t.Fatalf("HSet = (%v, %v)", created, err)
	}
	if v, ok := s.HGet("h", "f1"); !ok || v != "v1" {
		t.Fatalf("HGet = (%q, %v)", v, ok)
	}
	if s.HLen("h") != 1 {
		t.Fatalf("HLen = %d, want 1", s.HLen("h"))
	}
	all := s.HGetAll("h")
	if all["f1"] != "v1" {
		t.Fatalf("HGetAll = %v", all)
	}
	deleted, err := s.HDel("h", "f1")
	if err != nil || !deleted {
		t.Fatalf("HDel = (%v, %v)", deleted, err)
	}
}

func TestExpireTTLPersist(t *testing.T) {
	s := New(0, EvictionNone, ModeReadwrite)
	s.Set("k", "v")
	if got := s.TTL("k"); got != -1 {
		t.Fatalf("TTL of key with no deadline = %d, want -1", got)
	}
	if got := s.TTL("missing"); got != -2 {
		t.Fatalf("TTL of missing key = %d, want -2", got)
	}
	if !s.Expire("k", 60) {
		t.Fatalf("Expire = false, want true")
	}
	ttl := s.TTL("k")
	if ttl <= 0 || ttl > 60 {
		t.Fatalf("TTL after Expire = %d, want (0, 60]", ttl)
	}
	if !s.Persist("k") {
		t.Fatalf("Persist = false, want true")
	}
	if got := s.TTL("k"); got != -1 {
		t.Fatalf("TTL after Persist = %d, want -1", got)
	}
}

func TestReadonlyModeRejectsWrites(t *testing.T) {
	s := New(0, EvictionNone, ModeReadonly)
	if err := s.Set("k", "v"); err != ErrReadonly {
		t.Fatalf("Set in readonly mode err = %v, want ErrReadonly", err)
	}
}

func TestOOMRejectsWriteUnderNoneEviction(t *testing.T) {
	s := New(4, EvictionNone, ModeReadwrite)
	if err := s.Set("averylongkeyname", "averylongvalue"); err != ErrOOM {
		t.Fatalf("Set over budget err = %v, want ErrOOM", err)
	}
}

func TestLRUEvictionFreesSpace(t *testing.T) {
	s := New(8, EvictionAllKeysLRU, ModeReadwrite)
	s.Set("a", "12")
	s.Set("b", "12")
	// Touch "b" so "a" becomes the least-recently-used.
	s.Get("b")
	if err := s.Set("c", "12"); err != nil {
		t.Fatalf("Set c: %v", err)
	}
	if s.Exists("a") {
		t.Fatalf("expected a to be evicted as LRU")
	}
}

type fakeSink struct {
	lines []string
	fail  bool
}

func (f *fakeSink) WriteLine(line string) error {
	if f.fail {
		return errBoom
	}
	f.lines = append(f.lines, line)
	return nil
}

type boomErr string

func (e boomErr) Error() string { return string(e) }

var errBoom = boomErr("boom")

func TestPublishFanOut(t *testing.T) {
	s := New(0, EvictionNone, ModeReadwrite)
	sink1 := &fakeSink{}
	sink2 := &fakeSink{}
	s.Subscribe(1, "ch", sink1)
	s.Subscribe(2, "ch", sink2)
	count := s.Publish("ch", "hello")
	if count != 2 {
		t.Fatalf("Publish count = %d, want 2", count)
	}
	if len(sink1.lines) != 1 || sink1.lines[0] != "message ch hello\n" {
		t.Fatalf("sink1.lines = %v", sink1.lines)
	}
	s.UnsubscribeAll(1)
	count = s.Publish("ch", "again")
	if count != 1 {
		t.Fatalf("Publish count after unsubscribe = %d, want 1", count)
	}
}

func TestReplicationApplyBypassesReadonly(t *testing.T) {
	s := New(0, EvictionNone, ModeReadonly)
	if err := s.ApplyReplicated("set k v"); err != nil {
		t.Fatalf("ApplyReplicated: %v", err)
	}
	if v, ok := s.Get("k"); !ok || v != "v" {
		t.Fatalf("Get after replicated set = (%q, %v)", v, ok)
	}
	// Mode gate remains readonly for ordinary callers after the bypass.
	if err := s.Set("k2", "v2"); err != ErrReadonly {
		t.Fatalf("Set after replicated apply err = %v, want ErrReadonly", err)
	}
}
