package ioloop

import (
	"sync/atomic"
	"testing"
	"time"
)

type recordingHandler struct {
	ch chan Completion
}

func (h *recordingHandler) OnCompletion(c Completion) {
	h.ch <- c
}

func TestSubmitDispatchesCompletion(t *testing.T) {
	l := New(16)
	go l.Run()
	defer l.Stop()

	h := &recordingHandler{ch: make(chan Completion, 1)}
	tok := l.Arena.Register(h)

	l.Submit(tok, OpRead, func() (int, error) { return 42, nil })

	select {
	case c := <-h.ch:
		if c.N != 42 {
			t.Errorf("N = %d, want 42", c.N)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestReleaseDropsStaleCompletion(t *testing.T) {
	l := New(16)
	go l.Run()
	defer l.Stop()

	h := &recordingHandler{ch: make(chan Completion, 1)}
	tok := l.Arena.Register(h)
	l.Arena.Release(tok)

	ok := l.Arena.Dispatch(tok, Completion{Tok: tok})
	if ok {
		t.Error("Dispatch succeeded against a released token, want dropped")
	}
	select {
	case <-h.ch:
		t.Error("handler received a completion after release")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMultiShotStopsOnRelease(t *testing.T) {
	l := New(16)
	go l.Run()
	defer l.Stop()

	h := &recordingHandler{ch: make(chan Completion, 16)}
	tok := l.Arena.Register(h)

	var calls atomic.Int32
	l.SubmitMultiShot(tok, OpAccept, func() (int, error, bool) {
		n := calls.Add(1)
		time.Sleep(time.Millisecond)
		return int(n), nil, true
	})

	select {
	case <-h.ch:
	case <-time.After(time.Second):
		t.Fatal("multi-shot op produced no completions")
	}

	l.Arena.Release(tok)
	time.Sleep(50 * time.Millisecond)
	before := calls.Load()
	time.Sleep(50 * time.Millisecond)
	if after := calls.Load(); after != before {
		t.Fatalf("multi-shot op kept running after release: %d calls, then %d", before, after)
	}
}

func TestBufferRingFallback(t *testing.T) {
	r := NewBufferRing()
	buf := r.Get(99) // never set up
	if len(buf) == 0 {
		t.Error("fallback buffer is empty")
	}
}

func TestBufferRingSetupAndReuse(t *testing.T) {
	r := NewBufferRing()
	if !r.Setup(1, 4, 1024) {
		t.Fatal("Setup failed")
	}
	buf := r.Get(1)
	if len(buf) != 1024 {
		t.Errorf("len(buf) = %d, want 1024", len(buf))
	}
	r.Put(1, buf)
	buf2 := r.Get(1)
	if len(buf2) != 1024 {
		t.Errorf("len(buf2) = %d, want 1024", len(buf2))
	}
}
