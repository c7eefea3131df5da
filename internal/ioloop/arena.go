package ioloop

import "sync"

// Handler receives completions routed to it by the Loop. Every runtime
// implements Handler and registers itself in the Arena at setup time.
type Handler interface {
	OnCompletion(Completion)
}

// Token is the Go-native replacement for the C++ source's embedded "owner"
// pointer on every io_request (§9 Design Notes). Instead of a raw pointer,
// every in-flight op is tagged with a (slot, generation) pair; a completion
// whose generation no longer matches the slot's current generation is
// silently dropped. This is how deferred-destruction (§4.3, §4.7) is done
// without a use-after-free: removing a handler bumps its slot's generation,
// so any completion still in flight for the old handler is discarded by
// the arena rather than dispatched to freed state.
type Token struct {
	slot int
	gen  uint64
}

// Arena is a generational slot table of Handlers.
type Arena struct {
	mu    sync.Mutex
	slots []arenaSlot
	free  []int
}

type arenaSlot struct {
	handler Handler
	gen     uint64
	live    bool
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// Register inserts h and returns the Token in-flight ops should be tagged
// with.
func (a *Arena) Register(h Handler) Token {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		slot := a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[slot].gen++
		a.slots[slot].handler = h
		a.slots[slot].live = true
		return Token{slot: slot, gen: a.slots[slot].gen}
	}

	a.slots = append(a.slots, arenaSlot{handler: h, gen: 1, live: true})
	return Token{slot: len(a.slots) - 1, gen: 1}
}

// Release marks tok's slot dead. Any completion already queued for tok will
// fail its generation check in Dispatch and be dropped, satisfying
// deferred-destruction: the handler object itself is freed by the caller
// only after Release, at the next loop iteration (§4.10 "remove" verb).
func (a *Arena) Release(tok Token) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if tok.slot < 0 || tok.slot >= len(a.slots) {
		return
	}
	s := &a.slots[tok.slot]
	if s.gen != tok.gen || !s.live {
		return
	}
	s.live = false
	s.handler = nil
	a.free = append(a.free, tok.slot)
}

// Dispatch routes a completion to its handler if the token's generation is
// still current; returns false if the completion was dropped (stale
// generation or unknown slot).
func (a *Arena) Dispatch(tok Token, c Completion) bool {
	a.mu.Lock()
	if tok.slot < 0 || tok.slot >= len(a.slots) {
		a.mu.Unlock()
		return false
	}
	s := a.slots[tok.slot]
	a.mu.Unlock()
	if !s.live || s.gen != tok.gen {
		return false
	}
	s.handler.OnCompletion(c)
	return true
}
