package proxy

import (
	"math/rand"
	"sync/atomic"
)

// selectBackend picks a backend index per the configured strategy (§4.9
// "Backend selection"). method/path are empty for TCP mode, where
// on_route is called with no arguments.
func (r *Runtime) selectBackend(method, path string) int {
	available := make([]int, 0, len(r.backends))
	for i, b := range r.backends {
		if b.available() {
			available = append(available, i)
		}
	}
	if len(available) == 0 {
		// All backends down: still attempt one to avoid a total blackhole.
		for i := range r.backends {
			available = append(available, i)
		}
	}

	if r.cfg.Strategy == "lua" {
		if idx, handled := r.Base.Hooks.FireRoute(method, path); handled && r.indexIsAvailable(idx, available) {
			return idx
		}
		// Falls through to round-robin per §4.9 "If the index is invalid
		// or the hook missing, fall back to round-robin."
	}

	switch r.cfg.Strategy {
	case "random":
		return available[rand.Intn(len(available))]
	default: // round_robin
		n := atomic.AddUint64(&r.rrCounter, 1)
		return available[int(n)%len(available)]
	}
}

func (r *Runtime) indexIsAvailable(idx int, available []int) bool {
	if idx < 0 || idx >= len(r.backends) {
		return false
	}
	for _, a := range available {
		if a == idx {
			return true
		}
	}
	return false
}

// isIdempotentMethod reports whether method is retried by default (§4.9
// "Retries": "by default only idempotent methods ... are retried").
func isIdempotentMethod(method string) bool {
	switch method {
	case "GET", "HEAD", "OPTIONS", "PUT", "DELETE":
		return true
	default:
		return false
	}
}
