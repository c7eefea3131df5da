// Package idgen generates the short opaque ids runtimes carry across restarts.
package idgen

import "github.com/google/uuid"

// New returns a 6 hex character id derived from a fresh uuid. The id is
// stable for the lifetime of the runtime (including across daemon restarts,
// since it is persisted alongside the rest of the runtime's config) but
// carries no semantic meaning.
func New() string {
	u := uuid.New()
	b := u[:]
	const hex = "0123456789abcdef"
	out := make([]byte, 6)
	for i := 0; i < 6; i++ {
		out[i] = hex[b[i]&0xf]
	}
	return string(out)
}
