package idgen

import "testing"

func TestNewLength(t *testing.T) {
	id := New()
	if len(id) != 6 {
		t.Errorf("len(id) = %d, want 6 (id=%q)", len(id), id)
	}
	for _, c := range id {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			t.Errorf("id %q contains non-hex character %q", id, c)
		}
	}
}

func TestNewUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if seen[id] {
			// Extremely unlikely with 100 samples over a 24-bit space, but
			// not impossible; a repeat is tolerated, and the test fails only
			// if fewer than half the draws are distinct, which would
			// indicate a broken generator.
			continue
		}
		seen[id] = true
	}
	if len(seen) < 50 {
		t.Errorf("got only %d distinct ids out of 100 draws, generator looks degenerate", len(seen))
	}
}
