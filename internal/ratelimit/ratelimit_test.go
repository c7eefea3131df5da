package ratelimit

import "testing"

func TestUnlimitedAlwaysAllows(t *testing.T) {
	b := NewBucket(0)
	for i := 0; i < 1000; i++ {
		if !b.Allow() {
			t.Fatalf("unlimited bucket denied at iteration %d", i)
		}
	}
}

func TestLimitedEventuallyDenies(t *testing.T) {
	b := NewBucket(2)
	allowed := 0
	for i := 0; i < 10; i++ {
		if b.Allow() {
			allowed++
		}
	}
	if allowed >= 10 {
		t.Errorf("allowed = %d, want fewer than 10 out of 10 rapid-fire draws at rate 2", allowed)
	}
	if allowed == 0 {
		t.Errorf("allowed = 0, want at least the initial burst to pass")
	}
}
