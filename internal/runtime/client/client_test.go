package client

import (
	"testing"
	"time"

	"github.com/socketley/daemon/internal/runtimecfg"
)

func TestParseTarget(t *testing.T) {
	cases := []struct {
		target       string
		fallbackPort int
		wantHost     string
		wantPort     int
	}{
		{"", 0, "127.0.0.1", 8000},
		{"", 9000, "127.0.0.1", 9000},
		{"example.com:1234", 0, "example.com", 1234},
		{"example.com", 0, "example.com", 8000},
		{"example.com:notanumber", 7000, "example.com", 7000},
	}
	for _, tc := range cases {
		host, port := parseTarget(tc.target, tc.fallbackPort)
		if host != tc.wantHost || port != tc.wantPort {
			t.Errorf("parseTarget(%q, %d) = (%q, %d), want (%q, %d)",
				tc.target, tc.fallbackPort, host, port, tc.wantHost, tc.wantPort)
		}
	}
}

func TestScheduleReconnectDisabledByNegativeOne(t *testing.T) {
	cfg := runtimecfg.Defaults()
	cfg.Reconnect = -1
	r := New(cfg)
	r.reconnectBaseForTest = time.Millisecond
	if r.scheduleReconnect() {
		t.Fatalf("reconnect=-1 should disable retries")
	}
}

func TestScheduleReconnectCapsAtMax(t *testing.T) {
	cfg := runtimecfg.Defaults()
	cfg.Reconnect = 2
	r := New(cfg)
	r.reconnectBaseForTest = time.Millisecond

	if !r.scheduleReconnect() {
		t.Fatalf("attempt 1/2 should be allowed")
	}
	if !r.scheduleReconnect() {
		t.Fatalf("attempt 2/2 should be allowed")
	}
	if r.scheduleReconnect() {
		t.Fatalf("attempt 3 should exceed max of 2")
	}
}

func TestSendWithoutConnectionFails(t *testing.T) {
	cfg := runtimecfg.Defaults()
	cfg.Name = "c1"
	r := New(cfg)
	if err := r.Send("hi"); err == nil {
		t.Fatalf("expected error sending with no active connection")
	}
}
