package lim

import (
	"context"
	"net/http/httptest"
	"testing"
)

func newLocal(t *testing.T, c Config) *Limiter {
	t.Helper()
	l, err := New(c, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(l.Stop)
	return l
}

func TestLocalBucket(t *testing.T) {
	l := newLocal(t, Config{RPM: 60, Burst: 3, Conservative: 60})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if !l.Allow(ctx, "1.2.3.4", "create").Allowed {
			t.Fatalf("request %d denied", i)
		}
	}
	if l.Allow(ctx, "1.2.3.4", "create").Allowed {
		t.Error("burst exceeded but allowed")
	}
	if !l.Allow(ctx, "1.2.3.4", "read").Allowed {
		t.Error("separate endpoint shares budget")
	}
	if !l.Allow(ctx, "5.6.7.8", "create").Allowed {
		t.Error("separate client shares budget")
	}
}

func TestDegradedHalvesLimit(t *testing.T) {
	l := newLocal(t, Config{RPM: 60, Burst: 10, Conservative: 40})
	if got := l.scaled(40); got != 40 {
		t.Fatalf("scaled = %d", got)
	}
	l.degrade()
	if got := l.scaled(40); got != 20 {
		t.Errorf("degraded scaled = %d", got)
	}
	if got := l.scaled(1); got != 1 {
		t.Errorf("degraded floor = %d", got)
	}
}

func TestErrorMonitorTrips(t *testing.T) {
	tripped := 0
	m := NewErrorMonitor(5, func() { tripped++ })
	for i := 0; i < 20; i++ {
		m.RecordRequest()
	}
	if m.Advance() {
		t.Fatal("tripped without errors")
	}
	for i := 0; i < 5; i++ {
		m.RecordRequest()
		m.RecordError()
	}
	if !m.Advance() || tripped != 1 {
		t.Errorf("monitor did not trip (calls=%d)", tripped)
	}
}

func TestInvalidProxy(t *testing.T) {
	if _, err := New(Config{RPM: 1, TrustedProxies: []string{"not-an-ip"}}, nil); err == nil {
		t.Error("expected error for invalid proxy")
	}
}

func TestClientIP(t *testing.T) {
	l := newLocal(t, Config{RPM: 60, TrustedProxies: []string{"10.0.0.0/8", "192.168.1.1"}})
	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"direct", "203.0.113.9:1234", "", "203.0.113.9"},
		{"untrusted remote ignores xff", "203.0.113.9:1234", "1.1.1.1", "203.0.113.9"},
		{"trusted proxy", "10.0.0.5:80", "198.51.100.7", "198.51.100.7"},
		{"skips trusted hops", "10.0.0.5:80", "198.51.100.7, 192.168.1.1, 10.1.1.1", "198.51.100.7"},
		{"spoofed left entry", "10.0.0.5:80", "6.6.6.6, 198.51.100.7", "198.51.100.7"},
		{"garbage", "10.0.0.5:80", "nope", "10.0.0.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := l.ClientIP(r); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
