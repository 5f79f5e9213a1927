package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(max int, window time.Duration) (*IPLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewIPLimiter(max, window)
	l.now = clock.now
	return l, clock
}

func TestAllowUnderLimit(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
}

func TestDenyOverLimit(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		l.Allow("1.2.3.4")
	}
	if l.Allow("1.2.3.4") {
		t.Fatal("4th attempt should be denied")
	}
}

func TestDifferentIPsIndependent(t *testing.T) {
	l, _ := newTestLimiter(2, time.Minute)

	l.Allow("1.1.1.1")
	l.Allow("1.1.1.1")

	if l.Allow("1.1.1.1") {
		t.Fatal("1.1.1.1 should be denied")
	}
	if !l.Allow("2.2.2.2") {
		t.Fatal("2.2.2.2 should be allowed")
	}
}

func TestWindowSlides(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute)

	l.Allow("1.2.3.4")
	l.Allow("1.2.3.4")
	if l.Allow("1.2.3.4") {
		t.Fatal("should be denied before window expires")
	}

	clock.advance(61 * time.Second)
	if !l.Allow("1.2.3.4") {
		t.Fatal("should be allowed after window expires")
	}
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	l := NewIPLimiter(0, time.Minute)
	if l.Enabled() {
		t.Fatal("limiter with max 0 should be disabled")
	}
	for i := 0; i < 100; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatal("disabled limiter denied an attempt")
		}
	}
	if l.Tracked() != 0 {
		t.Errorf("disabled limiter should not track IPs, got %d", l.Tracked())
	}

	var nilLimiter *IPLimiter
	if !nilLimiter.Allow("1.2.3.4") {
		t.Error("nil limiter should allow")
	}
}

func TestPruneDropsIdleIPs(t *testing.T) {
	l, clock := newTestLimiter(5, time.Minute)

	l.Allow("1.1.1.1")
	clock.advance(30 * time.Second)
	l.Allow("2.2.2.2")
	clock.advance(45 * time.Second)

	l.Prune()
	if l.Tracked() != 1 {
		t.Fatalf("expected 1 tracked IP after prune, got %d", l.Tracked())
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/socket", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	if got := ClientIP(r); got != "10.0.0.1" {
		t.Errorf("expected 10.0.0.1, got %q", got)
	}

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := ClientIP(r); got != "203.0.113.7" {
		t.Errorf("expected forwarded IP, got %q", got)
	}

	r.Header.Del("X-Forwarded-For")
	r.RemoteAddr = "pipe"
	if got := ClientIP(r); got != "pipe" {
		t.Errorf("expected raw RemoteAddr fallback, got %q", got)
	}
}
