// Package ratelimit throttles WebSocket connection attempts per client IP.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// IPLimiter tracks attempts per IP within a sliding window. A limiter with
// max <= 0 allows everything.
type IPLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	max     int
	window  time.Duration
	now     func() time.Time
}

// NewIPLimiter creates an IPLimiter allowing max attempts per window.
func NewIPLimiter(max int, window time.Duration) *IPLimiter {
	return &IPLimiter{
		entries: make(map[string][]time.Time),
		max:     max,
		window:  window,
		now:     time.Now,
	}
}

// Enabled reports whether the limiter rejects anything at all.
func (l *IPLimiter) Enabled() bool {
	return l != nil && l.max > 0 && l.window > 0
}

// Allow records an attempt from ip and reports whether it is within the limit.
func (l *IPLimiter) Allow(ip string) bool {
	if !l.Enabled() {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	valid := l.live(l.entries[ip], now)
	if len(valid) >= l.max {
		l.entries[ip] = valid
		return false
	}
	l.entries[ip] = append(valid, now)
	return true
}

// Prune drops IPs with no attempts inside the window.
func (l *IPLimiter) Prune() {
	if !l.Enabled() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for ip, ts := range l.entries {
		if valid := l.live(ts, now); len(valid) == 0 {
			delete(l.entries, ip)
		} else {
			l.entries[ip] = valid
		}
	}
}

// Tracked returns the number of IPs with recorded attempts.
func (l *IPLimiter) Tracked() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// live filters ts down to the timestamps still inside the window. Must be
// called while holding mu.
func (l *IPLimiter) live(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	valid := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}

// ClientIP returns the originating IP of r. The first X-Forwarded-For hop
// wins when present, since the relay usually sits behind a proxy.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
