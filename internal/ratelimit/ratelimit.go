package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Limiter tracks request counts per key within a sliding window. Keys are
// client IPs for upgrades and user ids for message sends.
type Limiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	max     int
	window  time.Duration
	now     func() time.Time
}

// New creates a Limiter allowing max requests per window. A max of zero
// disables limiting.
func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		entries: make(map[string][]time.Time),
		max:     max,
		window:  window,
		now:     time.Now,
	}
}

// Allow returns true if key has not exceeded the rate limit.
// If allowed, the request is recorded.
func (l *Limiter) Allow(key string) bool {
	if l == nil || l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	timestamps := l.entries[key]
	// Remove expired entries
	valid := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= l.max {
		l.entries[key] = valid
		return false
	}

	l.entries[key] = append(valid, now)
	return true
}

// Forget drops the history for key.
func (l *Limiter) Forget(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// ClientIP returns the first X-Forwarded-For hop, or the remote address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
