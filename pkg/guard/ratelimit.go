package guard

import (
	"math"
	"sync"
	"time"
)

// RateLimiter is a fixed-window request counter. Buckets are arbitrary
// strings; the server keys them by "{keyId}:{route}" so each API key
// gets an independent allowance per route.
//
// It is safe for concurrent use.
type RateLimiter struct {
	window time.Duration

	mu        sync.Mutex
	buckets   map[string]*rateWindow
	lastSweep time.Time

	now func() time.Time // test hook
}

type rateWindow struct {
	start time.Time
	count int
}

// NewRateLimiter creates a limiter with the given window size. Windows
// shorter than a millisecond are rounded up to one second.
func NewRateLimiter(window time.Duration) *RateLimiter {
	if window < time.Millisecond {
		window = time.Second
	}
	return &RateLimiter{
		window:  window,
		buckets: make(map[string]*rateWindow),
		now:     time.Now,
	}
}

// Allow counts one request against the bucket. It admits the request
// while the bucket's window has seen fewer than limit requests;
// otherwise it returns false and the whole seconds remaining until the
// window resets (minimum 1), suitable for a Retry-After header.
//
// A non-positive limit disables limiting for the bucket.
func (l *RateLimiter) Allow(bucket string, limit int) (ok bool, retryAfterSeconds int) {
	if limit <= 0 {
		return true, 0
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)

	w := l.buckets[bucket]
	if w == nil || now.Sub(w.start) >= l.window {
		l.buckets[bucket] = &rateWindow{start: now, count: 1}
		return true, 0
	}
	if w.count < limit {
		w.count++
		return true, 0
	}
	windowEnd := w.start.Add(l.window)
	secs := int(math.Ceil(windowEnd.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return false, secs
}

// sweep drops expired windows at most once per window so the bucket map
// stays proportional to active keys. Callers hold l.mu.
func (l *RateLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for k, w := range l.buckets {
		if now.Sub(w.start) >= l.window {
			delete(l.buckets, k)
		}
	}
}
