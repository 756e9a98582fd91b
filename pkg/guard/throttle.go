package guard

import (
	"sync"
	"time"
)

// Throttle enforces a minimum interval between accepted updates per key.
// The server keys it by "{namespace}::{sessionId}" so chatty sessions
// cannot re-ingest on every message.
//
// It is safe for concurrent use.
type Throttle struct {
	minInterval time.Duration

	mu        sync.Mutex
	lastAt    map[string]time.Time
	lastSweep time.Time

	now func() time.Time // test hook
}

// NewThrottle creates a throttle. A non-positive interval admits
// everything.
func NewThrottle(minInterval time.Duration) *Throttle {
	return &Throttle{
		minInterval: minInterval,
		lastAt:      make(map[string]time.Time),
		now:         time.Now,
	}
}

// Allow admits the key when at least the minimum interval has elapsed
// since its last accepted update, recording the acceptance time.
// Otherwise it returns false and the remaining wait.
func (t *Throttle) Allow(key string) (ok bool, retryAfter time.Duration) {
	if t.minInterval <= 0 {
		return true, 0
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.sweep(now)

	if last, seen := t.lastAt[key]; seen {
		if elapsed := now.Sub(last); elapsed < t.minInterval {
			return false, t.minInterval - elapsed
		}
	}
	t.lastAt[key] = now
	return true, 0
}

// sweep drops entries old enough to be irrelevant. Callers hold t.mu.
func (t *Throttle) sweep(now time.Time) {
	if now.Sub(t.lastSweep) < t.minInterval {
		return
	}
	t.lastSweep = now
	for k, last := range t.lastAt {
		if now.Sub(last) >= t.minInterval {
			delete(t.lastAt, k)
		}
	}
}
