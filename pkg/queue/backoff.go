package queue

import (
	"math/rand/v2"
	"time"
)

// Backoff returns the retry delay before the given attempt (1-based):
// base doubled per prior attempt, capped at max, plus a small jitter so
// tasks that failed together do not retry together.
//
// The exponent saturates at 20 to keep the shift well inside int64 even
// for absurd attempt counts.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := attempt - 1
	if exp > 20 {
		exp = 20
	}
	raw := base << uint(exp)
	if raw > max || raw <= 0 {
		raw = max
	}
	return raw + jitter(raw)
}

// jitter draws from [10ms, min(250ms, raw/10)), collapsing to the lower
// bound when raw is too small for a meaningful spread.
func jitter(raw time.Duration) time.Duration {
	lo := 10 * time.Millisecond
	hi := raw / 10
	if hi > 250*time.Millisecond {
		hi = 250 * time.Millisecond
	}
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)))
}
