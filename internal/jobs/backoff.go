package jobs

import (
	"math/rand/v2"
	"time"
)

// Retry policy defaults (overridable via config).
const (
	DefaultRetryBase   = 60 * time.Second
	DefaultRetryCap    = 3600 * time.Second
	DefaultMaxAttempts = 10
)

// Backoff returns the delay before retry number attempts (0-based):
// base * 2^attempts + jitter, capped. Jitter is uniform in [0, base) so
// a burst of failures from one outage doesn't retry in lockstep.
func Backoff(base, cap time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = DefaultRetryBase
	}
	if cap <= 0 {
		cap = DefaultRetryCap
	}
	d := base
	for range attempts {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	jitter := time.Duration(rand.Int64N(int64(base))) //nolint:gosec // jitter doesn't need crypto-strength randomness
	return d + jitter
}
