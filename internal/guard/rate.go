package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/troykelly/openclaw-projects-sub012/internal/storage"
)

// DefaultRateWindow is the fixed rate-limit window size.
const DefaultRateWindow = time.Minute

// Rate enforces a per-(recipient, channel) emit budget in fixed windows.
type Rate struct {
	window time.Duration
	limits map[string]int // channel -> max emits per window; 0 or absent = unlimited
}

// NewRate creates the rate guard. window <= 0 uses the default.
func NewRate(window time.Duration, limits map[string]int) *Rate {
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &Rate{window: window, limits: limits}
}

// Reserve counts one emit for (recipient, channel) in the current
// window. allowed=false means the budget is spent; retryIn is how long
// until the window rolls over, for deferring the originating job.
func (r *Rate) Reserve(ctx context.Context, q storage.Querier, recipient, channel string, now time.Time) (allowed bool, retryIn time.Duration, err error) {
	limit := r.limits[channel]
	if limit <= 0 {
		return true, 0, nil
	}

	bucket := now.UTC().Truncate(r.window)
	tag, err := q.Exec(ctx,
		`INSERT INTO rate_counters (recipient, channel, bucket_start, count)
		 VALUES ($1, $2, $3, 1)
		 ON CONFLICT (recipient, channel, bucket_start)
		 DO UPDATE SET count = rate_counters.count + 1
		 WHERE rate_counters.count < $4`,
		recipient, channel, bucket, limit,
	)
	if err != nil {
		return false, 0, fmt.Errorf("guard: reserve rate slot: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, 0, nil
	}
	return false, bucket.Add(r.window).Sub(now), nil
}

// PurgeCounters drops windows older than two window lengths.
func (r *Rate) PurgeCounters(ctx context.Context, q storage.Querier) (int64, error) {
	tag, err := q.Exec(ctx,
		`DELETE FROM rate_counters WHERE bucket_start < now() - make_interval(secs => $1)`,
		(2 * r.window).Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("guard: purge rate counters: %w", err)
	}
	return tag.RowsAffected(), nil
}
