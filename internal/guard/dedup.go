// Package guard implements the emission gates in front of the webhook
// outbox: per-key notification dedup, per-recipient fixed-window rate
// limits, and quiet-hour suppression.
package guard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/troykelly/openclaw-projects-sub012/internal/storage"
)

// DefaultDedupWindow is how long a dedup key suppresses duplicates.
const DefaultDedupWindow = 10 * time.Minute

// DedupKey derives the deterministic dedup key for a notification.
func DedupKey(kind, recipient, grouping string) string {
	sum := sha256.Sum256([]byte(kind + "|" + recipient + "|" + grouping))
	return hex.EncodeToString(sum[:])
}

// Dedup suppresses repeat notifications with the same key inside a window.
type Dedup struct {
	window time.Duration
}

// NewDedup creates the dedup guard. window <= 0 uses the default.
func NewDedup(window time.Duration) *Dedup {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Dedup{window: window}
}

// Reserve claims the key. Returns true when the caller may emit; false
// when an entry younger than the window already holds it. Entries older
// than the window are taken over in place. Run inside the same
// transaction as the outbox insert so the reservation commits with the emit.
func (d *Dedup) Reserve(ctx context.Context, q storage.Querier, key string) (bool, error) {
	tag, err := q.Exec(ctx,
		`INSERT INTO dedup_entries (key, created_at) VALUES ($1, now())
		 ON CONFLICT (key) DO UPDATE SET created_at = now()
		 WHERE dedup_entries.created_at < now() - make_interval(secs => $2)`,
		key, d.window.Seconds(),
	)
	if err != nil {
		return false, fmt.Errorf("guard: reserve dedup key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Purge removes entries older than the window. Called from the cron
// sweep; dedup correctness does not depend on it.
func (d *Dedup) Purge(ctx context.Context, q storage.Querier) (int64, error) {
	tag, err := q.Exec(ctx,
		`DELETE FROM dedup_entries WHERE created_at < now() - make_interval(secs => $1)`,
		d.window.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("guard: purge dedup entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
