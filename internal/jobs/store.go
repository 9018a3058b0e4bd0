// Package jobs implements the persistent job queue and the worker pool
// that drains it: enqueue/claim/complete/fail over Postgres with
// at-least-once semantics, a kind-keyed handler registry, and
// exponential retry backoff.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/troykelly/openclaw-projects-sub012/internal/model"
	"github.com/troykelly/openclaw-projects-sub012/internal/storage"
)

// ErrLockLost is returned by Complete/Fail when the row is no longer
// locked by the calling worker (lock expired and another worker claimed it,
// or the job was already completed).
var ErrLockLost = errors.New("jobs: lock lost")

const jobColumns = `id, kind, payload, run_at, attempts, locked_by, locked_until,
	completed_at, last_error, idempotency_key, created_at, updated_at`

// Store is the persistent job queue.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a job store over the shared connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Enqueue inserts a job. When idempotencyKey is non-empty and a pending
// job with the same (kind, key) exists, the insert is a no-op and
// inserted is false. Runs against q so callers can enqueue atomically
// with the business write that triggered it.
func (s *Store) Enqueue(ctx context.Context, q storage.Querier, kind string, runAt time.Time, payload any, idempotencyKey string) (inserted bool, err error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("jobs: marshal payload: %w", err)
	}

	var key *string
	if idempotencyKey != "" {
		key = &idempotencyKey
	}
	tag, err := q.Exec(ctx,
		`INSERT INTO jobs (id, kind, payload, run_at, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (kind, idempotency_key) WHERE completed_at IS NULL AND idempotency_key IS NOT NULL
		 DO NOTHING`,
		uuid.New(), kind, body, runAt, key,
	)
	if err != nil {
		return false, fmt.Errorf("jobs: enqueue %s: %w", kind, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Claim atomically selects up to batchSize claimable jobs ordered by
// run_at asc, id asc and stamps this worker's lock. SKIP LOCKED keeps
// concurrent claimers from blocking each other; rows already locked by
// this worker (a retried claim) are included, so re-claiming is
// idempotent for the same worker.
func (s *Store) Claim(ctx context.Context, workerID string, batchSize int, lockDuration time.Duration) ([]model.Job, error) {
	rows, err := s.pool.Query(ctx,
		`WITH due AS (
		     SELECT id FROM jobs
		     WHERE completed_at IS NULL
		       AND run_at <= now()
		       AND (locked_by IS NULL OR locked_until < now() OR locked_by = $1)
		     ORDER BY run_at ASC, id ASC
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED
		 )
		 UPDATE jobs j
		 SET locked_by = $1,
		     locked_until = now() + make_interval(secs => $3),
		     updated_at = now()
		 FROM due
		 WHERE j.id = due.id
		 RETURNING j.id, j.kind, j.payload, j.run_at, j.attempts, j.locked_by, j.locked_until,
		     j.completed_at, j.last_error, j.idempotency_key, j.created_at, j.updated_at`,
		workerID, batchSize, lockDuration.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("jobs: claim: %w", err)
	}
	defer rows.Close()

	var claimed []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("jobs: scan claimed job: %w", err)
		}
		claimed = append(claimed, j)
	}
	return claimed, rows.Err()
}

// Complete stamps the job done and clears the lock. Completion is
// terminal: a completed job is never claimed again. Rejects with
// ErrLockLost unless the row is currently locked by workerID.
func (s *Store) Complete(ctx context.Context, jobID uuid.UUID, workerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs
		 SET completed_at = now(), locked_by = NULL, locked_until = NULL, updated_at = now()
		 WHERE id = $1 AND locked_by = $2 AND completed_at IS NULL`,
		jobID, workerID,
	)
	if err != nil {
		return fmt.Errorf("jobs: complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLockLost
	}
	return nil
}

// Fail records the error, increments attempts, and pushes run_at out by
// delay. Never touches completed_at.
func (s *Store) Fail(ctx context.Context, jobID uuid.UUID, workerID, errMsg string, delay time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs
		 SET attempts = attempts + 1,
		     last_error = $3,
		     run_at = now() + make_interval(secs => $4),
		     locked_by = NULL,
		     locked_until = NULL,
		     updated_at = now()
		 WHERE id = $1 AND locked_by = $2 AND completed_at IS NULL`,
		jobID, workerID, errMsg, delay.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("jobs: fail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLockLost
	}
	return nil
}

// Reschedule defers the job without counting an attempt. Used when a
// guard (rate limit) wants the job re-run after the window clears.
func (s *Store) Reschedule(ctx context.Context, jobID uuid.UUID, workerID string, delay time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs
		 SET run_at = now() + make_interval(secs => $3),
		     locked_by = NULL,
		     locked_until = NULL,
		     updated_at = now()
		 WHERE id = $1 AND locked_by = $2 AND completed_at IS NULL`,
		jobID, workerID, delay.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("jobs: reschedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLockLost
	}
	return nil
}

// CancelPending completes a pending job in place so it never runs.
// Used by the enqueuer when a work-item date is removed or moved.
// A missing job is a no-op.
func (s *Store) CancelPending(ctx context.Context, q storage.Querier, kind, idempotencyKey string) error {
	_, err := q.Exec(ctx,
		`UPDATE jobs
		 SET completed_at = now(), locked_by = NULL, locked_until = NULL, updated_at = now()
		 WHERE kind = $1 AND idempotency_key = $2 AND completed_at IS NULL`,
		kind, idempotencyKey,
	)
	if err != nil {
		return fmt.Errorf("jobs: cancel pending: %w", err)
	}
	return nil
}

// CancelPendingByPrefix completes every pending job of kind whose
// idempotency key starts with prefix, except the one keyed exceptKey
// (pass "" to cancel all). The enqueuer uses it to retract jobs for a
// timestamp that moved: keys embed the old timestamp, so the prefix
// finds them without knowing it.
func (s *Store) CancelPendingByPrefix(ctx context.Context, q storage.Querier, kind, prefix, exceptKey string) error {
	_, err := q.Exec(ctx,
		`UPDATE jobs
		 SET completed_at = now(), locked_by = NULL, locked_until = NULL, updated_at = now()
		 WHERE kind = $1
		   AND idempotency_key LIKE $2 || '%'
		   AND idempotency_key <> $3
		   AND completed_at IS NULL`,
		kind, prefix, exceptKey,
	)
	if err != nil {
		return fmt.Errorf("jobs: cancel pending by prefix: %w", err)
	}
	return nil
}

// ExistsWithKey reports whether any job, pending or completed, carries
// the kind and idempotency key. The pending-only unique index stops
// deduplicating once a job completes; callers that must enqueue at most
// once ever (the daily digest) check here first.
func (s *Store) ExistsWithKey(ctx context.Context, q storage.Querier, kind, idempotencyKey string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE kind = $1 AND idempotency_key = $2)`,
		kind, idempotencyKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("jobs: exists with key: %w", err)
	}
	return exists, nil
}

// PendingCounts groups non-completed jobs by kind. The processor's
// observability surface: failures pile up here before dead-lettering.
func (s *Store) PendingCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT kind, COUNT(*) FROM jobs WHERE completed_at IS NULL GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("jobs: pending counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("jobs: scan pending count: %w", err)
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// Get fetches a job by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (model.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Job{}, storage.ErrNotFound
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("jobs: get: %w", err)
	}
	return j, nil
}

func scanJob(row pgx.Row) (model.Job, error) {
	var j model.Job
	err := row.Scan(
		&j.ID, &j.Kind, &j.Payload, &j.RunAt, &j.Attempts, &j.LockedBy, &j.LockedUntil,
		&j.CompletedAt, &j.LastError, &j.IdempotencyKey, &j.CreatedAt, &j.UpdatedAt,
	)
	return j, err
}
