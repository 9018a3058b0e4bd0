// Package outbox implements durable at-least-once webhook delivery.
//
// Rows are written transactionally with the business change that caused
// them (the enqueue takes a storage.Querier) and drained by a polling
// worker that signs, posts, retries with backoff, and dead-letters.
package outbox

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

const outboxColumns = `id, kind, destination, recipient, body, idempotency_key, attempts,
	next_attempt_at, delivered_at, dead_letter, last_status, last_error, created_at`

// Store reads and writes outbox rows.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an outbox store over the shared pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Enqueue inserts a delivery. Duplicate (kind, idempotency_key) pairs
// are no-ops, which gives at-most-one successful delivery per key.
func (s *Store) Enqueue(ctx context.Context, q storage.Querier, kind, destination, recipient string, body model.HookBody, idempotencyKey string) (inserted bool, err error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("outbox: marshal body: %w", err)
	}
	tag, err := q.Exec(ctx,
		`INSERT INTO outbox_messages (id, kind, destination, recipient, body, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (kind, idempotency_key) DO NOTHING`,
		uuid.New(), kind, destination, recipient, raw, idempotencyKey,
	)
	if err != nil {
		return false, fmt.Errorf("outbox: enqueue %s: %w", kind, err)
	}
	return tag.RowsAffected() == 1, nil
}

// claimBatch locks and returns up to batchSize deliverable rows.
// The lock window must exceed the per-batch processing timeout so a
// second worker never picks up rows mid-delivery.
func (s *Store) claimBatch(ctx context.Context, batchSize int, lockWindow time.Duration) ([]model.OutboxMessage, error) {
	rows, err := s.pool.Query(ctx,
		`WITH due AS (
		     SELECT id FROM outbox_messages
		     WHERE delivered_at IS NULL
		       AND dead_letter = false
		       AND next_attempt_at <= now()
		       AND (locked_until IS NULL OR locked_until < now())
		     ORDER BY next_attempt_at ASC
		     LIMIT $1
		     FOR UPDATE SKIP LOCKED
		 )
		 UPDATE outbox_messages m
		 SET locked_until = now() + make_interval(secs => $2)
		 FROM due
		 WHERE m.id = due.id
		 RETURNING m.id, m.kind, m.destination, m.recipient, m.body, m.idempotency_key,
		     m.attempts, m.next_attempt_at, m.delivered_at, m.dead_letter, m.last_status,
		     m.last_error, m.created_at`,
		batchSize, lockWindow.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim batch: %w", err)
	}
	defer rows.Close()

	var msgs []model.OutboxMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("outbox: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// markDelivered settles the row as successfully delivered.
func (s *Store) markDelivered(ctx context.Context, id uuid.UUID, status int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE outbox_messages
		 SET delivered_at = now(), last_status = $2, last_error = NULL, locked_until = NULL
		 WHERE id = $1 AND delivered_at IS NULL`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("outbox: mark delivered: %w", err)
	}
	return nil
}

// markRetry schedules the next attempt.
func (s *Store) markRetry(ctx context.Context, id uuid.UUID, status *int, errMsg string, delay time.Duration) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE outbox_messages
		 SET attempts = attempts + 1,
		     last_status = $2,
		     last_error = $3,
		     next_attempt_at = now() + make_interval(secs => $4),
		     locked_until = NULL
		 WHERE id = $1 AND delivered_at IS NULL AND dead_letter = false`,
		id, status, errMsg, delay.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("outbox: mark retry: %w", err)
	}
	return nil
}

// markDeadLetter terminally fails the row.
func (s *Store) markDeadLetter(ctx context.Context, id uuid.UUID, status *int, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE outbox_messages
		 SET dead_letter = true,
		     attempts = attempts + 1,
		     last_status = $2,
		     last_error = $3,
		     locked_until = NULL
		 WHERE id = $1 AND delivered_at IS NULL`,
		id, status, errMsg,
	)
	if err != nil {
		return fmt.Errorf("outbox: mark dead letter: %w", err)
	}
	return nil
}

// Get fetches one outbox message by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (model.OutboxMessage, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+outboxColumns+` FROM outbox_messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.OutboxMessage{}, storage.ErrNotFound
	}
	if err != nil {
		return model.OutboxMessage{}, fmt.Errorf("outbox: get: %w", err)
	}
	return m, nil
}

// ListDeadLetters returns terminally failed rows, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]model.OutboxMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+outboxColumns+` FROM outbox_messages
		 WHERE dead_letter = true
		 ORDER BY created_at DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: list dead letters: %w", err)
	}
	defer rows.Close()

	var msgs []model.OutboxMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("outbox: scan dead letter: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// RecentByRecipient groups reminder/nudge rows created since the cutoff
// by recipient. Feeds the daily digest.
func (s *Store) RecentByRecipient(ctx context.Context, since time.Time, kinds []string) (map[string][]model.OutboxMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+outboxColumns+` FROM outbox_messages
		 WHERE created_at >= $1 AND kind = ANY($2) AND recipient <> ''
		 ORDER BY recipient, created_at`,
		since, kinds)
	if err != nil {
		return nil, fmt.Errorf("outbox: recent by recipient: %w", err)
	}
	defer rows.Close()

	grouped := make(map[string][]model.OutboxMessage)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("outbox: scan recent: %w", err)
		}
		grouped[m.Recipient] = append(grouped[m.Recipient], m)
	}
	return grouped, rows.Err()
}

// Depth counts undelivered, non-dead-lettered rows. Metrics surface.
func (s *Store) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox_messages WHERE delivered_at IS NULL AND dead_letter = false`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("outbox: depth: %w", err)
	}
	return n, nil
}

func scanMessage(row pgx.Row) (model.OutboxMessage, error) {
	var m model.OutboxMessage
	err := row.Scan(
		&m.ID, &m.Kind, &m.Destination, &m.Recipient, &m.Body, &m.IdempotencyKey,
		&m.Attempts, &m.NextAttemptAt, &m.DeliveredAt, &m.DeadLetter, &m.LastStatus,
		&m.LastError, &m.CreatedAt,
	)
	return m, err
}
