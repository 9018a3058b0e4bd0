package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/troykelly/openclaw-projects-sub012/internal/model"
)

const apiSourceColumns = `id, name, spec_url, refresh_interval_seconds, content_hash,
	next_refresh_at, created_at, updated_at`

// CreateAPISource registers an external API spec for periodic refresh.
func (db *DB) CreateAPISource(ctx context.Context, s model.APISource) (model.APISource, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.RefreshInterval <= 0 {
		s.RefreshInterval = 24 * time.Hour
	}
	row := db.pool.QueryRow(ctx,
		`INSERT INTO api_sources (id, name, spec_url, refresh_interval_seconds)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+apiSourceColumns,
		s.ID, s.Name, s.SpecURL, int64(s.RefreshInterval.Seconds()),
	)
	created, err := scanAPISource(row)
	if err != nil {
		return model.APISource{}, fmt.Errorf("storage: create api source: %w", err)
	}
	return created, nil
}

// GetAPISource fetches an API source by ID.
func (db *DB) GetAPISource(ctx context.Context, id uuid.UUID) (model.APISource, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+apiSourceColumns+` FROM api_sources WHERE id = $1`, id)
	s, err := scanAPISource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.APISource{}, ErrNotFound
	}
	if err != nil {
		return model.APISource{}, fmt.Errorf("storage: get api source: %w", err)
	}
	return s, nil
}

// ListDueAPISources returns sources whose refresh cadence has elapsed,
// advancing next_refresh_at so the same tick never double-enqueues.
func (db *DB) ListDueAPISources(ctx context.Context, now time.Time, limit int) ([]model.APISource, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE api_sources
		 SET next_refresh_at = $1 + make_interval(secs => refresh_interval_seconds), updated_at = now()
		 WHERE id IN (
		     SELECT id FROM api_sources WHERE next_refresh_at <= $1
		     ORDER BY next_refresh_at ASC LIMIT $2
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+apiSourceColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list due api sources: %w", err)
	}
	defer rows.Close()

	var sources []model.APISource
	for rows.Next() {
		s, err := scanAPISource(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan api source: %w", err)
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// SetAPISourceHash records the content hash observed by the last refresh.
func (db *DB) SetAPISourceHash(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE api_sources SET content_hash = $2, updated_at = now() WHERE id = $1`,
		id, hash,
	)
	if err != nil {
		return fmt.Errorf("storage: set api source hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPISource(row pgx.Row) (model.APISource, error) {
	var s model.APISource
	var seconds int64
	err := row.Scan(
		&s.ID, &s.Name, &s.SpecURL, &seconds, &s.ContentHash,
		&s.NextRefreshAt, &s.CreatedAt, &s.UpdatedAt,
	)
	s.RefreshInterval = time.Duration(seconds) * time.Second
	return s, err
}
