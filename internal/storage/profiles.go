package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/troykelly/openclaw-projects-sub012/internal/model"
)

// UpsertProfile creates or replaces an agent delivery profile.
func (db *DB) UpsertProfile(ctx context.Context, p model.AgentProfile) error {
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_profiles (email, default_namespace, quiet_start, quiet_end, timezone)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (email) DO UPDATE SET
		     default_namespace = EXCLUDED.default_namespace,
		     quiet_start = EXCLUDED.quiet_start,
		     quiet_end = EXCLUDED.quiet_end,
		     timezone = EXCLUDED.timezone,
		     updated_at = now()`,
		p.Email, p.DefaultNamespace, p.QuietStart, p.QuietEnd, p.Timezone,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert profile: %w", err)
	}
	return nil
}

// GetProfile fetches a delivery profile. A missing profile is not an
// error: recipients without one get the zero profile (no quiet hours).
func (db *DB) GetProfile(ctx context.Context, email string) (model.AgentProfile, error) {
	var p model.AgentProfile
	err := db.pool.QueryRow(ctx,
		`SELECT email, default_namespace, quiet_start, quiet_end, timezone, created_at, updated_at
		 FROM agent_profiles WHERE email = $1`, email,
	).Scan(&p.Email, &p.DefaultNamespace, &p.QuietStart, &p.QuietEnd, &p.Timezone, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AgentProfile{Email: email, Timezone: "UTC"}, nil
	}
	if err != nil {
		return model.AgentProfile{}, fmt.Errorf("storage: get profile: %w", err)
	}
	return p, nil
}
