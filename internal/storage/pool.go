// Package storage provides the PostgreSQL persistence layer.
//
// It manages connection pooling (via pgxpool), pgvector type
// registration, a retrying transaction scope, the forward-only
// migration runner, and typed query methods for the entity tables.
// Job and outbox queue SQL lives with its owning subsystem
// (internal/jobs, internal/outbox); this package owns everything else.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// DB wraps a pgxpool.Pool with the query methods of the persistence adapter.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a DB with a connection pool. Statement-level timeouts are
// the caller's responsibility via context; the pool itself applies a
// 5 second connect timeout.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}
	poolCfg.ConnConfig.ConnectTimeout = 5 * time.Second

	// Register pgvector types on each new connection. Best-effort: the
	// extension may not exist yet during initial startup before migrations.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("storage: pgvector types not registered (extension may not exist yet)", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}
