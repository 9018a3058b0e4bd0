package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx satisfied by both *pgxpool.Pool and pgx.Tx.
// Query methods that must be able to join an in-flight transaction (the
// scheduler's write-time enqueue, the guards) take a Querier so the
// caller chooses the scope.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
