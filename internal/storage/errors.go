package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConstraint is returned for constraint violations (invalid state
// transition, hierarchy cycle, duplicate key). Never retried; surfaces
// to the caller unchanged.
var ErrConstraint = errors.New("storage: constraint violation")

// IsConstraint reports whether err is a Postgres integrity violation
// (class 23) or our own ErrConstraint sentinel.
func IsConstraint(err error) bool {
	if errors.Is(err, ErrConstraint) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23"
	}
	return false
}
