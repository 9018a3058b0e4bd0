package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/troykelly/openclaw-projects-sub012/internal/model"
)

// UpsertGrant creates or updates a namespace grant.
func (db *DB) UpsertGrant(ctx context.Context, g model.NamespaceGrant) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO namespace_grants (email, namespace, role, is_default)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (email, namespace)
		 DO UPDATE SET role = EXCLUDED.role, is_default = EXCLUDED.is_default`,
		g.Email, g.Namespace, g.Role, g.IsDefault,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert grant: %w", err)
	}
	return nil
}

// RevokeGrant removes a namespace grant.
func (db *DB) RevokeGrant(ctx context.Context, email, namespace string) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM namespace_grants WHERE email = $1 AND namespace = $2`,
		email, namespace,
	)
	if err != nil {
		return fmt.Errorf("storage: revoke grant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GrantedNamespaces returns every namespace the email may read.
func (db *DB) GrantedNamespaces(ctx context.Context, email string) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT namespace FROM namespace_grants WHERE email = $1 ORDER BY namespace`,
		email,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: granted namespaces: %w", err)
	}
	defer rows.Close()

	var namespaces []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("storage: scan namespace: %w", err)
		}
		namespaces = append(namespaces, ns)
	}
	return namespaces, rows.Err()
}

// DefaultNamespace returns the email's default namespace, or "" if none is set.
func (db *DB) DefaultNamespace(ctx context.Context, email string) (string, error) {
	var ns string
	err := db.pool.QueryRow(ctx,
		`SELECT namespace FROM namespace_grants WHERE email = $1 AND is_default LIMIT 1`,
		email,
	).Scan(&ns)
	if errors.Is(err, pgx.ErrNoRows) {
		// No default set; callers fall back to the profile.
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storage: default namespace: %w", err)
	}
	return ns, nil
}
