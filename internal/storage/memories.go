package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/troykelly/openclaw-projects-sub012/internal/model"
)

const memoryColumns = `id, namespace, memory_type, title, content, embedding, embedding_status,
	tags, importance, user_email, work_item_id, contact_id, created_at, updated_at`

// CreateMemory inserts a memory. The search index column and embedding
// status are maintained by the row trigger.
func (db *DB) CreateMemory(ctx context.Context, m model.Memory) (model.Memory, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Importance == 0 {
		m.Importance = 5
	}

	row := db.pool.QueryRow(ctx,
		`INSERT INTO memories (id, namespace, memory_type, title, content, tags, importance,
		 user_email, work_item_id, contact_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+memoryColumns,
		m.ID, m.Namespace, m.MemoryType, m.Title, m.Content, m.Tags, m.Importance,
		m.UserEmail, m.WorkItemID, m.ContactID,
	)
	created, err := scanMemory(row)
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: create memory: %w", err)
	}
	return created, nil
}

// UpdateMemoryContent rewrites title/content/tags. The trigger flips the
// embedding back to pending and nullifies the stored vector.
func (db *DB) UpdateMemoryContent(ctx context.Context, id uuid.UUID, title, content string, tags []string) (model.Memory, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE memories SET title = $2, content = $3, tags = $4 WHERE id = $1
		 RETURNING `+memoryColumns,
		id, title, content, tags,
	)
	m, err := scanMemory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Memory{}, ErrNotFound
	}
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: update memory: %w", err)
	}
	return m, nil
}

// SetMemoryEmbedding stores a computed embedding and marks it complete,
// or records a failed/skipped status with a NULL vector.
func (db *DB) SetMemoryEmbedding(ctx context.Context, id uuid.UUID, vec *pgvector.Vector, status model.EmbeddingStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE memories SET embedding = $2, embedding_status = $3 WHERE id = $1`,
		id, vec, status,
	)
	if err != nil {
		return fmt.Errorf("storage: set memory embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMemory fetches a memory by ID.
func (db *DB) GetMemory(ctx context.Context, id uuid.UUID) (model.Memory, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id)
	m, err := scanMemory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Memory{}, ErrNotFound
	}
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: get memory: %w", err)
	}
	return m, nil
}

// DeleteMemory removes a memory.
func (db *DB) DeleteMemory(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertDerivedMemory writes a system-derived memory addressed by
// (namespace, title, type) rather than ID; the API refresh job calls
// this so re-runs update in place. Returns whether a new row was created.
func (db *DB) UpsertDerivedMemory(ctx context.Context, namespace, userEmail, title, content string, tags []string) (created bool, err error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE memories SET content = $4, tags = $5
		 WHERE namespace = $1 AND title = $3 AND memory_type = 'context' AND user_email = $2`,
		namespace, userEmail, title, content, tags,
	)
	if err != nil {
		return false, fmt.Errorf("storage: upsert derived memory: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return false, nil
	}
	_, err = db.CreateMemory(ctx, model.Memory{
		Namespace:  namespace,
		MemoryType: model.MemoryContext,
		Title:      title,
		Content:    content,
		Tags:       tags,
		UserEmail:  userEmail,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func scanMemory(row pgx.Row) (model.Memory, error) {
	var m model.Memory
	err := row.Scan(
		&m.ID, &m.Namespace, &m.MemoryType, &m.Title, &m.Content, &m.Embedding,
		&m.EmbeddingStatus, &m.Tags, &m.Importance, &m.UserEmail, &m.WorkItemID,
		&m.ContactID, &m.CreatedAt, &m.UpdatedAt,
	)
	return m, err
}
