package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/troykelly/openclaw-projects-sub012/internal/model"
)

// Tables carrying embeddings.
const (
	EmbeddingSourceMemory = "memory"
	EmbeddingSourceNote   = "note"
)

// PendingEmbedding is one row awaiting a vector, from either table.
type PendingEmbedding struct {
	Source  string
	ID      uuid.UUID
	Title   string
	Content string
}

// ListPendingEmbeddings returns memories and notes awaiting embedding,
// oldest first. Skipped rows (private notes hidden from agents) never
// appear here.
func (db *DB) ListPendingEmbeddings(ctx context.Context, limit int) ([]PendingEmbedding, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT source, id, title, content FROM (
		     SELECT 'memory' AS source, id, title, content, updated_at
		     FROM memories WHERE embedding_status = 'pending'
		     UNION ALL
		     SELECT 'note', id, title, content, updated_at
		     FROM notes WHERE embedding_status = 'pending'
		 ) pending
		 ORDER BY updated_at ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending embeddings: %w", err)
	}
	defer rows.Close()

	var out []PendingEmbedding
	for rows.Next() {
		var p PendingEmbedding
		if err := rows.Scan(&p.Source, &p.ID, &p.Title, &p.Content); err != nil {
			return nil, fmt.Errorf("storage: scan pending embedding: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetEmbedding routes a computed vector to the row's table.
func (db *DB) SetEmbedding(ctx context.Context, p PendingEmbedding, vec *pgvector.Vector, status model.EmbeddingStatus) error {
	switch p.Source {
	case EmbeddingSourceMemory:
		return db.SetMemoryEmbedding(ctx, p.ID, vec, status)
	case EmbeddingSourceNote:
		return db.SetNoteEmbedding(ctx, p.ID, vec, status)
	default:
		return fmt.Errorf("storage: set embedding: unknown source %q", p.Source)
	}
}
