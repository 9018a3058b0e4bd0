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

const noteColumns = `id, notebook_id, namespace, title, content, embedding, embedding_status,
	tags, importance, visibility, hide_from_agents, user_email, created_at, updated_at`

// CreateNote inserts a note. Notes that are private and hidden from
// agents are stamped embedding_status = skipped so the embedding
// backfill never picks them up.
func (db *DB) CreateNote(ctx context.Context, n model.Note) (model.Note, error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.Importance == 0 {
		n.Importance = 5
	}
	if n.Visibility == "" {
		n.Visibility = model.VisibilityPrivate
	}
	status := model.EmbeddingPending
	if n.EmbeddingSkipped() {
		status = model.EmbeddingSkipped
	}

	row := db.pool.QueryRow(ctx,
		`INSERT INTO notes (id, notebook_id, namespace, title, content, embedding_status,
		 tags, importance, visibility, hide_from_agents, user_email)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+noteColumns,
		n.ID, n.NotebookID, n.Namespace, n.Title, n.Content, status,
		n.Tags, n.Importance, n.Visibility, n.HideFromAgents, n.UserEmail,
	)
	created, err := scanNote(row)
	if err != nil {
		return model.Note{}, fmt.Errorf("storage: create note: %w", err)
	}
	return created, nil
}

// SetNoteVisibility updates visibility/hide flags and re-evaluates the
// embedding skip rule: a note leaving the private+hidden state goes back
// to pending; one entering it is skipped and its vector dropped.
func (db *DB) SetNoteVisibility(ctx context.Context, id uuid.UUID, visibility model.NoteVisibility, hideFromAgents bool) (model.Note, error) {
	skipped := visibility == model.VisibilityPrivate && hideFromAgents
	row := db.pool.QueryRow(ctx,
		`UPDATE notes
		 SET visibility = $2,
		     hide_from_agents = $3,
		     embedding = CASE WHEN $4 THEN NULL ELSE embedding END,
		     embedding_status = CASE
		         WHEN $4 THEN 'skipped'
		         WHEN embedding_status = 'skipped' THEN 'pending'
		         ELSE embedding_status
		     END
		 WHERE id = $1
		 RETURNING `+noteColumns,
		id, visibility, hideFromAgents, skipped,
	)
	n, err := scanNote(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Note{}, ErrNotFound
	}
	if err != nil {
		return model.Note{}, fmt.Errorf("storage: set note visibility: %w", err)
	}
	return n, nil
}

// UpdateNoteContent rewrites title/content/tags. The row trigger resets
// the embedding to pending unless the note is skipped.
func (db *DB) UpdateNoteContent(ctx context.Context, id uuid.UUID, title, content string, tags []string) (model.Note, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE notes SET title = $2, content = $3, tags = $4 WHERE id = $1
		 RETURNING `+noteColumns,
		id, title, content, tags,
	)
	n, err := scanNote(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Note{}, ErrNotFound
	}
	if err != nil {
		return model.Note{}, fmt.Errorf("storage: update note: %w", err)
	}
	return n, nil
}

// SetNoteEmbedding stores a computed embedding for a note.
func (db *DB) SetNoteEmbedding(ctx context.Context, id uuid.UUID, vec *pgvector.Vector, status model.EmbeddingStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE notes SET embedding = $2, embedding_status = $3 WHERE id = $1`,
		id, vec, status,
	)
	if err != nil {
		return fmt.Errorf("storage: set note embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetNote fetches a note by ID.
func (db *DB) GetNote(ctx context.Context, id uuid.UUID) (model.Note, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE id = $1`, id)
	n, err := scanNote(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Note{}, ErrNotFound
	}
	if err != nil {
		return model.Note{}, fmt.Errorf("storage: get note: %w", err)
	}
	return n, nil
}

// DeleteNote removes a note.
func (db *DB) DeleteNote(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM notes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete note: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanNote(row pgx.Row) (model.Note, error) {
	var n model.Note
	err := row.Scan(
		&n.ID, &n.NotebookID, &n.Namespace, &n.Title, &n.Content, &n.Embedding,
		&n.EmbeddingStatus, &n.Tags, &n.Importance, &n.Visibility, &n.HideFromAgents,
		&n.UserEmail, &n.CreatedAt, &n.UpdatedAt,
	)
	return n, err
}
