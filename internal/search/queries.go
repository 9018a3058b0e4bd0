package search

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pgvector/pgvector-go"
)

// candidate is one row from either candidate space before blending.
type candidate struct {
	Result
	raw float64
}

// condBuilder accumulates WHERE conditions with positional args.
type condBuilder struct {
	conds []string
	args  []any
}

func (b *condBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

func (b *condBuilder) add(format string, vals ...any) {
	placeholders := make([]any, len(vals))
	for i, v := range vals {
		placeholders[i] = b.arg(v)
	}
	b.conds = append(b.conds, fmt.Sprintf(format, placeholders...))
}

func (b *condBuilder) where() string {
	return strings.Join(b.conds, " AND ")
}

// memoryFilters appends the caller's optional filters for the memories table.
func memoryFilters(b *condBuilder, q Query) {
	if len(q.Namespaces) > 0 {
		b.add("namespace = ANY(%s)", q.Namespaces)
	}
	if len(q.Tags) > 0 {
		b.add("tags && %s", q.Tags)
	}
	if q.MemoryType != "" {
		b.add("memory_type = %s", string(q.MemoryType))
	}
}

// noteFilters appends the caller's optional filters for the notes table.
func noteFilters(b *condBuilder, q Query) {
	if len(q.Namespaces) > 0 {
		b.add("namespace = ANY(%s)", q.Namespaces)
	}
	if len(q.Tags) > 0 {
		b.add("tags && %s", q.Tags)
	}
	if q.NotebookID != nil {
		b.add("notebook_id = %s", *q.NotebookID)
	}
	if q.Visibility != "" {
		b.add("visibility = %s", string(q.Visibility))
	}
}

// memoryAccess restricts rows to what the caller may read:
// their own rows or any granted namespace.
func memoryAccess(b *condBuilder, caller string, granted []string) {
	b.add("(user_email = %s OR namespace = ANY(%s))", caller, granted)
}

// noteAccess additionally honors per-note visibility: public is open,
// shared needs a namespace grant, private is owner-only.
func noteAccess(b *condBuilder, caller string, granted []string) {
	b.add("(user_email = %s OR visibility = 'public' OR (visibility = 'shared' AND namespace = ANY(%s)))",
		caller, granted)
}

func (e *Engine) lexicalMemories(ctx context.Context, q Query, granted []string, k int) ([]candidate, error) {
	b := &condBuilder{}
	queryArg := b.arg(q.Text)
	b.conds = append(b.conds, "search_tsv @@ query")
	memoryAccess(b, q.Caller, granted)
	memoryFilters(b, q)

	sql := `SELECT id, title, content, namespace, tags, importance, updated_at,
	       ts_rank_cd(search_tsv, query) AS score
	FROM memories, websearch_to_tsquery('english', ` + queryArg + `) AS query
	WHERE ` + b.where() + `
	ORDER BY score DESC, updated_at DESC
	LIMIT ` + b.arg(k)
	return e.scanCandidates(ctx, sql, b.args, SourceMemory)
}

func (e *Engine) lexicalNotes(ctx context.Context, q Query, granted []string, k int) ([]candidate, error) {
	b := &condBuilder{}
	queryArg := b.arg(q.Text)
	b.conds = append(b.conds, "search_tsv @@ query")
	noteAccess(b, q.Caller, granted)
	noteFilters(b, q)

	sql := `SELECT id, title, content, namespace, tags, importance, updated_at,
	       ts_rank_cd(search_tsv, query) AS score
	FROM notes, websearch_to_tsquery('english', ` + queryArg + `) AS query
	WHERE ` + b.where() + `
	ORDER BY score DESC, updated_at DESC
	LIMIT ` + b.arg(k)
	return e.scanCandidates(ctx, sql, b.args, SourceNote)
}

func (e *Engine) vectorMemories(ctx context.Context, q Query, qvec pgvector.Vector, granted []string, k int) ([]candidate, error) {
	b := &condBuilder{}
	vecArg := b.arg(qvec)
	b.conds = append(b.conds, "embedding IS NOT NULL")
	memoryAccess(b, q.Caller, granted)
	memoryFilters(b, q)

	sql := `SELECT id, title, content, namespace, tags, importance, updated_at,
	       1 - (embedding <=> ` + vecArg + `) AS score
	FROM memories
	WHERE ` + b.where() + `
	ORDER BY embedding <=> ` + vecArg + `
	LIMIT ` + b.arg(k)
	return e.scanCandidates(ctx, sql, b.args, SourceMemory)
}

func (e *Engine) vectorNotes(ctx context.Context, q Query, qvec pgvector.Vector, granted []string, k int) ([]candidate, error) {
	b := &condBuilder{}
	vecArg := b.arg(qvec)
	b.conds = append(b.conds, "embedding IS NOT NULL")
	noteAccess(b, q.Caller, granted)
	noteFilters(b, q)

	sql := `SELECT id, title, content, namespace, tags, importance, updated_at,
	       1 - (embedding <=> ` + vecArg + `) AS score
	FROM notes
	WHERE ` + b.where() + `
	ORDER BY embedding <=> ` + vecArg + `
	LIMIT ` + b.arg(k)
	return e.scanCandidates(ctx, sql, b.args, SourceNote)
}

func (e *Engine) scanCandidates(ctx context.Context, sql string, args []any, source Source) ([]candidate, error) {
	rows, err := e.db.Pool().Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("search: %s candidates: %w", source, err)
	}
	defer rows.Close()

	var out []candidate
	for rows.Next() {
		var c candidate
		c.Source = source
		if err := rows.Scan(&c.ID, &c.Title, &c.Content, &c.Namespace, &c.Tags,
			&c.Importance, &c.UpdatedAt, &c.raw); err != nil {
			return nil, fmt.Errorf("search: scan %s candidate: %w", source, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
