// Package search implements hybrid lexical+vector retrieval over
// memories and notes.
//
// Two candidate queries run in parallel: full-text rank over the
// trigger-maintained tsvector column and cosine similarity over
// pgvector embeddings. Scores are min/max-normalized per space, blended
// with configurable weights, and the merged set is ranked with a small
// title-match boost. Access control is enforced inside the SQL: a row
// the caller cannot read never leaves the database.
package search

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"

	"github.com/troykelly/openclaw-projects-sub012/internal/model"
	"github.com/troykelly/openclaw-projects-sub012/internal/service/embedding"
	"github.com/troykelly/openclaw-projects-sub012/internal/storage"
)

// Source identifies which table a result came from.
type Source string

const (
	SourceMemory Source = "memory"
	SourceNote   Source = "note"
)

// Search types reported in the response.
const (
	TypeHybrid = "hybrid"
	TypeText   = "text"
	TypeVector = "vector"
)

// Limit bounds for one request.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Query is one search request.
type Query struct {
	Caller string // email of the requesting user/agent
	Text   string
	Limit  int // default DefaultLimit, capped at MaxLimit
	Offset int // rows to skip in the ranked set

	// Optional filters.
	Namespaces []string
	Tags       []string
	MemoryType model.MemoryType
	NotebookID *uuid.UUID
	Visibility model.NoteVisibility
	// Sources restricts the searched tables; empty means both.
	Sources []Source

	// VectorWeight/TextWeight override the default 0.7/0.3 blend.
	// They need not sum to 1. Both zero means defaults.
	VectorWeight float64
	TextWeight   float64
}

func (q Query) withDefaults() Query {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.VectorWeight == 0 && q.TextWeight == 0 {
		q.VectorWeight = DefaultVectorWeight
		q.TextWeight = DefaultTextWeight
	}
	if len(q.Sources) == 0 {
		q.Sources = []Source{SourceMemory, SourceNote}
	}
	return q
}

func (q Query) wants(s Source) bool {
	for _, src := range q.Sources {
		if src == s {
			return true
		}
	}
	return false
}

// Result is one ranked row. VectorScore and TextScore are the
// normalized per-space scores, nil when the row did not appear in that
// candidate set.
type Result struct {
	Source        Source
	ID            uuid.UUID
	Title         string
	Content       string
	Namespace     string
	Tags          []string
	Importance    int
	UpdatedAt     time.Time
	VectorScore   *float64
	TextScore     *float64
	CombinedScore float64
}

// Weights echoes the blend actually applied to a response.
type Weights struct {
	Vector float64
	Text   float64
}

// Response carries the ranked results, which mode produced them, and the
// blend weights that were applied.
type Response struct {
	Results    []Result
	SearchType string // hybrid, text, or vector
	Weights    Weights
}

// Config tunes the engine.
type Config struct {
	// TitleBoost is added to the combined score when a query token or
	// tag appears in the title. Zero or negative uses DefaultTitleBoost.
	TitleBoost float64
}

// Engine runs hybrid searches. Safe for concurrent use.
type Engine struct {
	db       *storage.DB
	provider embedding.Provider // nil disables the vector space
	logger   *slog.Logger

	titleBoost float64
}

// NewEngine creates a search engine. provider may be nil, in which case
// every search runs text-only.
func NewEngine(db *storage.DB, provider embedding.Provider, cfg Config, logger *slog.Logger) *Engine {
	boost := cfg.TitleBoost
	if boost <= 0 {
		boost = DefaultTitleBoost
	}
	return &Engine{
		db:         db,
		provider:   provider,
		logger:     logger,
		titleBoost: boost,
	}
}

// Search executes the query. Vector-side failures degrade to text-only
// rather than failing the request; lexical failures are fatal.
func (e *Engine) Search(ctx context.Context, q Query) (Response, error) {
	q = q.withDefaults()
	tokens := strings.Fields(q.Text)

	qvec := e.queryVector(ctx, q.Text, tokens)

	granted, err := e.db.GrantedNamespaces(ctx, q.Caller)
	if err != nil {
		return Response{}, err
	}
	if granted == nil {
		granted = []string{} // ANY(NULL) would match nothing, but be explicit
	}

	k := 4 * q.Limit
	if k < 50 {
		k = 50
	}

	var lex, vec []candidate
	var vecErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		lex, err = e.lexicalCandidates(gctx, q, granted, k)
		return err
	})
	if qvec != nil {
		g.Go(func() error {
			vec, vecErr = e.vectorCandidates(gctx, q, *qvec, granted, k)
			return nil // vector failure is non-fatal
		})
	}
	if err := g.Wait(); err != nil {
		return Response{}, err
	}

	if vecErr != nil {
		e.logger.Warn("vector search failed, continuing text-only", "error", vecErr)
		vec = nil
	}

	results := e.blend(lex, vec, tokens, q)
	results = page(results, q.Offset, q.Limit)
	return Response{
		Results:    results,
		SearchType: classifySearchType(qvec != nil && vecErr == nil, len(lex), len(vec)),
		Weights:    Weights{Vector: q.VectorWeight, Text: q.TextWeight},
	}, nil
}

// classifySearchType names the mode that produced a result set: text
// when no query vector was available, vector when only the vector space
// returned candidates, hybrid otherwise.
func classifySearchType(hasVector bool, lexN, vecN int) string {
	switch {
	case !hasVector:
		return TypeText
	case lexN == 0 && vecN > 0:
		return TypeVector
	default:
		return TypeHybrid
	}
}

// page slices the ranked set to the requested window.
func page(results []Result, offset, limit int) []Result {
	if offset >= len(results) {
		return nil
	}
	results = results[offset:]
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// queryVector embeds the query text, or returns nil when the search
// should run text-only: no provider, fewer than two tokens, or the
// provider errored.
func (e *Engine) queryVector(ctx context.Context, text string, tokens []string) *pgvector.Vector {
	if e.provider == nil || len(tokens) < 2 {
		return nil
	}
	v, err := e.provider.Embed(ctx, text)
	if err != nil {
		e.logger.Warn("query embedding failed, continuing text-only", "error", err)
		return nil
	}
	return &v
}

func (e *Engine) lexicalCandidates(ctx context.Context, q Query, granted []string, k int) ([]candidate, error) {
	var out []candidate
	if q.wants(SourceMemory) {
		mems, err := e.lexicalMemories(ctx, q, granted, k)
		if err != nil {
			return nil, err
		}
		out = append(out, mems...)
	}
	if q.wants(SourceNote) {
		notes, err := e.lexicalNotes(ctx, q, granted, k)
		if err != nil {
			return nil, err
		}
		out = append(out, notes...)
	}
	return out, nil
}

func (e *Engine) vectorCandidates(ctx context.Context, q Query, qvec pgvector.Vector, granted []string, k int) ([]candidate, error) {
	var out []candidate
	if q.wants(SourceMemory) {
		mems, err := e.vectorMemories(ctx, q, qvec, granted, k)
		if err != nil {
			return nil, err
		}
		out = append(out, mems...)
	}
	if q.wants(SourceNote) {
		notes, err := e.vectorNotes(ctx, q, qvec, granted, k)
		if err != nil {
			return nil, err
		}
		out = append(out, notes...)
	}
	return out, nil
}

// blend normalizes each candidate space, merges by row identity, blends
// the weighted scores, applies the title boost, and ranks.
func (e *Engine) blend(lex, vec []candidate, tokens []string, q Query) []Result {
	merged := make(map[string]*Result)
	key := func(c candidate) string { return string(c.Source) + ":" + c.ID.String() }

	textNorm := normalizeScores(rawScores(lex))
	for i, c := range lex {
		r := c.Result
		s := textNorm[i]
		r.TextScore = &s
		merged[key(c)] = &r
	}
	vecNorm := normalizeScores(rawScores(vec))
	for i, c := range vec {
		s := vecNorm[i]
		if existing, ok := merged[key(c)]; ok {
			existing.VectorScore = &s
			continue
		}
		r := c.Result
		r.VectorScore = &s
		merged[key(c)] = &r
	}

	results := make([]Result, 0, len(merged))
	for _, r := range merged {
		score := combineScores(q.VectorWeight, q.TextWeight, r.VectorScore, r.TextScore)
		if titleMatchesQuery(r.Title, tokens, r.Tags) {
			score += e.titleBoost
		}
		if score > 1 {
			score = 1
		}
		r.CombinedScore = score
		results = append(results, *r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].CombinedScore != results[j].CombinedScore {
			return results[i].CombinedScore > results[j].CombinedScore
		}
		if !results[i].UpdatedAt.Equal(results[j].UpdatedAt) {
			return results[i].UpdatedAt.After(results[j].UpdatedAt)
		}
		return results[i].ID.String() < results[j].ID.String()
	})
	return results
}

func rawScores(cands []candidate) []float64 {
	if len(cands) == 0 {
		return nil
	}
	out := make([]float64, len(cands))
	for i, c := range cands {
		out[i] = c.raw
	}
	return out
}
