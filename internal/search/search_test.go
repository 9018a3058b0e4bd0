package search

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troykelly/openclaw-projects-sub012/internal/model"
	"github.com/troykelly/openclaw-projects-sub012/internal/storage"
	"github.com/troykelly/openclaw-projects-sub012/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

// axisProvider embeds every query onto the same unit axis, so rows
// embedded on that axis score 1 and orthogonal rows score 0.
type axisProvider struct{ axis int }

func (p axisProvider) Dimensions() int { return 1024 }

func (p axisProvider) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	return unitVector(p.axis), nil
}

func (p axisProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i := range vecs {
		vecs[i], _ = p.Embed(ctx, texts[i])
	}
	return vecs, nil
}

func unitVector(axis int) pgvector.Vector {
	v := make([]float32, 1024)
	v[axis] = 1
	return pgvector.NewVector(v)
}

func embedNote(t *testing.T, id uuid.UUID, axis int) {
	t.Helper()
	vec := unitVector(axis)
	require.NoError(t, testDB.SetNoteEmbedding(context.Background(), id, &vec, model.EmbeddingComplete))
}

func embedMemory(t *testing.T, id uuid.UUID, axis int) {
	t.Helper()
	vec := unitVector(axis)
	require.NoError(t, testDB.SetMemoryEmbedding(context.Background(), id, &vec, model.EmbeddingComplete))
}

func resultIDs(resp Response) map[uuid.UUID]bool {
	ids := make(map[uuid.UUID]bool, len(resp.Results))
	for _, r := range resp.Results {
		ids[r.ID] = true
	}
	return ids
}

func TestSearchAccessControl(t *testing.T) {
	ctx := context.Background()
	owner := "ac-owner@example.com"
	caller := "ac-reader@example.com"

	require.NoError(t, testDB.UpsertGrant(ctx, model.NamespaceGrant{
		Email: caller, Namespace: "ac-shared", Role: "member",
	}))

	note := func(ns string, vis model.NoteVisibility, hide bool) model.Note {
		n, err := testDB.CreateNote(ctx, model.Note{
			Namespace: ns, Title: "Ledger notes", Content: "zanzibar ledger entry",
			Visibility: vis, HideFromAgents: hide, UserEmail: owner,
		})
		require.NoError(t, err)
		return n
	}
	pubNote := note("ac-open", model.VisibilityPublic, false)
	sharedGranted := note("ac-shared", model.VisibilityShared, false)
	sharedUngranted := note("ac-other", model.VisibilityShared, false)
	privNote := note("ac-open", model.VisibilityPrivate, false)
	hiddenNote := note("ac-open", model.VisibilityPrivate, true)

	memo := func(ns, email string) model.Memory {
		m, err := testDB.CreateMemory(ctx, model.Memory{
			Namespace: ns, MemoryType: model.MemoryFact,
			Title: "Ledger memo", Content: "zanzibar ledger entry",
			UserEmail: email,
		})
		require.NoError(t, err)
		return m
	}
	grantedMemory := memo("ac-shared", owner)
	ungrantedMemory := memo("ac-other", owner)
	ownMemory := memo("ac-mine", caller)

	// Embed everything embeddable so the vector space would surface the
	// forbidden rows if the predicate let them through.
	for _, id := range []uuid.UUID{pubNote.ID, sharedGranted.ID, sharedUngranted.ID, privNote.ID} {
		embedNote(t, id, 0)
	}
	for _, id := range []uuid.UUID{grantedMemory.ID, ungrantedMemory.ID, ownMemory.ID} {
		embedMemory(t, id, 0)
	}

	engine := NewEngine(testDB, axisProvider{axis: 0}, Config{}, testutil.TestLogger())
	resp, err := engine.Search(ctx, Query{Caller: caller, Text: "zanzibar ledger"})
	require.NoError(t, err)
	assert.Equal(t, TypeHybrid, resp.SearchType)

	ids := resultIDs(resp)
	assert.True(t, ids[pubNote.ID], "public note is readable")
	assert.True(t, ids[sharedGranted.ID], "shared note in a granted namespace is readable")
	assert.True(t, ids[grantedMemory.ID], "memory in a granted namespace is readable")
	assert.True(t, ids[ownMemory.ID], "own memory is readable")

	assert.False(t, ids[sharedUngranted.ID], "shared note without a grant is hidden")
	assert.False(t, ids[privNote.ID], "private note is owner-only")
	assert.False(t, ids[hiddenNote.ID], "private+hidden note never reaches a non-owner")
	assert.False(t, ids[ungrantedMemory.ID], "memory without a grant is hidden")

	// The owner sees everything of theirs, the hidden note included.
	resp, err = engine.Search(ctx, Query{Caller: owner, Text: "zanzibar ledger"})
	require.NoError(t, err)
	ids = resultIDs(resp)
	for _, id := range []uuid.UUID{pubNote.ID, sharedGranted.ID, sharedUngranted.ID, privNote.ID, hiddenNote.ID} {
		assert.True(t, ids[id])
	}
}

func TestSearchRankingForNonOwner(t *testing.T) {
	ctx := context.Background()
	owner := "rank-owner@example.com"
	caller := "rank-reader@example.com"

	guide, err := testDB.CreateNote(ctx, model.Note{
		Namespace: "rank-ns", Title: "TypeScript Guide",
		Content:    "a practical typescript guide for agents",
		Visibility: model.VisibilityPublic, UserEmail: owner,
	})
	require.NoError(t, err)
	tutorial, err := testDB.CreateNote(ctx, model.Note{
		Namespace: "rank-ns", Title: "Python Tutorial",
		Content:    "a guide comparing typescript and python",
		Visibility: model.VisibilityPublic, UserEmail: owner,
	})
	require.NoError(t, err)
	secret, err := testDB.CreateNote(ctx, model.Note{
		Namespace: "rank-ns", Title: "Owner Secret",
		Content:    "typescript guide draft, not for sharing",
		Visibility: model.VisibilityPrivate, UserEmail: owner,
	})
	require.NoError(t, err)

	embedNote(t, guide.ID, 0)    // on the query axis
	embedNote(t, tutorial.ID, 1) // orthogonal
	embedNote(t, secret.ID, 0)

	engine := NewEngine(testDB, axisProvider{axis: 0}, Config{}, testutil.TestLogger())
	resp, err := engine.Search(ctx, Query{
		Caller: caller, Text: "typescript guide",
		Namespaces: []string{"rank-ns"}, Sources: []Source{SourceNote},
	})
	require.NoError(t, err)

	assert.Equal(t, Weights{Vector: DefaultVectorWeight, Text: DefaultTextWeight}, resp.Weights)
	require.LessOrEqual(t, len(resp.Results), 2)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, guide.ID, resp.Results[0].ID, "on-axis guide outranks the tutorial")
	assert.False(t, resultIDs(resp)[secret.ID], "private note never leaks into ranking")

	// Without a provider the same query degrades to text-only.
	textOnly := NewEngine(testDB, nil, Config{}, testutil.TestLogger())
	resp, err = textOnly.Search(ctx, Query{
		Caller: caller, Text: "typescript guide",
		Namespaces: []string{"rank-ns"}, Sources: []Source{SourceNote},
	})
	require.NoError(t, err)
	assert.Equal(t, TypeText, resp.SearchType)
	assert.False(t, resultIDs(resp)[secret.ID])
}
