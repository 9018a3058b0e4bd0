package embedding

import (
	"context"
	"os"
	"testing"

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

// unitProvider returns a fixed unit vector for every input.
type unitProvider struct{ dims int }

func (p unitProvider) Dimensions() int { return p.dims }

func (p unitProvider) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	v := make([]float32, p.dims)
	v[0] = 1
	return pgvector.NewVector(v), nil
}

func (p unitProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i := range vecs {
		vecs[i], _ = p.Embed(ctx, texts[i])
	}
	return vecs, nil
}

func TestBackfillerEmbedsMemoriesAndNotes(t *testing.T) {
	ctx := context.Background()

	mem, err := testDB.CreateMemory(ctx, model.Memory{
		Namespace: "bf-ns", MemoryType: model.MemoryFact,
		Title: "Release cadence", Content: "we ship on tuesdays",
		UserEmail: "bf-owner@example.com",
	})
	require.NoError(t, err)

	note, err := testDB.CreateNote(ctx, model.Note{
		Namespace: "bf-ns", Title: "Oncall handover", Content: "pager notes",
		Visibility: model.VisibilityShared,
		UserEmail:  "bf-owner@example.com",
	})
	require.NoError(t, err)

	hidden, err := testDB.CreateNote(ctx, model.Note{
		Namespace: "bf-ns", Title: "Diary", Content: "keep out",
		Visibility: model.VisibilityPrivate, HideFromAgents: true,
		UserEmail: "bf-owner@example.com",
	})
	require.NoError(t, err)

	b := NewBackfiller(testDB, unitProvider{dims: 1024}, testutil.TestLogger())
	n, err := b.Run(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2, "memory and note both embedded")

	gotMem, err := testDB.GetMemory(ctx, mem.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EmbeddingComplete, gotMem.EmbeddingStatus)
	assert.NotNil(t, gotMem.Embedding)

	gotNote, err := testDB.GetNote(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EmbeddingComplete, gotNote.EmbeddingStatus)
	assert.NotNil(t, gotNote.Embedding)

	gotHidden, err := testDB.GetNote(ctx, hidden.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EmbeddingSkipped, gotHidden.EmbeddingStatus)
	assert.Nil(t, gotHidden.Embedding, "hidden private notes are never embedded")

	// A drained queue is a no-op on the next run.
	n, err = b.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
