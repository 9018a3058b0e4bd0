package search

import (
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestQueryDefaults(t *testing.T) {
	q := Query{Text: "typescript guide"}.withDefaults()
	assert.Equal(t, 20, q.Limit)
	assert.Zero(t, q.Offset)
	assert.Equal(t, DefaultVectorWeight, q.VectorWeight)
	assert.Equal(t, DefaultTextWeight, q.TextWeight)
	assert.ElementsMatch(t, []Source{SourceMemory, SourceNote}, q.Sources)

	clamped := Query{Limit: 500}.withDefaults()
	assert.Equal(t, 100, clamped.Limit)

	negOffset := Query{Offset: -3}.withDefaults()
	assert.Zero(t, negOffset.Offset)

	// Explicit weights survive untouched; they need not sum to 1.
	weighted := Query{VectorWeight: 0.9, TextWeight: 0.4}.withDefaults()
	assert.Equal(t, 0.9, weighted.VectorWeight)
	assert.Equal(t, 0.4, weighted.TextWeight)
}

func TestClassifySearchType(t *testing.T) {
	assert.Equal(t, TypeText, classifySearchType(false, 5, 0))
	assert.Equal(t, TypeHybrid, classifySearchType(true, 5, 5))
	assert.Equal(t, TypeHybrid, classifySearchType(true, 5, 0))
	assert.Equal(t, TypeVector, classifySearchType(true, 0, 5))
	assert.Equal(t, TypeHybrid, classifySearchType(true, 0, 0))
}

func TestPageWindow(t *testing.T) {
	ranked := make([]Result, 5)
	for i := range ranked {
		ranked[i].ID = uuid.New()
	}

	window := page(ranked, 2, 2)
	assert.Equal(t, []Result{ranked[2], ranked[3]}, window)

	tail := page(ranked, 4, 10)
	assert.Equal(t, []Result{ranked[4]}, tail)

	assert.Nil(t, page(ranked, 5, 10), "offset past the end is empty")
}

func TestTitleBoostConfigurable(t *testing.T) {
	logger := slog.Default()
	boosted := NewEngine(nil, nil, Config{TitleBoost: 0.4}, logger)
	stock := NewEngine(nil, nil, Config{}, logger)
	assert.Equal(t, DefaultTitleBoost, stock.titleBoost)

	lex := []candidate{{
		Result: Result{Source: SourceMemory, ID: uuid.New(), Title: "Deploy runbook"},
		raw:    1.5,
	}}
	q := Query{TextWeight: 0.5}

	got := boosted.blend(lex, nil, []string{"deploy"}, q)
	assert.InDelta(t, 0.9, got[0].CombinedScore, 1e-9, "0.5 text + 0.4 boost")

	got = stock.blend(lex, nil, []string{"deploy"}, q)
	assert.InDelta(t, 0.5+DefaultTitleBoost, got[0].CombinedScore, 1e-9)

	got = stock.blend(lex, nil, []string{"unrelated"}, q)
	assert.InDelta(t, 0.5, got[0].CombinedScore, 1e-9, "no boost without a title match")
}
