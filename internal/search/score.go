package search

import (
	"strings"
)

// Default blend weights. They intentionally do not sum to 1; the
// combined score is capped at 1 after the title boost instead.
const (
	DefaultVectorWeight = 0.7
	DefaultTextWeight   = 0.3
	DefaultTitleBoost   = 0.05
)

// normalizeScores min/max-normalizes raw scores in place to [0,1]
// within one result set. A set where every score is equal maps to 1:
// each row was the best its space could offer.
func normalizeScores(raw []float64) []float64 {
	if len(raw) == 0 {
		return nil
	}
	minV, maxV := raw[0], raw[0]
	for _, s := range raw[1:] {
		if s < minV {
			minV = s
		}
		if s > maxV {
			maxV = s
		}
	}
	out := make([]float64, len(raw))
	if maxV == minV {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	span := maxV - minV
	for i, s := range raw {
		out[i] = (s - minV) / span
	}
	return out
}

// combineScores blends the normalized per-space scores. A side the row
// never appeared in contributes 0.
func combineScores(vectorWeight, textWeight float64, vec, text *float64) float64 {
	var s float64
	if vec != nil {
		s += vectorWeight * *vec
	}
	if text != nil {
		s += textWeight * *text
	}
	return s
}

// titleMatchesQuery reports whether any query token or row tag appears
// in the title. Case-insensitive substring match; tokens shorter than
// two runes are ignored as noise.
func titleMatchesQuery(title string, tokens, tags []string) bool {
	lower := strings.ToLower(title)
	for _, tok := range tokens {
		if len(tok) >= 2 && strings.Contains(lower, strings.ToLower(tok)) {
			return true
		}
	}
	for _, tag := range tags {
		if len(tag) >= 2 && strings.Contains(lower, strings.ToLower(tag)) {
			return true
		}
	}
	return false
}
