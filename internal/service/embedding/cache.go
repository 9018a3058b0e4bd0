package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pgvector/pgvector-go"
)

// queryCacheTTL bounds how long a query embedding is reused. Query text
// repeats heavily (agents re-run the same searches), so a short cache
// removes most provider round trips without growing stale.
const queryCacheTTL = 5 * time.Minute

// Cached wraps a Provider with an in-memory TTL cache keyed on
// normalized input text. Intended for query-time embedding where the
// same text recurs; document ingestion should call the inner provider
// directly via EmbedBatch.
type Cached struct {
	inner Provider
	cache *gocache.Cache
}

// NewCached wraps provider with a 5-minute query cache.
func NewCached(provider Provider) *Cached {
	return &Cached{
		inner: provider,
		cache: gocache.New(queryCacheTTL, 10*time.Minute),
	}
}

// Dimensions returns the inner provider's vector size.
func (c *Cached) Dimensions() int {
	return c.inner.Dimensions()
}

// Embed returns a cached embedding when the normalized text was seen
// within the TTL, otherwise delegates to the inner provider.
func (c *Cached) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	key := cacheKey(text)
	if v, ok := c.cache.Get(key); ok {
		return v.(pgvector.Vector), nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	c.cache.Set(key, vec, gocache.DefaultExpiration)
	return vec, nil
}

// EmbedBatch bypasses the cache; batch calls are ingestion paths where
// inputs rarely repeat.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	return c.inner.EmbedBatch(ctx, texts)
}

func cacheKey(text string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(text), " "))
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}
