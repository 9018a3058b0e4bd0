package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/troykelly/openclaw-projects-sub012/internal/model"
	"github.com/troykelly/openclaw-projects-sub012/internal/storage"
)

// Backfiller embeds memories and notes whose vectors are missing, a
// batch at a time. It is the only runtime writer of embeddings: rows
// enter the pending state on insert or content change and leave it here.
type Backfiller struct {
	db       *storage.DB
	provider Provider
	logger   *slog.Logger
}

// NewBackfiller wires a provider to the pending-embedding queue.
func NewBackfiller(db *storage.DB, provider Provider, logger *slog.Logger) *Backfiller {
	return &Backfiller{db: db, provider: provider, logger: logger}
}

// Run drains the pending set. Returns how many rows were embedded.
func (b *Backfiller) Run(ctx context.Context) (int, error) {
	const batch = 100
	total := 0
	for {
		pending, err := b.db.ListPendingEmbeddings(ctx, batch)
		if err != nil {
			return total, err
		}
		if len(pending) == 0 {
			return total, nil
		}
		texts := make([]string, len(pending))
		for i, p := range pending {
			texts[i] = p.Title + "\n" + p.Content
		}
		vecs, err := b.provider.EmbedBatch(ctx, texts)
		if err != nil {
			return total, fmt.Errorf("embedding: backfill batch: %w", err)
		}
		for i, p := range pending {
			v := vecs[i]
			if err := b.db.SetEmbedding(ctx, p, &v, model.EmbeddingComplete); err != nil {
				return total, err
			}
			total++
		}
		if len(pending) < batch {
			return total, nil
		}
	}
}

// RunLoop drains once immediately, then on every tick until ctx is
// cancelled. Provider failures are logged and retried next tick.
func (b *Backfiller) RunLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := b.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Warn("embedding backfill failed", "error", err)
		} else if n > 0 {
			b.logger.Info("embeddings backfilled", "count", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
