// Command projectsd runs the background core: job processor, scheduler
// sweep, and webhook outbox delivery over a shared Postgres.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/troykelly/openclaw-projects-sub012/internal/config"
	"github.com/troykelly/openclaw-projects-sub012/internal/guard"
	"github.com/troykelly/openclaw-projects-sub012/internal/jobs"
	"github.com/troykelly/openclaw-projects-sub012/internal/model"
	"github.com/troykelly/openclaw-projects-sub012/internal/notify"
	"github.com/troykelly/openclaw-projects-sub012/internal/outbox"
	"github.com/troykelly/openclaw-projects-sub012/internal/ratelimit"
	"github.com/troykelly/openclaw-projects-sub012/internal/scheduler"
	"github.com/troykelly/openclaw-projects-sub012/internal/search"
	"github.com/troykelly/openclaw-projects-sub012/internal/service/embedding"
	"github.com/troykelly/openclaw-projects-sub012/internal/storage"
	"github.com/troykelly/openclaw-projects-sub012/internal/telemetry"
	"github.com/troykelly/openclaw-projects-sub012/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("PROJECTS_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("projectsd starting", "version", version, "workers", cfg.Workers)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Embedding provider. The processor and search keep working without
	// one; search just runs text-only.
	provider := newEmbeddingProvider(cfg, logger)
	var queryEmbedder embedding.Provider
	if _, noop := provider.(*embedding.NoopProvider); !noop {
		queryEmbedder = embedding.NewCached(provider)
	}

	engine := search.NewEngine(db, queryEmbedder, search.Config{
		TitleBoost: cfg.SearchTextBoost,
	}, logger)

	// Guards and emitter.
	dedup := guard.NewDedup(cfg.DedupWindow)
	rate := guard.NewRate(cfg.RateWindow, map[string]int{
		model.ChannelWebhook: cfg.WebhooksPerMin,
	})

	outboxStore := outbox.NewStore(db.Pool())
	emitter := notify.NewEmitter(db, outboxStore, dedup, rate, logger)

	// Outbox delivery worker.
	ssrfGuard, err := outbox.NewSSRFGuard(cfg.OutboxAllowNets)
	if err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	limiter := ratelimit.NewMemoryLimiter(cfg.DispatchRate, cfg.DispatchBurst)
	defer func() { _ = limiter.Close() }()

	worker := outbox.NewWorker(outboxStore, ssrfGuard, limiter, logger, outbox.Config{
		BaseURL:    cfg.GatewayBaseURL,
		HookToken:  cfg.HookToken,
		HMACSecret: cfg.HMACSecret,
	})
	worker.Start(ctx)

	// Job pipeline.
	jobStore := jobs.NewStore(db.Pool())
	registry := jobs.NewRegistry()
	jobs.NewHandlers(db, emitter, engine, outboxStore, logger).Register(registry)
	processor := jobs.NewProcessor(jobStore, registry, outboxStore, db.Pool(), jobs.ProcessorConfig{
		Workers:      cfg.Workers,
		BatchSize:    cfg.JobBatchSize,
		LockDuration: cfg.JobLockFor,
		PollInterval: cfg.JobPollEvery,
		MaxAttempts:  cfg.JobMaxAttempts,
	}, logger)

	enqueuer := scheduler.NewEnqueuer(jobStore, logger)
	sweeper := scheduler.NewSweeper(db, jobStore, enqueuer, dedup, rate, scheduler.SweeperConfig{
		Interval:   cfg.SweepInterval,
		DigestHour: cfg.DigestHour,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	// Embed memories and notes as they enter the pending state. The noop
	// provider writes inert vectors, so it never backfills.
	if queryEmbedder != nil {
		backfiller := embedding.NewBackfiller(db, provider, logger)
		g.Go(func() error { return backfiller.RunLoop(gctx, cfg.SweepInterval) })
	}
	err = g.Wait()

	// Flush remaining due webhook rows before exiting.
	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	worker.Drain(drainCtx)
	cancel()

	return err
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if key present, else noop.
// Ollama is preferred: embeddings stay on-premises with no external API costs.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when PROJECTS_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
	case "noop":
		logger.Info("embedding provider: noop (search degrades to text-only)")
		return embedding.NewNoopProvider(dims)
	default: // auto
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto)", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto)", "model", cfg.EmbeddingModel)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		}
		logger.Info("embedding provider: noop (auto; search degrades to text-only)")
		return embedding.NewNoopProvider(dims)
	}
}

func ollamaReachable(baseURL string) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(baseURL + "/api/tags")
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
