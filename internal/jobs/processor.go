package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/troykelly/openclaw-projects-sub012/internal/model"
	"github.com/troykelly/openclaw-projects-sub012/internal/notify"
	"github.com/troykelly/openclaw-projects-sub012/internal/outbox"
	"github.com/troykelly/openclaw-projects-sub012/internal/telemetry"
)

// ProcessorConfig tunes the worker pool.
type ProcessorConfig struct {
	// Workers is the number of concurrent claim loops. Default 4.
	Workers int
	// BatchSize is how many jobs one claim fetches. Default 10.
	BatchSize int
	// LockDuration must exceed the handler timeout so a live worker
	// never loses its lock mid-job. Default 60s.
	LockDuration time.Duration
	// PollInterval is the sleep between claims when the queue is empty.
	// Default 1s.
	PollInterval time.Duration
	// HandlerTimeout bounds a single job execution. Default 30s.
	HandlerTimeout time.Duration
	// MaxAttempts before a failing job is dead-lettered. Default 10.
	MaxAttempts int
	// BackoffBase and BackoffCap shape the retry schedule.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.LockDuration <= 0 {
		c.LockDuration = time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultRetryBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultRetryCap
	}
	return c
}

// Processor drains the job queue with a pool of claim loops.
//
// Outcome mapping: nil and ErrSkip complete the job; notify.ErrDeferred
// reschedules it without burning an attempt; a Terminal error or the
// attempt ceiling completes it and writes a dead-letter notification to
// the outbox; anything else retries with exponential backoff.
type Processor struct {
	store    *Store
	registry *Registry
	outbox   *outbox.Store
	pool     *pgxpool.Pool
	cfg      ProcessorConfig
	logger   *slog.Logger

	processed metric.Int64Counter
	failed    metric.Int64Counter
}

// NewProcessor wires a worker pool over the store and registry.
func NewProcessor(store *Store, registry *Registry, ob *outbox.Store, pool *pgxpool.Pool, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	p := &Processor{
		store:    store,
		registry: registry,
		outbox:   ob,
		pool:     pool,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
	meter := telemetry.Meter("jobs")
	p.processed, _ = meter.Int64Counter("jobs.processed",
		metric.WithDescription("Jobs settled, by kind and outcome"))
	p.failed, _ = meter.Int64Counter("jobs.failed",
		metric.WithDescription("Job attempts that ended in error, by kind"))
	return p
}

// Run starts the worker pool and blocks until ctx is cancelled. Workers
// finish the batch they hold before returning, so locks are released
// cleanly on shutdown.
func (p *Processor) Run(ctx context.Context) error {
	p.registerMetrics()
	p.logger.Info("job processor starting",
		"workers", p.cfg.Workers, "batch_size", p.cfg.BatchSize, "kinds", p.registry.Kinds())

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			p.workerLoop(ctx, workerID)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("job processor stopped")
	return err
}

func (p *Processor) workerLoop(ctx context.Context, workerID string) {
	for {
		n, err := p.processBatch(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("job batch failed", "worker", workerID, "error", err)
		}
		if n > 0 {
			continue // drain without sleeping while jobs are due
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// processBatch claims and runs one batch, returning the claim size.
func (p *Processor) processBatch(ctx context.Context, workerID string) (int, error) {
	if ctx.Err() != nil {
		return 0, nil
	}
	claimed, err := p.store.Claim(ctx, workerID, p.cfg.BatchSize, p.cfg.LockDuration)
	if err != nil {
		return 0, err
	}
	for _, job := range claimed {
		p.runJob(ctx, workerID, job)
	}
	return len(claimed), nil
}

func (p *Processor) runJob(ctx context.Context, workerID string, job model.Job) {
	handler, ok := p.registry.Lookup(job.Kind)
	if !ok {
		// Nothing will ever handle it; retrying is pointless.
		p.settleTerminal(ctx, workerID, job, fmt.Errorf("no handler registered for kind %q", job.Kind))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.HandlerTimeout)
	err := handler.Handle(jobCtx, job)
	cancel()

	switch {
	case err == nil:
		p.settleDone(ctx, workerID, job, "ok")

	case errors.Is(err, ErrSkip):
		p.settleDone(ctx, workerID, job, "skipped")

	case isDeferred(err):
		var deferred *notify.ErrDeferred
		errors.As(err, &deferred)
		if rerr := p.store.Reschedule(ctx, job.ID, workerID, deferred.Delay); rerr != nil && !errors.Is(rerr, ErrLockLost) {
			p.logger.Error("job reschedule failed", "job_id", job.ID, "error", rerr)
		}
		p.logger.Info("job deferred", "job_id", job.ID, "kind", job.Kind, "delay", deferred.Delay)
		p.count(ctx, job.Kind, "deferred")

	case IsTerminal(err):
		p.settleTerminal(ctx, workerID, job, err)

	case job.Attempts+1 >= p.cfg.MaxAttempts:
		p.settleTerminal(ctx, workerID, job, fmt.Errorf("attempts exhausted: %w", err))

	default:
		delay := Backoff(p.cfg.BackoffBase, p.cfg.BackoffCap, job.Attempts)
		if ferr := p.store.Fail(ctx, job.ID, workerID, err.Error(), delay); ferr != nil && !errors.Is(ferr, ErrLockLost) {
			p.logger.Error("job fail update failed", "job_id", job.ID, "error", ferr)
		}
		p.logger.Warn("job failed, will retry",
			"job_id", job.ID, "kind", job.Kind, "attempt", job.Attempts+1, "delay", delay, "error", err)
		p.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", job.Kind)))
	}
}

func (p *Processor) settleDone(ctx context.Context, workerID string, job model.Job, outcome string) {
	err := p.store.Complete(ctx, job.ID, workerID)
	if errors.Is(err, ErrLockLost) {
		// Another worker re-ran it after our lock expired; its result stands.
		p.logger.Warn("job lock lost", "job_id", job.ID, "kind", job.Kind)
		return
	}
	if err != nil {
		p.logger.Error("job complete failed", "job_id", job.ID, "error", err)
		return
	}
	p.count(ctx, job.Kind, outcome)
}

// settleTerminal completes the job and records a dead-letter
// notification so an operator-facing agent hears about the loss.
func (p *Processor) settleTerminal(ctx context.Context, workerID string, job model.Job, cause error) {
	body := model.HookBody{
		Kind: model.OutboxDeadLetterJob,
		Context: map[string]any{
			"job_id":   job.ID.String(),
			"job_kind": job.Kind,
			"attempts": job.Attempts + 1,
			"error":    cause.Error(),
		},
		OccurredAt: time.Now().UTC(),
	}
	if _, err := p.outbox.Enqueue(ctx, p.pool, model.OutboxDeadLetterJob, model.HookAgent, "",
		body, "dead_letter:"+job.ID.String()); err != nil {
		p.logger.Error("dead-letter enqueue failed", "job_id", job.ID, "error", err)
	}

	err := p.store.Complete(ctx, job.ID, workerID)
	if err != nil && !errors.Is(err, ErrLockLost) {
		p.logger.Error("job complete failed", "job_id", job.ID, "error", err)
	}
	p.logger.Error("job dead-lettered", "job_id", job.ID, "kind", job.Kind, "error", cause)
	p.count(ctx, job.Kind, "dead_letter")
}

func (p *Processor) count(ctx context.Context, kind, outcome string) {
	p.processed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

func isDeferred(err error) bool {
	var deferred *notify.ErrDeferred
	return errors.As(err, &deferred)
}

func (p *Processor) registerMetrics() {
	meter := telemetry.Meter("jobs")
	gauge, err := meter.Int64ObservableGauge("jobs.pending",
		metric.WithDescription("Non-completed jobs, by kind"))
	if err != nil {
		p.logger.Warn("pending gauge unavailable", "error", err)
		return
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		counts, err := p.store.PendingCounts(ctx)
		if err != nil {
			return err
		}
		for kind, n := range counts {
			o.ObserveInt64(gauge, n, metric.WithAttributes(attribute.String("kind", kind)))
		}
		return nil
	}, gauge)
	if err != nil {
		p.logger.Warn("pending gauge callback registration failed", "error", err)
	}
}
