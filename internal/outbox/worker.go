package outbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/troykelly/openclaw-projects-sub012/internal/model"
	"github.com/troykelly/openclaw-projects-sub012/internal/ratelimit"
	"github.com/troykelly/openclaw-projects-sub012/internal/telemetry"
)

// Delivery policy defaults (overridable via Config).
const (
	DefaultMaxAttempts  = 12
	DefaultBackoffBase  = 30 * time.Second
	DefaultBackoffCap   = time.Hour
	DefaultBatchSize    = 25
	DefaultPollInterval = 2 * time.Second
	DefaultHTTPTimeout  = 10 * time.Second
)

// Config controls the delivery worker.
type Config struct {
	BaseURL      string // gateway base, e.g. https://gateway.example.com
	HookToken    string // optional bearer token
	HMACSecret   string // signing secret for X-Hook-Signature
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	BatchSize    int
	PollInterval time.Duration
	HTTPTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	return c
}

// Worker polls the outbox table and delivers rows to the gateway.
type Worker struct {
	store   *Store
	guard   *SSRFGuard
	limiter ratelimit.Limiter
	client  *http.Client
	logger  *slog.Logger
	cfg     Config

	delivered  metric.Int64Counter
	deadLetter metric.Int64Counter

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewWorker creates a delivery worker. limiter may be a NoopLimiter.
func NewWorker(store *Store, guard *SSRFGuard, limiter ratelimit.Limiter, logger *slog.Logger, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	meter := telemetry.Meter("projects/outbox")
	delivered, _ := meter.Int64Counter("projects.outbox.delivered",
		metric.WithDescription("Webhook deliveries that received a 2xx"))
	deadLetter, _ := meter.Int64Counter("projects.outbox.dead_letter",
		metric.WithDescription("Outbox rows terminally failed"))
	return &Worker{
		store:      store,
		guard:      guard,
		limiter:    limiter,
		client:     &http.Client{Timeout: cfg.HTTPTimeout},
		logger:     logger,
		cfg:        cfg,
		delivered:  delivered,
		deadLetter: deadLetter,
		done:       make(chan struct{}),
		drainCh:    make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. Safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining due rows, and
// blocks until done or the context expires.
func (w *Worker) Drain(ctx context.Context) {
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("outbox: drain timed out")
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	// Lock window exceeds the 30s batch timeout so a second worker
	// never picks up rows still mid-delivery here.
	msgs, err := w.store.claimBatch(ctx, w.cfg.BatchSize, 60*time.Second)
	if err != nil {
		w.logger.Error("outbox: claim batch", "error", err)
		return
	}
	for _, msg := range msgs {
		w.deliver(ctx, msg)
	}
}

// deliver performs one delivery attempt and settles the row.
func (w *Worker) deliver(ctx context.Context, msg model.OutboxMessage) {
	target, err := w.resolveURL(msg.Destination)
	if err != nil {
		w.settleDeadLetter(ctx, msg, nil, blockedDestination)
		return
	}

	if err := w.guard.Check(ctx, target); err != nil {
		if strings.Contains(err.Error(), blockedDestination) {
			w.logger.Warn("outbox: destination blocked", "id", msg.ID, "destination", msg.Destination)
			w.settleDeadLetter(ctx, msg, nil, blockedDestination)
			return
		}
		// DNS trouble is transient.
		w.settleRetry(ctx, msg, nil, err.Error())
		return
	}

	if key := hostOf(target); key != "" {
		if ok, _ := w.limiter.Allow(ctx, key); !ok {
			// Budget spent for this host; leave the row for the next poll.
			w.settleRetry(ctx, msg, nil, "rate limited")
			return
		}
	}

	status, err := w.post(ctx, target, msg)
	switch {
	case err != nil:
		w.settleRetry(ctx, msg, nil, err.Error())
	case status >= 200 && status < 300:
		if err := w.store.markDelivered(ctx, msg.ID, status); err != nil {
			w.logger.Error("outbox: mark delivered", "id", msg.ID, "error", err)
			return
		}
		w.delivered.Add(ctx, 1)
		w.logger.Info("outbox: delivered", "id", msg.ID, "kind", msg.Kind, "status", status)
	case retryableStatus(status):
		w.settleRetry(ctx, msg, &status, fmt.Sprintf("status %d", status))
	default:
		// Remaining 4xx: the gateway rejected the message for good.
		w.settleDeadLetter(ctx, msg, &status, fmt.Sprintf("status %d", status))
	}
}

func (w *Worker) post(ctx context.Context, target string, msg model.OutboxMessage) (int, error) {
	now := time.Now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(msg.Body))
	if err != nil {
		return 0, fmt.Errorf("outbox: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hook-Timestamp", strconv.FormatInt(now, 10))
	req.Header.Set("X-Hook-Signature", Sign(w.cfg.HMACSecret, now, msg.Body))
	req.Header.Set("X-Hook-Idempotency", msg.IdempotencyKey)
	if w.cfg.HookToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.HookToken)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("outbox: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, nil
}

func (w *Worker) settleRetry(ctx context.Context, msg model.OutboxMessage, status *int, errMsg string) {
	// attempts is pre-increment here; the row update adds one.
	if msg.Attempts+1 >= w.cfg.MaxAttempts {
		w.settleDeadLetter(ctx, msg, status, errMsg)
		return
	}
	delay := DeliveryBackoff(w.cfg.BackoffBase, w.cfg.BackoffCap, msg.Attempts+1)
	if err := w.store.markRetry(ctx, msg.ID, status, errMsg, delay); err != nil {
		w.logger.Error("outbox: mark retry", "id", msg.ID, "error", err)
		return
	}
	w.logger.Warn("outbox: delivery failed, will retry",
		"id", msg.ID, "kind", msg.Kind, "attempts", msg.Attempts+1, "delay", delay, "error", errMsg)
}

func (w *Worker) settleDeadLetter(ctx context.Context, msg model.OutboxMessage, status *int, errMsg string) {
	if err := w.store.markDeadLetter(ctx, msg.ID, status, errMsg); err != nil {
		w.logger.Error("outbox: mark dead letter", "id", msg.ID, "error", err)
		return
	}
	w.deadLetter.Add(ctx, 1)
	w.logger.Warn("outbox: dead-letter",
		"id", msg.ID, "kind", msg.Kind, "attempts", msg.Attempts+1, "error", errMsg)
}

// resolveURL joins the destination with the configured base URL.
// Absolute destinations are used as-is (still subject to the SSRF guard).
func (w *Worker) resolveURL(destination string) (string, error) {
	if strings.HasPrefix(destination, "http://") || strings.HasPrefix(destination, "https://") {
		return destination, nil
	}
	base, err := url.Parse(w.cfg.BaseURL)
	if err != nil || base.Host == "" {
		return "", fmt.Errorf("outbox: invalid base URL %q", w.cfg.BaseURL)
	}
	ref, err := url.Parse(destination)
	if err != nil {
		return "", fmt.Errorf("outbox: invalid destination %q: %w", destination, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// retryableStatus reports whether an HTTP status warrants another attempt.
// 408 and 429 are the only retryable 4xx codes.
func retryableStatus(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

// DeliveryBackoff returns the delay before attempt n (1-based):
// min(cap, base * 2^(n-1)) + uniform jitter in [0, base).
func DeliveryBackoff(base, cap time.Duration, n int) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if cap <= 0 {
		cap = DefaultBackoffCap
	}
	if n < 1 {
		n = 1
	}
	d := base
	for range n - 1 {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	jitter := time.Duration(rand.Int64N(int64(base))) //nolint:gosec // jitter doesn't need crypto-strength randomness
	return d + jitter
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// registerMetrics registers the observable depth gauge.
func (w *Worker) registerMetrics() {
	meter := telemetry.Meter("projects/outbox")

	_, _ = meter.Int64ObservableGauge("projects.outbox.depth",
		metric.WithDescription("Undelivered, non-dead-lettered outbox rows"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			depth, err := w.store.Depth(ctx)
			if err != nil {
				return nil // Non-fatal: skip this observation.
			}
			o.Observe(depth)
			return nil
		}),
	)
}
