// Package notify gates outbound notifications through the dedup, rate,
// and quiet-hour guards and writes the surviving ones to the webhook
// outbox. Quiet hours demote non-urgent notifications to the in-app
// channel rather than dropping them. Guards and outbox insert commit in
// one transaction so a crash can't burn a rate slot without recording
// the emit.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	gocache "github.com/patrickmn/go-cache"

	"github.com/troykelly/openclaw-projects-sub012/internal/guard"
	"github.com/troykelly/openclaw-projects-sub012/internal/model"
	"github.com/troykelly/openclaw-projects-sub012/internal/outbox"
	"github.com/troykelly/openclaw-projects-sub012/internal/storage"
)

// ErrDeferred reports that the recipient's rate window is exhausted.
// The caller should re-run the originating job after Delay.
type ErrDeferred struct {
	Delay time.Duration
}

func (e *ErrDeferred) Error() string {
	return fmt.Sprintf("notify: rate limited, retry in %s", e.Delay)
}

// errRollback aborts the emit transaction without surfacing an error.
var errRollback = fmt.Errorf("notify: rollback")

// Skip reasons recorded when an emit is suppressed.
const SkipDuplicate = "duplicate"

// Request describes one outbound notification.
type Request struct {
	Kind           string
	Destination    string
	Recipient      string
	Context        map[string]any
	OccurredAt     time.Time
	IdempotencyKey string
	// DedupGrouping collapses notifications that should not repeat
	// within the dedup window, e.g. the work item ID.
	DedupGrouping string
	Urgency       model.Urgency
	Channel       string // defaults to webhook
}

// Result reports what happened to a request. Channel is the channel the
// notification actually went out on, which quiet hours may have demoted.
type Result struct {
	Emitted    bool
	Channel    string
	SkipReason string
}

// Emitter applies the guards and writes outbox rows.
type Emitter struct {
	db       *storage.DB
	outbox   *outbox.Store
	dedup    *guard.Dedup
	rate     *guard.Rate
	profiles *gocache.Cache
	logger   *slog.Logger
}

// NewEmitter wires the guards in front of the outbox store.
func NewEmitter(db *storage.DB, ob *outbox.Store, dedup *guard.Dedup, rate *guard.Rate, logger *slog.Logger) *Emitter {
	return &Emitter{
		db:       db,
		outbox:   ob,
		dedup:    dedup,
		rate:     rate,
		profiles: gocache.New(time.Minute, 5*time.Minute),
		logger:   logger,
	}
}

// Emit runs the guards and, if all pass, enqueues the outbox row.
// Returns ErrDeferred when the rate window is exhausted; every other
// suppression is a silent skip with a recorded reason.
func (e *Emitter) Emit(ctx context.Context, req Request) (Result, error) {
	if req.Channel == "" {
		req.Channel = model.ChannelWebhook
	}
	if req.Urgency == "" {
		req.Urgency = model.UrgencyNormal
	}
	if req.OccurredAt.IsZero() {
		req.OccurredAt = time.Now().UTC()
	}

	now := time.Now()
	profile, err := e.profile(ctx, req.Recipient)
	if err != nil {
		return Result{}, err
	}
	decision := guard.CheckQuietHours(profile, req.Urgency, req.Channel, now)
	if decision.Demoted {
		e.logger.Info("notify: quiet hours, demoted to in-app",
			"kind", req.Kind, "recipient", req.Recipient)
	}
	req.Channel = decision.Channel

	var res Result
	var deferred *ErrDeferred
	err = e.db.WithTx(ctx, func(tx pgx.Tx) error {
		ok, err := e.dedup.Reserve(ctx, tx, guard.DedupKey(req.Kind, req.Recipient, req.DedupGrouping))
		if err != nil {
			return err
		}
		if !ok {
			res = Result{SkipReason: SkipDuplicate}
			return nil
		}

		allowed, retryIn, err := e.rate.Reserve(ctx, tx, req.Recipient, req.Channel, now)
		if err != nil {
			return err
		}
		if !allowed {
			deferred = &ErrDeferred{Delay: retryIn}
			return errRollback // the dedup reservation must not stick
		}

		inserted, err := e.outbox.Enqueue(ctx, tx, req.Kind, req.Destination, req.Recipient,
			model.HookBody{Kind: req.Kind, Context: req.Context, OccurredAt: req.OccurredAt, Channel: req.Channel},
			req.IdempotencyKey,
		)
		if err != nil {
			return err
		}
		if !inserted {
			res = Result{SkipReason: SkipDuplicate}
			return nil
		}
		res = Result{Emitted: true, Channel: req.Channel}
		return nil
	})
	if deferred != nil {
		return Result{}, deferred
	}
	if errors.Is(err, errRollback) {
		err = nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("notify: emit %s: %w", req.Kind, err)
	}
	if res.SkipReason != "" {
		e.logger.Info("notify: skipped", "kind", req.Kind, "recipient", req.Recipient, "reason", res.SkipReason)
	}
	return res, nil
}

// profile returns the recipient's delivery profile through a short-lived
// cache; profile edits take effect within a minute.
func (e *Emitter) profile(ctx context.Context, email string) (model.AgentProfile, error) {
	if cached, ok := e.profiles.Get(email); ok {
		return cached.(model.AgentProfile), nil
	}
	p, err := e.db.GetProfile(ctx, email)
	if err != nil {
		return model.AgentProfile{}, err
	}
	e.profiles.Set(email, p, gocache.DefaultExpiration)
	return p, nil
}
