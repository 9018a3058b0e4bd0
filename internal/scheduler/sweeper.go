package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/troykelly/openclaw-projects-sub012/internal/guard"
	"github.com/troykelly/openclaw-projects-sub012/internal/jobs"
	"github.com/troykelly/openclaw-projects-sub012/internal/model"
	"github.com/troykelly/openclaw-projects-sub012/internal/storage"
)

// SweeperConfig tunes the cron loop.
type SweeperConfig struct {
	// Interval between sweeps. Default 1 minute.
	Interval time.Duration
	// DigestHour is the UTC hour at which daily digests are enqueued.
	// Negative disables digests. Default 7.
	DigestHour int
	// SweepLimit bounds how many work items one sweep reconciles. Default 500.
	SweepLimit int
	// SourceBatch bounds how many due API sources one sweep enqueues. Default 50.
	SourceBatch int
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = 500
	}
	if c.SourceBatch <= 0 {
		c.SourceBatch = 50
	}
	return c
}

// Sweeper is the cron half of the scheduler: it re-derives jobs from
// current state (covering jobs lost to crashes between the business
// write and the sweep window), fires the daily digest, enqueues API
// refreshes on their cadence, and purges expired guard rows.
type Sweeper struct {
	db       *storage.DB
	jobs     *jobs.Store
	enqueuer *Enqueuer
	dedup    *guard.Dedup
	rate     *guard.Rate
	cfg      SweeperConfig
	logger   *slog.Logger

	// lastDigestDate is the most recent date whose digest this sweeper
	// saw enqueued. Only touched from the sweep loop.
	lastDigestDate string
}

// NewSweeper wires the sweep loop.
func NewSweeper(db *storage.DB, store *jobs.Store, enq *Enqueuer, dedup *guard.Dedup, rate *guard.Rate, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		db:       db,
		jobs:     store,
		enqueuer: enq,
		dedup:    dedup,
		rate:     rate,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Run ticks until ctx is cancelled. An immediate first sweep runs on
// start so a restart converges without waiting a full interval.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs every scheduled concern once. Each concern logs and
// continues on error; one broken table must not starve the others.
func (s *Sweeper) sweep(ctx context.Context) {
	now := time.Now()
	if err := s.reconcileWorkItems(ctx, now); err != nil {
		s.logger.Error("work item sweep failed", "error", err)
	}
	if err := s.enqueueDigest(ctx, now); err != nil {
		s.logger.Error("digest enqueue failed", "error", err)
	}
	if err := s.enqueueRefreshes(ctx, now); err != nil {
		s.logger.Error("api refresh enqueue failed", "error", err)
	}
	s.purgeGuards(ctx)
}

// reconcileWorkItems re-syncs jobs for every item with an upcoming
// date. Normal operation makes every enqueue here a duplicate-key
// no-op; it only does real work after a job row was lost.
func (s *Sweeper) reconcileWorkItems(ctx context.Context, now time.Time) error {
	items, err := storage.ListWorkItemsWithUpcomingDates(ctx, s.db.Pool(), now, s.cfg.SweepLimit)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := s.enqueuer.SyncWorkItem(ctx, s.db.Pool(), item); err != nil {
			s.logger.Error("work item resync failed", "work_item_id", item.ID, "error", err)
		}
	}
	return nil
}

// enqueueDigest fires one digest.daily job per calendar day once the
// configured hour is reached. The pending-only unique index stops
// collapsing duplicates after the job completes, so later ticks first
// check whether the day's job already ran before inserting.
func (s *Sweeper) enqueueDigest(ctx context.Context, now time.Time) error {
	if s.cfg.DigestHour < 0 {
		return nil
	}
	utc := now.UTC()
	if utc.Hour() < s.cfg.DigestHour {
		return nil
	}
	date := utc.Format("2006-01-02")
	if date == s.lastDigestDate {
		return nil
	}
	key := "digest:" + date
	exists, err := s.jobs.ExistsWithKey(ctx, s.db.Pool(), model.JobDigestDaily, key)
	if err != nil {
		return err
	}
	if exists {
		s.lastDigestDate = date
		return nil
	}
	inserted, err := s.jobs.Enqueue(ctx, s.db.Pool(), model.JobDigestDaily, now,
		model.DigestPayload{Date: date}, key)
	if err != nil {
		return err
	}
	s.lastDigestDate = date
	if inserted {
		s.logger.Info("digest enqueued", "date", date)
	}
	return nil
}

// enqueueRefreshes enqueues api.refresh for every source whose cadence
// elapsed. ListDueAPISources advances next_refresh_at under SKIP
// LOCKED, so concurrent sweepers split the set instead of doubling it.
func (s *Sweeper) enqueueRefreshes(ctx context.Context, now time.Time) error {
	due, err := s.db.ListDueAPISources(ctx, now, s.cfg.SourceBatch)
	if err != nil {
		return err
	}
	for _, src := range due {
		key := fmt.Sprintf("%s:refresh:%s", src.ID, src.NextRefreshAt.UTC().Format(time.RFC3339))
		if _, err := s.jobs.Enqueue(ctx, s.db.Pool(), model.JobAPIRefresh, now,
			model.APIRefreshPayload{APISourceID: src.ID}, key); err != nil {
			s.logger.Error("api refresh enqueue failed", "api_source_id", src.ID, "error", err)
		}
	}
	return nil
}

func (s *Sweeper) purgeGuards(ctx context.Context) {
	if _, err := s.dedup.Purge(ctx, s.db.Pool()); err != nil {
		s.logger.Warn("dedup purge failed", "error", err)
	}
	if _, err := s.rate.PurgeCounters(ctx, s.db.Pool()); err != nil {
		s.logger.Warn("rate counter purge failed", "error", err)
	}
}
