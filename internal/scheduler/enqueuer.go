// Package scheduler turns work-item dates and cron ticks into jobs.
//
// The Enqueuer runs inside the same transaction as the work-item write,
// so a committed mutation always has its reminder/nudge jobs and a
// rolled-back one never does. The Sweeper is a safety net: it re-derives
// the same jobs from current state on a timer, relying on idempotency
// keys to make re-enqueues no-ops.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/troykelly/openclaw-projects-sub012/internal/jobs"
	"github.com/troykelly/openclaw-projects-sub012/internal/model"
	"github.com/troykelly/openclaw-projects-sub012/internal/storage"
)

// Enqueuer maintains the reminder and nudge jobs for work items.
type Enqueuer struct {
	jobs   *jobs.Store
	logger *slog.Logger
}

// NewEnqueuer creates the enqueuer over the job store.
func NewEnqueuer(store *jobs.Store, logger *slog.Logger) *Enqueuer {
	return &Enqueuer{jobs: store, logger: logger}
}

// ReminderKey is the deterministic idempotency key for a not_before
// reminder. The timestamp is part of the key: moving the date mints a
// new key, and the stale job is retracted by prefix.
func ReminderKey(workItemID uuid.UUID, notBefore time.Time) string {
	return fmt.Sprintf("%s:not_before:%s", workItemID, notBefore.UTC().Format(time.RFC3339))
}

// NudgeKey is the deterministic idempotency key for a not_after nudge.
func NudgeKey(workItemID uuid.UUID, notAfter time.Time) string {
	return fmt.Sprintf("%s:not_after:%s", workItemID, notAfter.UTC().Format(time.RFC3339))
}

// SyncWorkItem reconciles the pending jobs for one work item against
// its current dates. Call inside the transaction that wrote the item.
// Idempotent: syncing an unchanged item is a pair of no-op upserts.
func (e *Enqueuer) SyncWorkItem(ctx context.Context, q storage.Querier, item model.WorkItem) error {
	now := time.Now()
	active := item.DeletedAt == nil && !item.Status.Terminal()

	keepReminder := ""
	if active && item.NotBefore != nil && item.NotBefore.After(now) {
		keepReminder = ReminderKey(item.ID, *item.NotBefore)
		_, err := e.jobs.Enqueue(ctx, q, model.JobReminderNotBefore, *item.NotBefore,
			model.ReminderPayload{WorkItemID: item.ID, NotBefore: item.NotBefore.UTC()}, keepReminder)
		if err != nil {
			return err
		}
	}
	err := e.jobs.CancelPendingByPrefix(ctx, q, model.JobReminderNotBefore,
		item.ID.String()+":not_before:", keepReminder)
	if err != nil {
		return err
	}

	keepNudge := ""
	if active && item.NotAfter != nil && item.NotAfter.After(now) {
		keepNudge = NudgeKey(item.ID, *item.NotAfter)
		_, err := e.jobs.Enqueue(ctx, q, model.JobNudgeNotAfter, *item.NotAfter,
			model.NudgePayload{WorkItemID: item.ID, NotAfter: item.NotAfter.UTC()}, keepNudge)
		if err != nil {
			return err
		}
	}
	return e.jobs.CancelPendingByPrefix(ctx, q, model.JobNudgeNotAfter,
		item.ID.String()+":not_after:", keepNudge)
}
