// Package workitems is the write path for the work-item hierarchy.
// Every mutation and its reminder/nudge job sync commit in one
// transaction, so the job queue can never disagree with the stored dates.
package workitems

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/troykelly/openclaw-projects-sub012/internal/model"
	"github.com/troykelly/openclaw-projects-sub012/internal/scheduler"
	"github.com/troykelly/openclaw-projects-sub012/internal/storage"
)

// Service mutates work items and keeps their scheduled jobs in sync.
type Service struct {
	db       *storage.DB
	enqueuer *scheduler.Enqueuer
	logger   *slog.Logger
}

// NewService wires the work-item write path.
func NewService(db *storage.DB, enq *scheduler.Enqueuer, logger *slog.Logger) *Service {
	return &Service{db: db, enqueuer: enq, logger: logger}
}

// Create inserts a work item and enqueues its date jobs atomically.
func (s *Service) Create(ctx context.Context, item model.WorkItem) (model.WorkItem, error) {
	var created model.WorkItem
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		created, err = storage.CreateWorkItem(ctx, tx, item)
		if err != nil {
			return err
		}
		return s.enqueuer.SyncWorkItem(ctx, tx, created)
	})
	if err != nil {
		return model.WorkItem{}, err
	}
	s.logger.Info("work item created", "id", created.ID, "kind", created.Kind, "title", created.Title)
	return created, nil
}

// Update rewrites a work item and reconciles its date jobs atomically:
// moved dates retract the old job and enqueue the new one, cleared or
// terminal items retract outright.
func (s *Service) Update(ctx context.Context, item model.WorkItem) (model.WorkItem, error) {
	var updated model.WorkItem
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		updated, err = storage.UpdateWorkItem(ctx, tx, item)
		if err != nil {
			return err
		}
		return s.enqueuer.SyncWorkItem(ctx, tx, updated)
	})
	if err != nil {
		return model.WorkItem{}, err
	}
	return updated, nil
}

// Get fetches a single work item.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.WorkItem, error) {
	return storage.GetWorkItem(ctx, s.db.Pool(), id)
}

// SoftDelete marks the item deleted and retracts its pending jobs.
func (s *Service) SoftDelete(ctx context.Context, id uuid.UUID) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := storage.SoftDeleteWorkItem(ctx, tx, id); err != nil {
			return err
		}
		item, err := storage.GetWorkItem(ctx, tx, id)
		if err != nil {
			return err
		}
		return s.enqueuer.SyncWorkItem(ctx, tx, item)
	})
}

// HardDelete removes the item (cascading to children) and retracts its
// pending jobs.
func (s *Service) HardDelete(ctx context.Context, id uuid.UUID) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		item, err := storage.GetWorkItem(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := storage.HardDeleteWorkItem(ctx, tx, id); err != nil {
			return err
		}
		item.DeletedAt = &item.UpdatedAt // retract: treat as deleted for sync
		return s.enqueuer.SyncWorkItem(ctx, tx, item)
	})
}
