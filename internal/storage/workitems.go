package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/troykelly/openclaw-projects-sub012/internal/model"
)

const workItemColumns = `id, title, kind, parent_id, status, not_before, not_after,
	sort_order, assignee_email, created_at, updated_at, deleted_at`

// CreateWorkItem validates hierarchy rules and inserts the item.
// Runs against q so callers can make the insert atomic with job enqueue.
func CreateWorkItem(ctx context.Context, q Querier, item model.WorkItem) (model.WorkItem, error) {
	if err := item.Validate(); err != nil {
		return model.WorkItem{}, fmt.Errorf("%w: %v", ErrConstraint, err)
	}
	if err := checkParent(ctx, q, item.Kind, item.ParentID, uuid.Nil); err != nil {
		return model.WorkItem{}, err
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}

	row := q.QueryRow(ctx,
		`INSERT INTO work_items (id, title, kind, parent_id, status, not_before, not_after, sort_order, assignee_email)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+workItemColumns,
		item.ID, item.Title, item.Kind, item.ParentID, item.Status,
		item.NotBefore, item.NotAfter, item.SortOrder, item.AssigneeEmail,
	)
	created, err := scanWorkItem(row)
	if err != nil {
		return model.WorkItem{}, fmt.Errorf("storage: create work item: %w", err)
	}
	return created, nil
}

// UpdateWorkItem validates hierarchy rules (including acyclicity when the
// parent changes) and writes all mutable fields.
func UpdateWorkItem(ctx context.Context, q Querier, item model.WorkItem) (model.WorkItem, error) {
	if err := item.Validate(); err != nil {
		return model.WorkItem{}, fmt.Errorf("%w: %v", ErrConstraint, err)
	}
	if err := checkParent(ctx, q, item.Kind, item.ParentID, item.ID); err != nil {
		return model.WorkItem{}, err
	}

	row := q.QueryRow(ctx,
		`UPDATE work_items
		 SET title = $2, kind = $3, parent_id = $4, status = $5, not_before = $6,
		     not_after = $7, sort_order = $8, assignee_email = $9, updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL
		 RETURNING `+workItemColumns,
		item.ID, item.Title, item.Kind, item.ParentID, item.Status,
		item.NotBefore, item.NotAfter, item.SortOrder, item.AssigneeEmail,
	)
	updated, err := scanWorkItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkItem{}, ErrNotFound
	}
	if err != nil {
		return model.WorkItem{}, fmt.Errorf("storage: update work item: %w", err)
	}
	return updated, nil
}

// GetWorkItem fetches a work item by ID, including soft-deleted rows.
func GetWorkItem(ctx context.Context, q Querier, id uuid.UUID) (model.WorkItem, error) {
	row := q.QueryRow(ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE id = $1`, id)
	item, err := scanWorkItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkItem{}, ErrNotFound
	}
	if err != nil {
		return model.WorkItem{}, fmt.Errorf("storage: get work item: %w", err)
	}
	return item, nil
}

// SoftDeleteWorkItem marks the item (not its children) deleted.
func SoftDeleteWorkItem(ctx context.Context, q Querier, id uuid.UUID) error {
	tag, err := q.Exec(ctx,
		`UPDATE work_items SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("storage: soft delete work item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// HardDeleteWorkItem removes the item and, via FK cascade, its subtree.
func HardDeleteWorkItem(ctx context.Context, q Querier, id uuid.UUID) error {
	tag, err := q.Exec(ctx, `DELETE FROM work_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: hard delete work item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// checkParent enforces the per-kind parent rules and, when selfID is
// known (updates), rejects parents that would create a cycle.
func checkParent(ctx context.Context, q Querier, kind model.WorkItemKind, parentID *uuid.UUID, selfID uuid.UUID) error {
	if parentID == nil {
		if err := model.ValidateParentKind(kind, false, ""); err != nil {
			return fmt.Errorf("%w: %v", ErrConstraint, err)
		}
		return nil
	}

	var parentKind model.WorkItemKind
	err := q.QueryRow(ctx,
		`SELECT kind FROM work_items WHERE id = $1 AND deleted_at IS NULL`, *parentID,
	).Scan(&parentKind)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: parent %s does not exist", ErrConstraint, *parentID)
	}
	if err != nil {
		return fmt.Errorf("storage: look up parent kind: %w", err)
	}
	if err := model.ValidateParentKind(kind, true, parentKind); err != nil {
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	}

	if selfID == uuid.Nil {
		return nil
	}
	// Walk the ancestor chain of the proposed parent; if it passes
	// through selfID the new edge would close a cycle.
	var cycle bool
	err = q.QueryRow(ctx,
		`WITH RECURSIVE ancestors AS (
			SELECT id, parent_id FROM work_items WHERE id = $1
			UNION ALL
			SELECT w.id, w.parent_id FROM work_items w
			JOIN ancestors a ON w.id = a.parent_id
		)
		SELECT EXISTS (SELECT 1 FROM ancestors WHERE id = $2)`,
		*parentID, selfID,
	).Scan(&cycle)
	if err != nil {
		return fmt.Errorf("storage: cycle check: %w", err)
	}
	if cycle {
		return fmt.Errorf("%w: parent %s would create a hierarchy cycle", ErrConstraint, *parentID)
	}
	return nil
}

// ListWorkItemsWithUpcomingDates returns non-terminal items whose
// not_before or not_after lies in the future. Used by the cron sweep to
// re-create jobs lost to an outage.
func ListWorkItemsWithUpcomingDates(ctx context.Context, q Querier, now time.Time, limit int) ([]model.WorkItem, error) {
	rows, err := q.Query(ctx,
		`SELECT `+workItemColumns+`
		 FROM work_items
		 WHERE deleted_at IS NULL
		   AND status NOT IN ('done', 'cancelled')
		   AND (not_before > $1 OR not_after > $1)
		 ORDER BY id
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list upcoming work items: %w", err)
	}
	defer rows.Close()

	var items []model.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan work item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanWorkItem(row pgx.Row) (model.WorkItem, error) {
	var w model.WorkItem
	err := row.Scan(
		&w.ID, &w.Title, &w.Kind, &w.ParentID, &w.Status, &w.NotBefore, &w.NotAfter,
		&w.SortOrder, &w.AssigneeEmail, &w.CreatedAt, &w.UpdatedAt, &w.DeletedAt,
	)
	return w, err
}
