// Package model defines the core domain types shared across storage,
// scheduling, and delivery. Types here are plain structs with no
// behavior beyond validation; persistence lives in internal/storage.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkItemKind is the level of a work item in the hierarchy.
type WorkItemKind string

const (
	KindProject    WorkItemKind = "project"
	KindInitiative WorkItemKind = "initiative"
	KindEpic       WorkItemKind = "epic"
	KindIssue      WorkItemKind = "issue"
	KindTask       WorkItemKind = "task"
)

// WorkItemStatus is the lifecycle state of a work item.
type WorkItemStatus string

const (
	StatusBacklog    WorkItemStatus = "backlog"
	StatusOpen       WorkItemStatus = "open"
	StatusInProgress WorkItemStatus = "in_progress"
	StatusDone       WorkItemStatus = "done"
	StatusCancelled  WorkItemStatus = "cancelled"
)

// Terminal reports whether the status ends the item's active life.
// Reminders and nudges for terminal items are moot and skip silently.
func (s WorkItemStatus) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// WorkItem is a node in the project/initiative/epic/issue/task hierarchy.
type WorkItem struct {
	ID            uuid.UUID
	Title         string
	Kind          WorkItemKind
	ParentID      *uuid.UUID
	Status        WorkItemStatus
	NotBefore     *time.Time
	NotAfter      *time.Time
	SortOrder     int
	AssigneeEmail *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// ValidateParentKind checks the hierarchy rule for a child kind against its
// parent's kind. hasParent is false for root items; parentKind is ignored then.
func ValidateParentKind(kind WorkItemKind, hasParent bool, parentKind WorkItemKind) error {
	switch kind {
	case KindProject:
		if hasParent {
			return fmt.Errorf("model: a project cannot have a parent")
		}
	case KindInitiative:
		if hasParent && parentKind != KindProject {
			return fmt.Errorf("model: an initiative's parent must be a project, got %s", parentKind)
		}
	case KindEpic:
		if !hasParent || parentKind != KindInitiative {
			return fmt.Errorf("model: an epic must have an initiative parent")
		}
	case KindIssue:
		if !hasParent || parentKind != KindEpic {
			return fmt.Errorf("model: an issue must have an epic parent")
		}
	case KindTask:
		// Tasks accept any parent, including none.
	default:
		return fmt.Errorf("model: unknown work item kind %q", kind)
	}
	return nil
}

// Validate checks intrinsic field invariants (not the parent graph,
// which requires storage access).
func (w WorkItem) Validate() error {
	if w.Title == "" {
		return fmt.Errorf("model: work item title is required")
	}
	if w.NotBefore != nil && w.NotAfter != nil && w.NotBefore.After(*w.NotAfter) {
		return fmt.Errorf("model: not_before %s is after not_after %s", w.NotBefore, w.NotAfter)
	}
	switch w.Status {
	case StatusBacklog, StatusOpen, StatusInProgress, StatusDone, StatusCancelled:
	default:
		return fmt.Errorf("model: unknown work item status %q", w.Status)
	}
	return nil
}
