package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job kinds dispatched by the processor. The kind string doubles as the
// payload version tag: changing a payload shape means minting a new kind.
const (
	JobReminderNotBefore = "reminder.work_item.not_before"
	JobNudgeNotAfter     = "nudge.work_item.not_after"
	JobAPIRefresh        = "api.refresh"
	JobDigestDaily       = "digest.daily"
)

// Job is a scheduled, retryable unit of background work.
type Job struct {
	ID             uuid.UUID
	Kind           string
	Payload        json.RawMessage
	RunAt          time.Time
	Attempts       int
	LockedBy       *string
	LockedUntil    *time.Time
	CompletedAt    *time.Time
	LastError      *string
	IdempotencyKey *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Claimable reports whether the job could be claimed at instant now.
// Mirrors the claim query predicate; used by tests and diagnostics.
func (j Job) Claimable(now time.Time) bool {
	if j.CompletedAt != nil {
		return false
	}
	if j.RunAt.After(now) {
		return false
	}
	return j.LockedBy == nil || (j.LockedUntil != nil && j.LockedUntil.Before(now))
}

// ReminderPayload is the payload for reminder.work_item.not_before.
type ReminderPayload struct {
	WorkItemID uuid.UUID `json:"work_item_id"`
	NotBefore  time.Time `json:"not_before"`
}

// NudgePayload is the payload for nudge.work_item.not_after.
type NudgePayload struct {
	WorkItemID uuid.UUID `json:"work_item_id"`
	NotAfter   time.Time `json:"not_after"`
}

// APIRefreshPayload is the payload for api.refresh.
type APIRefreshPayload struct {
	APISourceID uuid.UUID `json:"api_source_id"`
}

// DigestPayload is the payload for digest.daily.
type DigestPayload struct {
	Date string `json:"date"` // YYYY-MM-DD in the digest's reference zone
}
