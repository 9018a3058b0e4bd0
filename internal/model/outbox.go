package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Outbox destinations, joined to the configured gateway base URL.
const (
	HookAgent = "/hooks/agent"
	HookWake  = "/hooks/wake"
)

// Dead-letter report kind emitted when a job fails terminally.
const OutboxDeadLetterJob = "dead_letter.job"

// OutboxMessage is a pending or settled webhook delivery.
type OutboxMessage struct {
	ID             uuid.UUID
	Kind           string
	Destination    string
	Recipient      string
	Body           json.RawMessage
	IdempotencyKey string
	Attempts       int
	NextAttemptAt  time.Time
	DeliveredAt    *time.Time
	DeadLetter     bool
	LastStatus     *int
	LastError      *string
	CreatedAt      time.Time
}

// HookBody is the canonical webhook body: a kind tag, a kind-specific
// context block, and the instant the triggering event occurred. Channel
// tells the gateway how to surface the notification; in_app means hold
// it for the recipient instead of pushing.
type HookBody struct {
	Kind       string         `json:"kind"`
	Context    map[string]any `json:"context"`
	OccurredAt time.Time      `json:"occurred_at"`
	Channel    string         `json:"channel,omitempty"`
}
