package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// MemoryType classifies what an agent memory records.
type MemoryType string

const (
	MemoryPreference  MemoryType = "preference"
	MemoryFact        MemoryType = "fact"
	MemoryDecision    MemoryType = "decision"
	MemoryContext     MemoryType = "context"
	MemoryNoteContext MemoryType = "note-context"
)

// EmbeddingStatus tracks the embedding lifecycle of a memory or note.
// The embedding column is populated iff the status is complete.
type EmbeddingStatus string

const (
	EmbeddingPending  EmbeddingStatus = "pending"
	EmbeddingComplete EmbeddingStatus = "complete"
	EmbeddingFailed   EmbeddingStatus = "failed"
	EmbeddingSkipped  EmbeddingStatus = "skipped"
)

// Memory is an agent memory row, searchable by hybrid text+vector scoring.
type Memory struct {
	ID              uuid.UUID
	Namespace       string
	MemoryType      MemoryType
	Title           string
	Content         string
	Embedding       *pgvector.Vector
	EmbeddingStatus EmbeddingStatus
	Tags            []string
	Importance      int
	UserEmail       string
	WorkItemID      *uuid.UUID
	ContactID       *uuid.UUID
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NamespaceGrant gives an email access to a namespace.
type NamespaceGrant struct {
	Email     string
	Namespace string
	Role      string // owner or member
	IsDefault bool
	CreatedAt time.Time
}
