package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// NoteVisibility controls who can read a note.
type NoteVisibility string

const (
	VisibilityPrivate NoteVisibility = "private"
	VisibilityShared  NoteVisibility = "shared"
	VisibilityPublic  NoteVisibility = "public"
)

// Note is a notebook entry. Near-identical to Memory for search purposes,
// plus visibility and an agent opt-out flag.
type Note struct {
	ID              uuid.UUID
	NotebookID      *uuid.UUID
	Namespace       string
	Title           string
	Content         string
	Embedding       *pgvector.Vector
	EmbeddingStatus EmbeddingStatus
	Tags            []string
	Importance      int
	Visibility      NoteVisibility
	HideFromAgents  bool
	UserEmail       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EmbeddingSkipped reports whether the note is excluded from embedding.
// Private notes hidden from agents are never embedded; public notes are
// always embedded regardless of the hide flag.
func (n Note) EmbeddingSkipped() bool {
	return n.Visibility == VisibilityPrivate && n.HideFromAgents
}

// ReadableBy reports whether caller may read the note. The caller's
// granted namespaces must already be resolved.
func (n Note) ReadableBy(callerEmail string, grantedNamespaces map[string]bool) bool {
	if n.UserEmail == callerEmail {
		return true
	}
	switch n.Visibility {
	case VisibilityPublic:
		return true
	case VisibilityShared:
		return grantedNamespaces[n.Namespace]
	default:
		return false
	}
}
