package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/troykelly/openclaw-projects-sub012/internal/model"
)

// ErrSkip signals a business-logic no-op (e.g. the work item a reminder
// references is already done). The processor completes the job silently
// and counts it separately from successes.
var ErrSkip = errors.New("jobs: skip")

// terminalError marks a failure that must not be retried.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err so the processor treats it as a terminal failure:
// the job completes and a dead-letter outbox row is emitted.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err (or anything it wraps) is terminal.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

// Handler executes one kind of job. Implementations must be idempotent:
// an expired lock means the same job may run twice.
type Handler interface {
	Handle(ctx context.Context, job model.Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job model.Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job model.Job) error {
	return f(ctx, job)
}

// Registry maps job kinds to handlers.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a kind. Registering the same kind twice panics:
// it is always a wiring bug.
func (r *Registry) Register(kind string, h Handler) {
	if _, dup := r.handlers[kind]; dup {
		panic(fmt.Sprintf("jobs: handler for %q registered twice", kind))
	}
	r.handlers[kind] = h
}

// Lookup returns the handler for kind, or false when none is registered.
func (r *Registry) Lookup(kind string) (Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds returns the registered kinds, for logging at startup.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}
