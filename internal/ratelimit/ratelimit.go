// Package ratelimit provides a pluggable rate limiting interface used to
// pace outbound webhook dispatch per gateway host.
//
// The in-memory token bucket (MemoryLimiter) is sufficient for a single
// instance; multi-instance deployments can substitute a shared backend —
// the Limiter interface is the contract. Durable per-recipient windows
// live in internal/guard; this limiter only smooths the HTTP send rate.
package ratelimit

import "context"

// Limiter decides whether a send identified by key should proceed now.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the send should proceed. The key is opaque —
	// callers construct it (e.g. the destination host). Errors signal a
	// limiter malfunction; callers should treat them as fail-open rather
	// than blocking deliveries.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every send. Used when dispatch pacing is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
