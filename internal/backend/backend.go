// Package backend defines the anchor persistence sinks living outside the
// host's trust boundary, and the small closed set of implementations the
// anchor manager can be configured with.
//
// Backends are deliberately dumb: content in, receipt out. Put must be
// idempotent under retry: storing the same bytes twice yields the same
// receipt, because the anchor manager retries failed backends on later
// cycles without deduplicating.
package backend

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps transient backend failures. The anchor manager treats
// it as recoverable: the backend is retried next cycle and never blocks
// appends or the other backends.
var ErrUnavailable = errors.New("backend unavailable")

// ErrNotFound is returned by Get for unknown receipt ids.
var ErrNotFound = errors.New("backend: content not found")

// Backend is a single anchor sink.
type Backend interface {
	// Name identifies the backend in receipts and logs.
	Name() string

	// Put persists content and returns its receipt id. Idempotent.
	Put(ctx context.Context, content []byte) (string, error)

	// Get retrieves previously stored content by receipt id.
	Get(ctx context.Context, id string) ([]byte, error)

	// SupportsRetentionLock reports whether the backend enforces
	// write-once-read-many retention on stored content.
	SupportsRetentionLock() bool
}

// Receipt confirms off-machine persistence of one anchor on one backend.
type Receipt struct {
	Backend  string    `json:"backend"`
	ID       string    `json:"id"`
	StoredAt time.Time `json:"stored_at"`
}
