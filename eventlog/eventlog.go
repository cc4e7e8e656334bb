// Package eventlog defines the append-only per-session event store that backs
// stream resumption. Every message delivered on a session's standalone
// notification channel is recorded here with a monotonically increasing event
// ID; a reconnecting client presents the last ID it saw and receives
// everything after it, in order, with no gaps or duplicates.
//
// The store is storage only: live fan-out to connected streams is the
// transport's job. Backends therefore need just ordered append, ordered range
// reads, and purge.
package eventlog

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownSession may be returned by backends that track session
	// existence separately from stored events. Callers treat it the same
	// as an empty log.
	ErrUnknownSession = errors.New("eventlog: unknown session")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("eventlog: closed")
)

// Event is one recorded outbound message.
type Event struct {
	// ID is monotonically increasing within a session and serves as the
	// client's resumption cursor. IDs start at 1; 0 means "from the start".
	ID uint64
	// Target records the logical destination the event was routed toward:
	// a request ID for redirected traffic, or empty for the standalone
	// notification channel.
	Target string
	// Payload is the serialized JSON-RPC message. Immutable once stored.
	Payload []byte
	// At is the append time, used for age-based cleanup.
	At time.Time
}

// Log is the event store contract. Implementations must assign IDs
// atomically per session and must never reorder or mutate stored events.
type Log interface {
	// Append records an event for the session and returns its assigned ID.
	// The ID and At fields of the passed event are ignored.
	Append(ctx context.Context, sessionID string, ev Event) (uint64, error)

	// Range invokes fn for every stored event with ID > afterID, in
	// ascending ID order. It returns when the stored range is exhausted;
	// it does not block waiting for future appends. Returning an error
	// from fn stops the iteration and is returned as-is.
	Range(ctx context.Context, sessionID string, afterID uint64, fn func(ev Event) error) error

	// Purge removes all events for the session.
	Purge(ctx context.Context, sessionID string) error

	// PurgeOlderThan removes events older than age across all sessions.
	PurgeOlderThan(ctx context.Context, age time.Duration) error

	// Close releases backend resources.
	Close() error
}
