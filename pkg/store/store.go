// Package store defines the event store contract: ordered per-stream append
// with optimistic concurrency, positional reads, and a process-wide live
// subscription to all committed events.
package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// StreamID identifies an event stream. Opaque, non-empty, compared by value.
type StreamID string

// EventNumber is the zero-based position of an event within its stream.
// A stream's numbers are contiguous: event n exists only if event n-1 exists.
type EventNumber int64

// StreamPosition identifies the slot at which the next event would be
// appended, or the identity of a specific event for a read.
type StreamPosition struct {
	StreamID    StreamID    `json:"streamId"`
	EventNumber EventNumber `json:"eventNumber"`
}

// EventData is an event payload as produced by an aggregate handler, before
// the store assigns it a position. The payload is opaque to the store.
type EventData struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// RecordedEvent is a committed event decorated with its stream position and
// the store-wide global position (commit order across all streams).
type RecordedEvent struct {
	StreamID       StreamID        `json:"streamId"`
	EventNumber    EventNumber     `json:"eventNumber"`
	GlobalPosition int64           `json:"globalPosition"`
	Type           string          `json:"eventType"`
	Data           json.RawMessage `json:"event"`
	Metadata       map[string]any  `json:"eventMetadata,omitempty"`
}

// EventStore is the append side contract the dispatcher and sessions consume.
//
// Append is atomic: either every event in the batch is committed or none.
// Appends to one stream are totally ordered; expected.EventNumber must equal
// the stream's current length (0 means the stream must not yet exist) or the
// append fails with a *ConflictError without mutating anything.
//
// SubscribeAll is live-only: the returned channel carries events committed
// after the subscription began, in commit order, and is closed when the
// store shuts down or ctx is cancelled. Implementations may drop events for
// a subscriber that cannot keep up; the core treats missed events as
// undelivered rather than failed.
type EventStore interface {
	Append(ctx context.Context, expected StreamPosition, events []EventData) (StreamPosition, error)
	Read(ctx context.Context, from StreamPosition) ([]RecordedEvent, error)
	SubscribeAll(ctx context.Context) (<-chan RecordedEvent, error)
}

// ConflictError reports an optimistic concurrency violation on Append: the
// stream's current length differed from the expected event number.
type ConflictError struct {
	StreamID StreamID
	Expected EventNumber
	Actual   EventNumber
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("expected %d, actual %d", e.Expected, e.Actual)
}

// WriteError wraps a backend failure during Append.
type WriteError struct {
	StreamID StreamID
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("append to stream %q failed: %v", e.StreamID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
