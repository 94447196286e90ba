// Package memory provides an in-memory EventStore. It is the reference
// implementation used by tests and single-process deployments; it keeps
// every committed event in memory and fans commits out to SubscribeAll
// subscribers on the committing goroutine.
package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/strandlabs/strand/pkg/store"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that falls this far behind starts losing events (logged); other
// subscribers are unaffected.
const subscriberBuffer = 256

// Store is an in-memory append-only event store with optimistic
// concurrency. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	streams map[store.StreamID][]store.RecordedEvent
	global  int64
	subs    map[*subscriber]struct{}
	closed  bool
}

type subscriber struct {
	ch   chan store.RecordedEvent
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// New creates an empty store.
func New() *Store {
	return &Store{
		streams: make(map[store.StreamID][]store.RecordedEvent),
		subs:    make(map[*subscriber]struct{}),
	}
}

// Append commits events to the tail of expected.StreamID. The stream's
// current length must equal expected.EventNumber or the append fails with
// a *store.ConflictError and nothing is written.
func (s *Store) Append(_ context.Context, expected store.StreamPosition, events []store.EventData) (store.StreamPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[expected.StreamID]
	current := store.EventNumber(len(stream))
	if current != expected.EventNumber {
		return store.StreamPosition{}, &store.ConflictError{
			StreamID: expected.StreamID,
			Expected: expected.EventNumber,
			Actual:   current,
		}
	}

	for i, ev := range events {
		s.global++
		rec := store.RecordedEvent{
			StreamID:       expected.StreamID,
			EventNumber:    current + store.EventNumber(i),
			GlobalPosition: s.global,
			Type:           ev.Type,
			Data:           ev.Data,
			Metadata:       ev.Metadata,
		}
		stream = append(stream, rec)
		// Offer under the lock so subscribers observe commit order.
		for sub := range s.subs {
			select {
			case sub.ch <- rec:
			default:
				slog.Warn("memory store: dropping event for slow subscriber",
					"stream_id", rec.StreamID, "event_number", rec.EventNumber)
			}
		}
	}
	s.streams[expected.StreamID] = stream

	return store.StreamPosition{
		StreamID:    expected.StreamID,
		EventNumber: store.EventNumber(len(stream)),
	}, nil
}

// Read returns the persisted events of from.StreamID starting at
// from.EventNumber, up to the current tail.
func (s *Store) Read(_ context.Context, from store.StreamPosition) ([]store.RecordedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[from.StreamID]
	if int(from.EventNumber) >= len(stream) {
		return nil, nil
	}
	out := make([]store.RecordedEvent, len(stream)-int(from.EventNumber))
	copy(out, stream[from.EventNumber:])
	return out, nil
}

// SubscribeAll returns a live-only channel of events committed after this
// call. The channel closes when ctx is cancelled or the store is closed.
func (s *Store) SubscribeAll(ctx context.Context) (<-chan store.RecordedEvent, error) {
	sub := &subscriber{ch: make(chan store.RecordedEvent, subscriberBuffer)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.close()
		return sub.ch, nil
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		sub.close()
	}()

	return sub.ch, nil
}

// Close ends every SubscribeAll subscription. Further appends still
// succeed; they are simply no longer observed live.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*subscriber]struct{})
	s.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
