// Package bus implements the in-process live pub/sub of committed events.
//
// The bus holds a single upstream subscription to the event store's
// SubscribeAll stream and multicasts every event to its subscribers.
// Delivery policy: each subscriber owns an unbounded in-memory queue
// drained by its own goroutine, so a slow subscriber never delays the
// pump or any other subscriber. The queue is released when the
// subscriber's scope ends. The bus is live-only (it never backfills) and
// it does not restart after the upstream ends.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/strandlabs/strand/pkg/store"
)

// Predicate filters events for one subscriber. A predicate that panics on
// a specific event causes that event to be skipped for that subscriber
// only.
type Predicate func(store.RecordedEvent) bool

// All accepts every event.
func All(store.RecordedEvent) bool { return true }

// ForStream accepts only events of the given stream.
func ForStream(id store.StreamID) Predicate {
	return func(ev store.RecordedEvent) bool { return ev.StreamID == id }
}

// Bus fans one upstream event sequence out to filtered subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
}

type subscription struct {
	pred Predicate
	out  chan store.RecordedEvent

	mu     sync.Mutex
	queue  []store.RecordedEvent
	wake   chan struct{}
	ended  bool
	closed chan struct{}
}

// New creates a bus pumping from the store's SubscribeAll stream. The pump
// runs until ctx is cancelled, Close is called, or the upstream ends;
// upstream end propagates as end-of-sequence to every subscriber.
func New(ctx context.Context, st store.EventStore) (*Bus, error) {
	pumpCtx, cancel := context.WithCancel(ctx)
	src, err := st.SubscribeAll(pumpCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	b := &Bus{
		subs:   make(map[*subscription]struct{}),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(b.done)
		defer b.endAll()
		for {
			select {
			case <-pumpCtx.Done():
				return
			case ev, ok := <-src:
				if !ok {
					return
				}
				b.publish(ev)
			}
		}
	}()

	return b, nil
}

// Subscribe registers a filtered subscriber and returns its live-only
// delivery channel. The channel carries events committed after this call
// whose predicate accepts them, in commit order per stream, and closes
// when ctx ends, the bus closes, or the upstream ends.
func (b *Bus) Subscribe(ctx context.Context, pred Predicate) <-chan store.RecordedEvent {
	if pred == nil {
		pred = All
	}
	sub := &subscription{
		pred:   pred,
		out:    make(chan store.RecordedEvent),
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.out)
		return sub.out
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.drain(ctx)
	go func() {
		select {
		case <-ctx.Done():
			b.remove(sub)
			sub.end()
		case <-sub.closed:
		}
	}()

	return sub.out
}

// publish offers one event to every current subscriber. Predicate
// evaluation is isolated per subscriber: a panicking predicate skips the
// event for that subscriber and nothing else.
func (b *Bus) publish(ev store.RecordedEvent) {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if !accepts(sub.pred, ev) {
			continue
		}
		sub.offer(ev)
	}
}

func accepts(pred Predicate, ev store.RecordedEvent) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("event bus: subscriber predicate panicked, skipping event",
				"stream_id", ev.StreamID, "event_number", ev.EventNumber, "panic", r)
			ok = false
		}
	}()
	return pred(ev)
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// endAll closes every subscriber after the pump stops.
func (b *Bus) endAll() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.end()
	}
}

// Close stops the pump and tears down all subscriber queues. It blocks
// until the pump goroutine has exited.
func (b *Bus) Close() {
	b.cancel()
	<-b.done
}

// offer enqueues without blocking; the subscriber's drain goroutine
// delivers in order.
func (s *subscription) offer(ev store.RecordedEvent) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// end marks the subscription terminated. The drain goroutine closes the
// delivery channel after flushing what was queued before the end.
func (s *subscription) end() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// drain moves queued events to the delivery channel in order. Exits when
// the subscription ends (flushing the remaining queue unless the caller
// is gone) or ctx is cancelled.
func (s *subscription) drain(ctx context.Context) {
	defer close(s.out)
	defer close(s.closed)
	for {
		s.mu.Lock()
		queue := s.queue
		s.queue = nil
		ended := s.ended
		s.mu.Unlock()

		for _, ev := range queue {
			select {
			case s.out <- ev:
			case <-ctx.Done():
				return
			}
		}

		if ended {
			return
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			return
		}
	}
}
