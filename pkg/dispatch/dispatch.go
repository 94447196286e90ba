// Package dispatch routes wire commands to aggregate handlers and commits
// the resulting events through the event store.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/strandlabs/strand/pkg/command"
	"github.com/strandlabs/strand/pkg/store"
	"github.com/strandlabs/strand/pkg/wire"
)

// Handler executes one command against an aggregate: given the target
// stream, the stream's prior events, and the opaque payload, it returns
// the new events to commit (possibly none) or a domain error. Handlers
// are pure with respect to the store; the dispatcher performs the commit.
type Handler func(ctx context.Context, target store.StreamID, prior []store.RecordedEvent, payload json.RawMessage) ([]store.EventData, error)

// Aggregate is a named consistency boundary: an explicit registration
// table from command name to handler, published at construction time.
type Aggregate struct {
	Name     string
	Handlers map[string]Handler
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConflictRetries allows the dispatcher to reload and re-execute a
// command up to n times after an optimistic concurrency conflict. The
// default is zero: the conflict surfaces as a failure.
func WithConflictRetries(n int) Option {
	return func(d *Dispatcher) { d.maxRetries = n }
}

// Dispatcher owns the load → execute → commit → publish pipeline.
// Committed events reach subscribers through the store's subscribe-all
// stream; the dispatcher does not publish directly.
type Dispatcher struct {
	store      store.EventStore
	aggregates []Aggregate
	maxRetries int
}

// New creates a dispatcher over the given aggregates. Handler lookup is
// first match in registration order.
func New(st store.EventStore, aggregates []Aggregate, opts ...Option) *Dispatcher {
	d := &Dispatcher{store: st, aggregates: aggregates}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch executes one command to its single terminal result. It never
// returns an error and never panics: every failure is classified into the
// result's error kind.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd command.Command) (res command.Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch: handler panicked",
				"command_id", cmd.ID, "command_name", cmd.Name, "panic", r)
			res = command.Fail(cmd.ID, cmd.Name, command.KindUnknown,
				fmt.Sprintf("handler panicked: %v", r))
		}
	}()

	handler, aggName, ok := d.handlerFor(cmd.Name)
	if !ok {
		return command.Fail(cmd.ID, cmd.Name, command.KindHandlerNotFound,
			fmt.Sprintf("no aggregate exposes a handler for %q", cmd.Name))
	}

	expected := cmd.ExpectedVersion
	for attempt := 0; ; attempt++ {
		// Load. A not-yet-existing stream reads empty and the first
		// handler must tolerate empty prior state; that is the
		// aggregate's contract, not the dispatcher's.
		prior, err := d.store.Read(ctx, store.StreamPosition{StreamID: cmd.Target})
		if err != nil {
			return command.Fail(cmd.ID, cmd.Name, command.KindStoreError,
				fmt.Sprintf("load stream %q: %v", cmd.Target, err))
		}
		next := store.EventNumber(len(prior))
		if attempt > 0 {
			// A retry means the client's expectation was stale; commit
			// against the freshly loaded tail instead.
			expected = next
		}

		events, err := handler(ctx, cmd.Target, prior, cmd.Payload)
		if err != nil {
			return command.Fail(cmd.ID, cmd.Name, command.KindExecutionError, err.Error())
		}

		// A handler returning no events is a success at the loaded tail;
		// the store is not touched and nothing is published.
		if len(events) == 0 {
			return command.Succeed(cmd.ID, store.StreamPosition{
				StreamID:    cmd.Target,
				EventNumber: next,
			})
		}

		pos, err := d.store.Append(ctx, store.StreamPosition{
			StreamID:    cmd.Target,
			EventNumber: expected,
		}, events)
		if err == nil {
			slog.Debug("dispatch: command committed",
				"command_id", cmd.ID, "command_name", cmd.Name,
				"aggregate", aggName, "stream_id", cmd.Target,
				"events", len(events), "next_event_number", pos.EventNumber)
			return command.Succeed(cmd.ID, pos)
		}

		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			if attempt < d.maxRetries {
				continue
			}
			return command.Fail(cmd.ID, cmd.Name, command.KindConcurrencyConflict, conflict.Error())
		}
		return command.Fail(cmd.ID, cmd.Name, command.KindStoreError,
			fmt.Sprintf("append to stream %q: %v", cmd.Target, err))
	}
}

// handlerFor finds the first aggregate in registration order whose command
// set contains name.
func (d *Dispatcher) handlerFor(name string) (Handler, string, bool) {
	for _, agg := range d.aggregates {
		if h, ok := agg.Handlers[name]; ok {
			return h, agg.Name, true
		}
	}
	return nil, "", false
}

// CommandFromWire converts a decoded command frame into the dispatcher's
// command value. The explicit expectedVersion field, when present,
// overrides the version implied by the aggregate position.
func CommandFromWire(m *wire.Command) command.Command {
	expected := store.EventNumber(m.Aggregate.Position.EventNumber)
	if m.ExpectedVersion != nil {
		expected = store.EventNumber(*m.ExpectedVersion)
	}
	return command.Command{
		ID:              m.ID,
		Aggregate:       m.Aggregate.Name,
		Target:          store.StreamID(m.Aggregate.Position.StreamID),
		ExpectedVersion: expected,
		Name:            m.CommandName,
		Payload:         m.Payload,
		Metadata:        m.Metadata,
	}
}
