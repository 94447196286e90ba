// Package server implements the server side of the protocol: per-connection
// session state, inbound command intake, event fan-out to subscribed
// connections, and the bridge wiring sessions to the dispatcher and the
// event bus.
package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/pkg/command"
	"github.com/strandlabs/strand/pkg/store"
	"github.com/strandlabs/strand/pkg/transport"
	"github.com/strandlabs/strand/pkg/wire"
)

// commandBuffer is the inbound command channel capacity. There is no flow
// control beyond it: a full buffer blocks the connection's read loop.
const commandBuffer = 64

// Session is the per-connection protocol state: the inbound command
// stream offered to the bridge, the set of subscribed streams, and a send
// mutex serializing outbound frames.
type Session struct {
	id    string
	conn  transport.Conn
	store store.EventStore

	sendMu sync.Mutex

	subMu sync.RWMutex
	subs  map[store.StreamID]*sessionSub

	commands  chan *wire.Command
	closeOnce sync.Once
	done      chan struct{}
}

// sessionSub tags one subscribed stream. Apart from the map slot itself
// (guarded by subMu), its fields are guarded by the session's send mutex.
//
// next is the first live event number this connection still needs: events
// below it were already delivered by replay (or predate an explicit
// fromPosition) and are filtered out of the fan-out. Until live is set,
// fan-out parks events in pending; subscribe flushes them after the
// replayed suffix so commits racing the registration read are never lost.
type sessionSub struct {
	live    bool
	next    store.EventNumber
	pending []store.RecordedEvent
}

// NewSession wraps an accepted connection. The store is consulted for
// subscription acks and fromPosition replay.
func NewSession(conn transport.Conn, st store.EventStore) *Session {
	return &Session{
		id:       uuid.New().String(),
		conn:     conn,
		store:    st,
		subs:     make(map[store.StreamID]*sessionSub),
		commands: make(chan *wire.Command, commandBuffer),
		done:     make(chan struct{}),
	}
}

// ID identifies the session for logging.
func (s *Session) ID() string { return s.id }

// Commands is the stream of decoded commands arriving on this connection.
// It completes when the connection ends.
func (s *Session) Commands() <-chan *wire.Command { return s.commands }

// Done is closed when the session's read loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run processes inbound frames until the connection ends or ctx is
// cancelled, then closes the command stream. Malformed frames are dropped;
// they never terminate the connection.
func (s *Session) Run(ctx context.Context) {
	defer s.closeOnce.Do(func() {
		close(s.commands)
		close(s.done)
	})

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-s.conn.Receive():
			if !ok {
				return
			}
			msg, err := wire.Decode(data)
			if err != nil {
				slog.Warn("session: dropping undecodable frame",
					"session_id", s.id, "error", err)
				continue
			}
			s.handle(ctx, msg)
		}
	}
}

func (s *Session) handle(ctx context.Context, msg wire.Message) {
	switch m := msg.(type) {
	case *wire.Subscribe:
		s.subscribe(ctx, m)

	case *wire.Unsubscribe:
		s.subMu.Lock()
		delete(s.subs, store.StreamID(m.StreamID))
		s.subMu.Unlock()

	case *wire.Command:
		select {
		case s.commands <- m:
		case <-ctx.Done():
		}

	case *wire.Ping:
		if err := s.send(ctx, &wire.Pong{Envelope: wire.Envelope{ID: m.ID}}); err != nil {
			slog.Warn("session: pong send failed", "session_id", s.id, "error", err)
		}

	default:
		slog.Debug("session: dropping unexpected frame",
			"session_id", s.id, "type", msg.Kind())
	}
}

// subscribe registers the stream, acknowledges with the stream's current
// tail, and, when fromPosition was requested, replays the persisted suffix
// before live events resume. Idempotent per stream. The ack, the replay,
// and the handoff to live fan-out all happen under the send mutex, so
// fan-out frames cannot interleave with or duplicate the replayed suffix.
func (s *Session) subscribe(ctx context.Context, m *wire.Subscribe) {
	streamID := store.StreamID(m.StreamID)

	// Register before reading the stream so commits racing the read are
	// parked on the subscription instead of dropped; the handoff below
	// flushes them after the replayed suffix.
	s.subMu.Lock()
	sub, existed := s.subs[streamID]
	if !existed {
		sub = &sessionSub{}
		s.subs[streamID] = sub
	}
	s.subMu.Unlock()

	prior, err := s.store.Read(ctx, store.StreamPosition{StreamID: streamID})
	if err != nil {
		slog.Error("session: subscribe read failed",
			"session_id", s.id, "stream_id", streamID, "error", err)
		if !existed {
			s.subMu.Lock()
			delete(s.subs, streamID)
			s.subMu.Unlock()
		}
		end := &wire.SubscriptionEnd{
			Envelope: wire.Envelope{ID: uuid.New().String(), CorrelationID: m.ID},
			StreamID: m.StreamID,
			Reason:   "stream read failed",
		}
		if err := s.send(ctx, end); err != nil {
			slog.Warn("session: subscription_end send failed", "session_id", s.id, "error", err)
		}
		return
	}
	tail := store.EventNumber(len(prior))

	from := store.EventNumber(0)
	if m.FromPosition != nil {
		from = store.EventNumber(*m.FromPosition)
		if from < 0 {
			from = 0
		}
	}
	var replay []store.RecordedEvent
	if m.FromPosition != nil && from < tail {
		replay = prior[from:]
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	ack := &wire.SubscriptionAck{
		Envelope:        wire.Envelope{ID: uuid.New().String(), CorrelationID: m.ID},
		StreamID:        m.StreamID,
		CurrentPosition: wire.PositionRef{StreamID: m.StreamID, EventNumber: int64(tail)},
		IsLive:          true,
	}
	if err := s.sendLocked(ctx, ack); err != nil {
		slog.Warn("session: subscription_ack send failed",
			"session_id", s.id, "stream_id", streamID, "error", err)
		return
	}

	// Idempotent re-subscribe: the ack is refreshed but the stream is
	// already live; a second replay would duplicate delivered events.
	if existed {
		return
	}

	// Replay the whole persisted suffix in batches; batchSize bounds one
	// batch, never the suffix.
	next := tail
	if from > tail {
		next = from
	}
	for len(replay) > 0 {
		batch := replay
		if m.BatchSize > 0 && len(batch) > m.BatchSize {
			batch = batch[:m.BatchSize]
		}
		for _, ev := range batch {
			if err := s.sendLocked(ctx, eventFrame(ev)); err != nil {
				slog.Warn("session: replay send failed",
					"session_id", s.id, "stream_id", streamID, "error", err)
				return
			}
		}
		replay = replay[len(batch):]
	}

	// Handoff: flush commits that arrived between registration and now,
	// then let the fan-out take over at the cursor.
	for _, ev := range sub.pending {
		if ev.EventNumber < next {
			continue
		}
		if err := s.sendLocked(ctx, eventFrame(ev)); err != nil {
			slog.Warn("session: replay send failed",
				"session_id", s.id, "stream_id", streamID, "error", err)
			return
		}
		next = ev.EventNumber + 1
	}
	sub.pending = nil
	sub.next = next
	sub.live = true
}

// SendResult serializes one command_result frame. The frame id equals the
// originating command's id.
func (s *Session) SendResult(ctx context.Context, res command.Result) error {
	frame := &wire.CommandResult{
		Envelope: wire.Envelope{ID: res.CommandID},
		Success:  res.Success,
	}
	if res.Success {
		frame.Position = &wire.PositionRef{
			StreamID:    string(res.Position.StreamID),
			EventNumber: int64(res.Position.EventNumber),
		}
	} else {
		frame.Error = &wire.ErrorInfo{
			Message: res.Error.Message,
			Code:    string(res.Error.Kind),
			Details: res.Error.Details,
		}
	}
	return s.send(ctx, frame)
}

// PublishEvent transmits one committed event if this connection is
// subscribed to its stream; events for unsubscribed streams are never
// sent on this connection. While a subscription is still replaying, the
// event is parked on it instead, and the replay handoff flushes it.
func (s *Session) PublishEvent(ctx context.Context, ev store.RecordedEvent) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.subMu.RLock()
	sub, ok := s.subs[ev.StreamID]
	s.subMu.RUnlock()
	if !ok {
		return nil
	}
	if !sub.live {
		sub.pending = append(sub.pending, ev)
		return nil
	}
	if ev.EventNumber < sub.next {
		return nil
	}
	return s.sendLocked(ctx, eventFrame(ev))
}

// Subscribed reports whether this connection is subscribed to the stream.
func (s *Session) Subscribed(streamID store.StreamID) bool {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	_, ok := s.subs[streamID]
	return ok
}

func (s *Session) send(ctx context.Context, msg wire.Message) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.sendLocked(ctx, msg)
}

// sendLocked encodes and transmits one frame. Callers hold sendMu, which
// preserves one-JSON-object-per-frame boundaries on the wire.
func (s *Session) sendLocked(ctx context.Context, msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return s.conn.Send(ctx, data)
}

func eventFrame(ev store.RecordedEvent) *wire.Event {
	return &wire.Event{
		Envelope:      wire.Envelope{ID: uuid.New().String()},
		StreamID:      string(ev.StreamID),
		EventNumber:   int64(ev.EventNumber),
		Position:      ev.GlobalPosition,
		EventType:     ev.Type,
		EventData:     ev.Data,
		EventMetadata: ev.Metadata,
	}
}
