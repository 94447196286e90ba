// Package client implements the client side of the protocol: command
// correlation with deadlines, the subscription registry, and the incoming
// frame router, multiplexed over one transport connection.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/pkg/command"
	"github.com/strandlabs/strand/pkg/store"
	"github.com/strandlabs/strand/pkg/transport"
	"github.com/strandlabs/strand/pkg/wire"
)

// DefaultCommandTimeout is the hard deadline applied to SendCommand when
// no other timeout is configured.
const DefaultCommandTimeout = 10 * time.Second

// subscriptionBuffer is the per-subscription delivery queue capacity.
// Events beyond it are dropped for that subscription (logged).
const subscriptionBuffer = 256

// Option configures a Client.
type Option func(*Client)

// WithCommandTimeout overrides the default command deadline.
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Client is the protocol state for one connection. All registry mutations
// happen in single critical sections; concurrent callers never observe
// torn state.
type Client struct {
	conn    transport.Conn
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCommand
	subs    map[store.StreamID]*subscription
	closed  bool

	started    sync.Once
	disconnect sync.Once
	done       chan struct{}
}

// pendingCommand is the in-flight state of one command: a one-slot result
// sink completed at most once.
type pendingCommand struct {
	id     string
	name   string
	result chan command.Result
	once   sync.Once
}

// complete delivers the terminal result. Idempotent: the first caller wins
// and later completions are dropped.
func (p *pendingCommand) complete(res command.Result) {
	p.once.Do(func() { p.result <- res })
}

type subscription struct {
	streamID store.StreamID
	ch       chan store.RecordedEvent

	mu    sync.Mutex
	ended bool
}

// offer enqueues an event for delivery, dropping it if the subscription
// has ended or the caller is too far behind.
func (s *subscription) offer(ev store.RecordedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	select {
	case s.ch <- ev:
	default:
		slog.Warn("client: dropping event for slow subscription",
			"stream_id", ev.StreamID, "event_number", ev.EventNumber)
	}
}

// end closes the delivery channel. Idempotent. Events arriving afterwards
// are dropped by offer.
func (s *subscription) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	close(s.ch)
}

// New creates a client over an established connection. Call Start before
// issuing commands or subscriptions.
func New(conn transport.Conn, opts ...Option) *Client {
	c := &Client{
		conn:    conn,
		timeout: DefaultCommandTimeout,
		pending: make(map[string]*pendingCommand),
		subs:    make(map[store.StreamID]*subscription),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the frame router and the connection state watcher.
// Idempotent.
func (c *Client) Start(ctx context.Context) {
	c.started.Do(func() {
		go c.routeLoop(ctx)
		go c.watchStates(ctx)
	})
}

// Close tears the client down: the transport closes, every pending command
// completes with a Disconnected failure and every subscription ends.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.handleDisconnect()
	return err
}

// Done is closed once the client has observed disconnection.
func (c *Client) Done() <-chan struct{} { return c.done }

// SendCommand sends one command and blocks until its single terminal
// result: the server's result frame, the deadline, disconnection, or ctx
// cancellation. On cancellation the pending entry is removed and a
// later-arriving result is dropped; the returned error is ctx's error.
func (c *Client) SendCommand(ctx context.Context, cmd command.Command) (command.Result, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return command.Fail(cmd.ID, cmd.Name, command.KindDisconnected, "transport disconnected"), nil
	}
	if _, exists := c.pending[cmd.ID]; exists {
		c.mu.Unlock()
		return command.Result{}, fmt.Errorf("client: command id %q already in flight", cmd.ID)
	}
	p := &pendingCommand{id: cmd.ID, name: cmd.Name, result: make(chan command.Result, 1)}
	c.pending[cmd.ID] = p
	c.mu.Unlock()
	defer c.removePending(cmd.ID)

	frame := &wire.Command{
		Envelope: wire.Envelope{ID: cmd.ID, Metadata: cmd.Metadata},
		Aggregate: wire.AggregateRef{
			Position: wire.PositionRef{
				StreamID:    string(cmd.Target),
				EventNumber: int64(cmd.ExpectedVersion),
			},
			Name: cmd.Aggregate,
		},
		CommandName: cmd.Name,
		Payload:     cmd.Payload,
	}
	data, err := wire.Encode(frame)
	if err != nil {
		return command.Result{}, err
	}
	if err := c.conn.Send(ctx, data); err != nil {
		if ctx.Err() != nil {
			return command.Result{}, ctx.Err()
		}
		return command.Fail(cmd.ID, cmd.Name, command.KindDisconnected, "transport disconnected"), nil
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-p.result:
		return res, nil
	case <-timer.C:
		// Deadline is authoritative: complete through the sink so a
		// result racing in a moment later is dropped.
		res := command.Fail(cmd.ID, cmd.Name, command.KindTimeout,
			fmt.Sprintf("command timed out after %s", c.timeout))
		res.Error.TimeoutMs = c.timeout.Milliseconds()
		p.complete(res)
		return <-p.result, nil
	case <-ctx.Done():
		return command.Result{}, ctx.Err()
	}
}

// SubscribeOption configures a subscription request.
type SubscribeOption func(*wire.Subscribe)

// FromPosition asks the server to replay persisted events from the given
// event number before going live.
func FromPosition(n store.EventNumber) SubscribeOption {
	return func(s *wire.Subscribe) {
		pos := int64(n)
		s.FromPosition = &pos
	}
}

// Subscribe registers a subscription to streamID and returns its delivery
// channel: events of that stream only, in commit order, live until the
// server ends the subscription, the connection drops, or ctx is
// cancelled. Cancelling ctx sends a best-effort unsubscribe. At most one
// subscription per stream is allowed on a connection.
func (c *Client) Subscribe(ctx context.Context, streamID store.StreamID, opts ...SubscribeOption) (<-chan store.RecordedEvent, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, transport.ErrNotConnected
	}
	if _, exists := c.subs[streamID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("client: already subscribed to stream %q", streamID)
	}
	sub := &subscription{
		streamID: streamID,
		ch:       make(chan store.RecordedEvent, subscriptionBuffer),
	}
	c.subs[streamID] = sub
	c.mu.Unlock()

	frame := &wire.Subscribe{
		Envelope: wire.Envelope{ID: uuid.New().String()},
		StreamID: string(streamID),
	}
	for _, opt := range opts {
		opt(frame)
	}
	data, err := wire.Encode(frame)
	if err != nil {
		c.dropSubscription(streamID, false)
		return nil, err
	}
	if err := c.conn.Send(ctx, data); err != nil {
		c.dropSubscription(streamID, false)
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			c.dropSubscription(streamID, true)
		case <-c.done:
		}
	}()

	return sub.ch, nil
}

// Unsubscribe ends a subscription and notifies the server (best effort).
func (c *Client) Unsubscribe(streamID store.StreamID) {
	c.dropSubscription(streamID, true)
}

// Ping sends a liveness probe. The pong reply is consumed by the router.
func (c *Client) Ping(ctx context.Context) error {
	data, err := wire.Encode(&wire.Ping{Envelope: wire.Envelope{ID: uuid.New().String()}})
	if err != nil {
		return err
	}
	return c.conn.Send(ctx, data)
}

// dropSubscription removes a subscription, closes its sink, and optionally
// sends an unsubscribe frame. Send failures are silently ignored.
func (c *Client) dropSubscription(streamID store.StreamID, notifyServer bool) {
	c.mu.Lock()
	sub, ok := c.subs[streamID]
	if ok {
		delete(c.subs, streamID)
	}
	closed := c.closed
	c.mu.Unlock()
	if !ok {
		return
	}
	sub.end()

	if notifyServer && !closed {
		data, err := wire.Encode(&wire.Unsubscribe{
			Envelope: wire.Envelope{ID: uuid.New().String()},
			StreamID: string(streamID),
		})
		if err != nil {
			return
		}
		sendCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := c.conn.Send(sendCtx, data); err != nil {
			slog.Debug("client: best-effort unsubscribe failed",
				"stream_id", streamID, "error", err)
		}
	}
}

func (c *Client) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// routeLoop demultiplexes incoming frames until the receive channel
// closes. Malformed frames and frames referencing no known pending entity
// are dropped; the protocol never terminates the connection for bad
// input.
func (c *Client) routeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.handleDisconnect()
			return
		case data, ok := <-c.conn.Receive():
			if !ok {
				c.handleDisconnect()
				return
			}
			msg, err := wire.Decode(data)
			if err != nil {
				slog.Warn("client: dropping undecodable frame", "error", err)
				continue
			}
			c.route(msg)
		}
	}
}

func (c *Client) route(msg wire.Message) {
	switch m := msg.(type) {
	case *wire.CommandResult:
		c.mu.Lock()
		p, ok := c.pending[m.ID]
		c.mu.Unlock()
		if !ok {
			slog.Debug("client: dropping result for unknown command", "command_id", m.ID)
			return
		}
		p.complete(resultFromWire(m, p.name))

	case *wire.Event:
		c.mu.Lock()
		sub, ok := c.subs[store.StreamID(m.StreamID)]
		c.mu.Unlock()
		if !ok {
			slog.Debug("client: dropping event for unknown subscription", "stream_id", m.StreamID)
			return
		}
		sub.offer(store.RecordedEvent{
			StreamID:       store.StreamID(m.StreamID),
			EventNumber:    store.EventNumber(m.EventNumber),
			GlobalPosition: m.Position,
			Type:           m.EventType,
			Data:           m.EventData,
			Metadata:       m.EventMetadata,
		})

	case *wire.SubscriptionAck:
		slog.Debug("client: subscription acknowledged",
			"stream_id", m.StreamID, "is_live", m.IsLive)

	case *wire.SubscriptionEnd:
		c.dropSubscription(store.StreamID(m.StreamID), false)

	case *wire.Error:
		if m.CorrelationID == "" {
			slog.Warn("client: server error frame", "message", m.Error.Message)
			return
		}
		c.mu.Lock()
		p, ok := c.pending[m.CorrelationID]
		c.mu.Unlock()
		if !ok {
			slog.Warn("client: dropping error for unknown correlation",
				"correlation_id", m.CorrelationID, "message", m.Error.Message)
			return
		}
		p.complete(command.Fail(p.id, p.name, command.KindProtocol, m.Error.Message))

	case *wire.Pong:
		// Liveness only.

	default:
		slog.Debug("client: dropping unexpected frame", "type", msg.Kind())
	}
}

// watchStates completes every pending command and ends every subscription
// once the transport reports a terminal state.
func (c *Client) watchStates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-c.conn.States():
			if !ok {
				return
			}
			if st == transport.StateDisconnected || st == transport.StateError {
				c.handleDisconnect()
				return
			}
		}
	}
}

// handleDisconnect is the single terminal transition for the whole client.
func (c *Client) handleDisconnect() {
	c.disconnect.Do(func() {
		c.mu.Lock()
		c.closed = true
		pending := make([]*pendingCommand, 0, len(c.pending))
		for _, p := range c.pending {
			pending = append(pending, p)
		}
		c.pending = make(map[string]*pendingCommand)
		subs := make([]*subscription, 0, len(c.subs))
		for _, sub := range c.subs {
			subs = append(subs, sub)
		}
		c.subs = make(map[store.StreamID]*subscription)
		c.mu.Unlock()

		for _, p := range pending {
			p.complete(command.Fail(p.id, p.name, command.KindDisconnected, "transport disconnected"))
		}
		for _, sub := range subs {
			sub.end()
		}
		close(c.done)
	})
}

// resultFromWire converts a command_result frame into the caller-facing
// result value.
func resultFromWire(m *wire.CommandResult, commandName string) command.Result {
	if m.Success {
		return command.Succeed(m.ID, store.StreamPosition{
			StreamID:    store.StreamID(m.Position.StreamID),
			EventNumber: store.EventNumber(m.Position.EventNumber),
		})
	}
	kind := command.KindUnknown
	if m.Error.Code != "" {
		kind = command.Kind(m.Error.Code)
	}
	res := command.Fail(m.ID, commandName, kind, m.Error.Message)
	res.Error.Details = m.Error.Details
	return res
}

// Payload marshals v for use as a command payload.
func Payload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("client: marshal payload: %w", err)
	}
	return data, nil
}
