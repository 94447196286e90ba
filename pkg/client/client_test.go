package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/pkg/command"
	"github.com/strandlabs/strand/pkg/store"
	"github.com/strandlabs/strand/pkg/transport"
	transportmem "github.com/strandlabs/strand/pkg/transport/memory"
	"github.com/strandlabs/strand/pkg/wire"
)

// newClientPair returns a started client and the raw server end of the
// loopback it talks over.
func newClientPair(t *testing.T, opts ...Option) (*Client, *transportmem.Conn) {
	t.Helper()
	clientEnd, serverEnd := transportmem.Pair()

	c := New(clientEnd, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c.Start(ctx)
	t.Cleanup(func() { _ = c.Close() })

	return c, serverEnd
}

// readFrame decodes the next frame arriving at the server end.
func readFrame(t *testing.T, serverEnd *transportmem.Conn) wire.Message {
	t.Helper()
	select {
	case data, ok := <-serverEnd.Receive():
		require.True(t, ok, "server end closed")
		msg, err := wire.Decode(data)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func sendFrame(t *testing.T, serverEnd *transportmem.Conn, msg wire.Message) {
	t.Helper()
	data, err := wire.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, serverEnd.Send(context.Background(), data))
}

func testCommand() command.Command {
	return command.Command{
		Aggregate: "order",
		Target:    "orders-1",
		Name:      "addItem",
		Payload:   json.RawMessage(`{"sku": "A-100"}`),
	}
}

func TestSendCommandSuccess(t *testing.T) {
	c, serverEnd := newClientPair(t)

	go func() {
		msg := readFrame(t, serverEnd)
		cmd := msg.(*wire.Command)
		sendFrame(t, serverEnd, &wire.CommandResult{
			Envelope: wire.Envelope{ID: cmd.ID},
			Success:  true,
			Position: &wire.PositionRef{StreamID: "orders-1", EventNumber: 3},
		})
	}()

	res, err := c.SendCommand(context.Background(), testCommand())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, store.StreamID("orders-1"), res.Position.StreamID)
	assert.Equal(t, store.EventNumber(3), res.Position.EventNumber)
	assert.Nil(t, res.Error)
}

func TestSendCommandFailureCarriesKind(t *testing.T) {
	c, serverEnd := newClientPair(t)

	go func() {
		msg := readFrame(t, serverEnd)
		sendFrame(t, serverEnd, &wire.CommandResult{
			Envelope: wire.Envelope{ID: msg.(*wire.Command).ID},
			Success:  false,
			Error:    &wire.ErrorInfo{Message: "expected 0, actual 1", Code: "ConcurrencyConflict"},
		})
	}()

	res, err := c.SendCommand(context.Background(), testCommand())
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, command.KindConcurrencyConflict, res.Error.Kind)
	assert.Equal(t, "expected 0, actual 1", res.Error.Message)
}

func TestSendCommandTimeout(t *testing.T) {
	c, serverEnd := newClientPair(t, WithCommandTimeout(50*time.Millisecond))

	// Swallow the command and never answer.
	go func() { readFrame(t, serverEnd) }()

	start := time.Now()
	res, err := c.SendCommand(context.Background(), testCommand())
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, command.KindTimeout, res.Error.Kind)
	assert.Equal(t, int64(50), res.Error.TimeoutMs)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestLateResultAfterTimeoutIsDropped(t *testing.T) {
	c, serverEnd := newClientPair(t, WithCommandTimeout(50*time.Millisecond))

	cmdID := make(chan string, 1)
	go func() {
		msg := readFrame(t, serverEnd)
		cmdID <- msg.(*wire.Command).ID
	}()

	res, err := c.SendCommand(context.Background(), testCommand())
	require.NoError(t, err)
	assert.Equal(t, command.KindTimeout, res.Error.Kind)

	// A result arriving after the deadline must not disturb the client.
	sendFrame(t, serverEnd, &wire.CommandResult{
		Envelope: wire.Envelope{ID: <-cmdID},
		Success:  true,
		Position: &wire.PositionRef{StreamID: "orders-1", EventNumber: 1},
	})
	time.Sleep(50 * time.Millisecond)

	// The client is still operational afterwards.
	require.NoError(t, c.Ping(context.Background()))
}

func TestSendCommandAfterCloseFailsDisconnected(t *testing.T) {
	c, _ := newClientPair(t)
	require.NoError(t, c.Close())

	res, err := c.SendCommand(context.Background(), testCommand())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, command.KindDisconnected, res.Error.Kind)
}

func TestSendCommandContextCancel(t *testing.T) {
	c, serverEnd := newClientPair(t)
	go func() { readFrame(t, serverEnd) }()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.SendCommand(ctx, testCommand())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDisconnectFailsPendingCommands(t *testing.T) {
	c, serverEnd := newClientPair(t)
	go func() { readFrame(t, serverEnd) }()

	done := make(chan command.Result, 1)
	go func() {
		res, err := c.SendCommand(context.Background(), testCommand())
		require.NoError(t, err)
		done <- res
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, serverEnd.Close())

	select {
	case res := <-done:
		assert.False(t, res.Success)
		assert.Equal(t, command.KindDisconnected, res.Error.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("pending command did not complete on disconnect")
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	c, serverEnd := newClientPair(t)

	ch, err := c.Subscribe(context.Background(), "orders-1")
	require.NoError(t, err)

	sub := readFrame(t, serverEnd).(*wire.Subscribe)
	assert.Equal(t, "orders-1", sub.StreamID)

	sendFrame(t, serverEnd, &wire.Event{
		Envelope:    wire.Envelope{ID: "ev-1"},
		StreamID:    "orders-1",
		EventNumber: 0,
		Position:    1,
		EventType:   "Created",
		EventData:   json.RawMessage(`{}`),
	})

	select {
	case ev := <-ch:
		assert.Equal(t, store.StreamID("orders-1"), ev.StreamID)
		assert.Equal(t, "Created", ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("expected event")
	}
}

func TestDuplicateSubscribeRejected(t *testing.T) {
	c, serverEnd := newClientPair(t)
	go func() { readFrame(t, serverEnd) }()

	_, err := c.Subscribe(context.Background(), "orders-1")
	require.NoError(t, err)

	_, err = c.Subscribe(context.Background(), "orders-1")
	assert.Error(t, err)
}

func TestEventForUnknownStreamDropped(t *testing.T) {
	c, serverEnd := newClientPair(t)

	ch, err := c.Subscribe(context.Background(), "orders-1")
	require.NoError(t, err)
	readFrame(t, serverEnd)

	sendFrame(t, serverEnd, &wire.Event{
		Envelope:    wire.Envelope{ID: "ev-x"},
		StreamID:    "other-stream",
		EventNumber: 0,
		Position:    1,
		EventType:   "Noise",
		EventData:   json.RawMessage(`{}`),
	})

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event: %v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMalformedFrameBetweenValidFramesIsDropped(t *testing.T) {
	c, serverEnd := newClientPair(t)

	go func() {
		msg := readFrame(t, serverEnd)
		cmd := msg.(*wire.Command)
		// Garbage first; the valid result must still be routed.
		require.NoError(t, serverEnd.Send(context.Background(), []byte("not json at all")))
		require.NoError(t, serverEnd.Send(context.Background(), []byte(`{"type": "command_result"}`)))
		sendFrame(t, serverEnd, &wire.CommandResult{
			Envelope: wire.Envelope{ID: cmd.ID},
			Success:  true,
			Position: &wire.PositionRef{StreamID: "orders-1", EventNumber: 1},
		})
	}()

	res, err := c.SendCommand(context.Background(), testCommand())
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestErrorFrameCompletesCorrelatedCommand(t *testing.T) {
	c, serverEnd := newClientPair(t)

	go func() {
		msg := readFrame(t, serverEnd)
		sendFrame(t, serverEnd, &wire.Error{
			Envelope: wire.Envelope{ID: "err-1", CorrelationID: msg.(*wire.Command).ID},
			Error:    wire.ErrorInfo{Message: "unsupported frame"},
		})
	}()

	res, err := c.SendCommand(context.Background(), testCommand())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, command.KindProtocol, res.Error.Kind)
}

func TestSubscriptionEndClosesChannel(t *testing.T) {
	c, serverEnd := newClientPair(t)

	ch, err := c.Subscribe(context.Background(), "orders-1")
	require.NoError(t, err)
	readFrame(t, serverEnd)

	sendFrame(t, serverEnd, &wire.SubscriptionEnd{
		Envelope: wire.Envelope{ID: "end-1"},
		StreamID: "orders-1",
		Reason:   "stream read failed",
	})

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close")
	}

	// The stream can be subscribed again afterwards.
	_, err = c.Subscribe(context.Background(), "orders-1")
	assert.NoError(t, err)
}

func TestDisconnectEndsSubscriptions(t *testing.T) {
	c, serverEnd := newClientPair(t)

	ch, err := c.Subscribe(context.Background(), "orders-1")
	require.NoError(t, err)
	readFrame(t, serverEnd)

	require.NoError(t, serverEnd.Close())

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close")
	}

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not observe disconnect")
	}
}

func TestUnsubscribeSendsFrameAndClosesChannel(t *testing.T) {
	c, serverEnd := newClientPair(t)

	ch, err := c.Subscribe(context.Background(), "orders-1")
	require.NoError(t, err)
	readFrame(t, serverEnd)

	c.Unsubscribe("orders-1")

	unsub := readFrame(t, serverEnd)
	assert.Equal(t, wire.TypeUnsubscribe, unsub.Kind())
	assert.Equal(t, "orders-1", unsub.(*wire.Unsubscribe).StreamID)

	_, ok := <-ch
	assert.False(t, ok)
}

func TestGeneratedCommandIDsAreUnique(t *testing.T) {
	c, serverEnd := newClientPair(t)

	ids := make(chan string, 2)
	go func() {
		for i := 0; i < 2; i++ {
			msg := readFrame(t, serverEnd)
			cmd := msg.(*wire.Command)
			ids <- cmd.ID
			sendFrame(t, serverEnd, &wire.CommandResult{
				Envelope: wire.Envelope{ID: cmd.ID},
				Success:  true,
				Position: &wire.PositionRef{StreamID: "orders-1", EventNumber: 1},
			})
		}
	}()

	_, err := c.SendCommand(context.Background(), testCommand())
	require.NoError(t, err)
	_, err = c.SendCommand(context.Background(), testCommand())
	require.NoError(t, err)

	first, second := <-ids, <-ids
	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}

func TestPingGoesOut(t *testing.T) {
	c, serverEnd := newClientPair(t)

	require.NoError(t, c.Ping(context.Background()))
	msg := readFrame(t, serverEnd)
	assert.Equal(t, wire.TypePing, msg.Kind())
}

var _ transport.Conn = (*transportmem.Conn)(nil)
