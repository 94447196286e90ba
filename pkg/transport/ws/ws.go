// Package ws adapts a WebSocket connection to the transport contract.
// Frames map one-to-one onto WebSocket text messages.
package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/strandlabs/strand/pkg/transport"
)

// defaultWriteTimeout bounds a single WebSocket write so a stalled peer
// cannot block the sender indefinitely.
const defaultWriteTimeout = 10 * time.Second

// Conn wraps a *websocket.Conn as a transport.Conn. A background read pump
// feeds the receive channel; the pump exiting closes the channel and
// reports the disconnected state.
type Conn struct {
	wc           *websocket.Conn
	recv         chan []byte
	states       chan transport.State
	writeTimeout time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConn wraps an accepted or dialed WebSocket connection and starts its
// read pump. The connection lives within ctx; cancelling ctx disconnects.
func NewConn(ctx context.Context, wc *websocket.Conn) *Conn {
	connCtx, cancel := context.WithCancel(ctx)
	c := &Conn{
		wc:           wc,
		recv:         make(chan []byte, 64),
		states:       make(chan transport.State, 4),
		writeTimeout: defaultWriteTimeout,
		ctx:          connCtx,
		cancel:       cancel,
	}
	c.states <- transport.StateConnected
	go c.readPump()
	return c
}

// Dial connects to a WebSocket endpoint and returns the wrapped connection.
func Dial(ctx context.Context, url string) (*Conn, error) {
	wc, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewConn(ctx, wc), nil
}

func (c *Conn) readPump() {
	defer func() {
		select {
		case c.states <- transport.StateDisconnected:
		default:
		}
		close(c.recv)
	}()

	for {
		_, data, err := c.wc.Read(c.ctx)
		if err != nil {
			// Connection closed or errored; the protocol layer observes
			// the closed receive channel.
			return
		}
		select {
		case c.recv <- data:
		case <-c.ctx.Done():
			return
		}
	}
}

// Send writes one frame as a WebSocket text message, bounded by the write
// timeout.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.ctx.Done():
		return transport.ErrNotConnected
	default:
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := c.wc.Write(writeCtx, websocket.MessageText, frame); err != nil {
		if c.ctx.Err() != nil {
			return transport.ErrNotConnected
		}
		return err
	}
	return nil
}

// Receive returns the channel fed by the read pump. Closed on disconnect.
func (c *Conn) Receive() <-chan []byte { return c.recv }

// States reports connection lifecycle transitions.
func (c *Conn) States() <-chan transport.State { return c.states }

// Close tears the connection down. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		if err := c.wc.Close(websocket.StatusNormalClosure, ""); err != nil {
			slog.Debug("ws: close", "error", err)
		}
	})
	return nil
}
