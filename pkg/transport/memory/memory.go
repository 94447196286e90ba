// Package memory provides an in-process loopback transport: a pair of
// connections whose sends surface on the peer's receive channel. Used by
// tests and single-process embeddings of the protocol.
package memory

import (
	"context"
	"sync"

	"github.com/strandlabs/strand/pkg/transport"
)

// frameBuffer is the per-direction frame capacity before Send blocks.
const frameBuffer = 64

// Conn is one end of a loopback pair. Each end closes only the channel it
// writes to, after in-flight sends have drained, so the peer's receive
// channel closes exactly once.
type Conn struct {
	out    chan []byte
	in     chan []byte
	states chan transport.State
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	sending sync.WaitGroup
	peer    *Conn
}

// Pair creates two connected loopback ends. Closing either end disconnects
// both.
func Pair() (*Conn, *Conn) {
	ab := make(chan []byte, frameBuffer)
	ba := make(chan []byte, frameBuffer)
	a := &Conn{out: ab, in: ba, states: make(chan transport.State, 4), done: make(chan struct{})}
	b := &Conn{out: ba, in: ab, states: make(chan transport.State, 4), done: make(chan struct{})}
	a.peer, b.peer = b, a
	a.states <- transport.StateConnected
	b.states <- transport.StateConnected
	return a, b
}

// Send delivers one frame to the peer. Fails with ErrNotConnected after
// either end has closed.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrNotConnected
	}
	c.sending.Add(1)
	c.mu.Unlock()
	defer c.sending.Done()

	// Copy so the caller may reuse the buffer.
	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case c.out <- buf:
		return nil
	case <-c.done:
		return transport.ErrNotConnected
	case <-c.peer.done:
		return transport.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the channel of frames sent by the peer. Closed on
// disconnect.
func (c *Conn) Receive() <-chan []byte { return c.in }

// States reports connection lifecycle transitions.
func (c *Conn) States() <-chan transport.State { return c.states }

// Close disconnects both ends. Idempotent.
func (c *Conn) Close() error {
	c.closeLocal()
	c.peer.closeLocal()
	return nil
}

func (c *Conn) closeLocal() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.sending.Wait()
	close(c.out)
	select {
	case c.states <- transport.StateDisconnected:
	default:
	}
}

// Listener hands out server-side loopback connections via Dial.
type Listener struct {
	accept chan transport.Conn

	mu     sync.Mutex
	closed bool
}

// NewListener creates a loopback listener.
func NewListener() *Listener {
	return &Listener{accept: make(chan transport.Conn, 8)}
}

// Dial creates a new connection pair, queues the server end for Accept,
// and returns the client end.
func (l *Listener) Dial() (*Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, transport.ErrNotConnected
	}
	client, server := Pair()
	l.accept <- server
	return client, nil
}

// Accept returns the channel of incoming server-side connections.
func (l *Listener) Accept() <-chan transport.Conn { return l.accept }

// Close stops accepting. Idempotent. Existing connections are unaffected.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.accept)
	return nil
}
