// Package transport defines the minimal frame-oriented connection
// abstraction the protocol layers consume. Concrete transports (in-memory
// loopback, WebSocket) live in subpackages.
package transport

import (
	"context"
	"errors"
)

// State is the lifecycle phase of a connection. Once a connection reports
// StateDisconnected it never returns to StateConnected; a new connection
// must be created.
type State string

const (
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateDisconnected  State = "disconnected"
	StateError         State = "error"
)

// ErrNotConnected is returned by Send when the connection is not currently
// connected.
var ErrNotConnected = errors.New("transport: not connected")

// Conn is one bidirectional frame-oriented connection. Send may block under
// transport back-pressure. Receive's channel is closed when the connection
// ends. Close is idempotent.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Receive() <-chan []byte
	States() <-chan State
	Close() error
}

// Listener produces incoming server-side connections. The Accept channel is
// closed when the listener closes.
type Listener interface {
	Accept() <-chan Conn
	Close() error
}
