package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/strandlabs/strand/pkg/bus"
	"github.com/strandlabs/strand/pkg/command"
	"github.com/strandlabs/strand/pkg/dispatch"
	"github.com/strandlabs/strand/pkg/store"
	"github.com/strandlabs/strand/pkg/transport"
	"github.com/strandlabs/strand/pkg/wire"
)

// Server bridges protocol sessions to the dispatcher and the event bus.
// Each connection gets two cooperative tasks within its scope: one
// consuming inbound commands, one fanning bus events out to the
// connection. Both end when the session's scope ends.
type Server struct {
	store      store.EventStore
	dispatcher *dispatch.Dispatcher
	bus        *bus.Bus

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewServer wires the protocol server. The bus must be pumping from the
// same store the dispatcher commits to; it is the single source of truth
// for event delivery.
func NewServer(st store.EventStore, d *dispatch.Dispatcher, b *bus.Bus) *Server {
	return &Server{
		store:      st,
		dispatcher: d,
		bus:        b,
		sessions:   make(map[string]*Session),
	}
}

// ActiveSessions returns the number of connected sessions.
func (s *Server) ActiveSessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Serve accepts connections until the listener closes or ctx is
// cancelled. Each connection is handled on its own goroutine.
func (s *Server) Serve(ctx context.Context, l transport.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		case conn, ok := <-l.Accept():
			if !ok {
				return
			}
			go s.HandleConn(ctx, conn)
		}
	}
}

// HandleConn runs the protocol over one connection and blocks until it
// ends. The session scope ending cancels both bridge tasks, closes the
// transport, and releases all per-connection state.
func (s *Server) HandleConn(ctx context.Context, conn transport.Conn) {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	session := NewSession(conn, s.store)
	s.register(session)
	defer s.unregister(session)
	defer func() { _ = conn.Close() }()

	slog.Info("server: session connected", "session_id", session.ID())

	var tasks sync.WaitGroup

	// Commands task: dispatch each inbound command and send its single
	// terminal result back on this connection.
	tasks.Add(1)
	go func() {
		defer tasks.Done()
		for m := range session.Commands() {
			res := s.dispatchSafe(sessCtx, m)
			if err := session.SendResult(sessCtx, res); err != nil {
				slog.Warn("server: result send failed",
					"session_id", session.ID(), "command_id", m.ID, "error", err)
			}
		}
	}()

	// Events task: fan every committed event out to this connection;
	// the session filters by its subscription set. Publish errors are
	// logged and swallowed; they never cancel the session. The bus
	// subscription is taken before the read loop starts so events
	// committed right after the first subscribe frame are not missed.
	events := s.bus.Subscribe(sessCtx, bus.All)
	tasks.Add(1)
	go func() {
		defer tasks.Done()
		for ev := range events {
			if err := session.PublishEvent(sessCtx, ev); err != nil {
				slog.Warn("server: event publish failed",
					"session_id", session.ID(), "stream_id", ev.StreamID, "error", err)
			}
		}
	}()

	session.Run(sessCtx)
	cancel()
	tasks.Wait()

	slog.Info("server: session closed", "session_id", session.ID())
}

// dispatchSafe invokes the dispatcher, converting a crash into an
// UnknownError result so the command still terminates in exactly one
// CommandResult.
func (s *Server) dispatchSafe(ctx context.Context, m *wire.Command) (res command.Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("server: dispatcher crashed",
				"command_id", m.ID, "command_name", m.CommandName, "panic", r)
			res = command.Fail(m.ID, m.CommandName, command.KindUnknown,
				fmt.Sprintf("dispatch crashed: %v", r))
		}
	}()
	return s.dispatcher.Dispatch(ctx, dispatch.CommandFromWire(m))
}

func (s *Server) register(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.id] = session
}

func (s *Server) unregister(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, session.id)
}
