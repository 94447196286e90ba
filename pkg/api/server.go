// Package api exposes the HTTP surface: the WebSocket endpoint carrying
// the event protocol, a health endpoint, and a small REST read API over
// streams.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/strandlabs/strand/pkg/server"
	"github.com/strandlabs/strand/pkg/store"
)

// Server hosts the HTTP endpoints in front of the protocol server.
type Server struct {
	proto *server.Server
	store store.EventStore

	echo *echo.Echo
	http *http.Server
}

// NewServer builds the HTTP server and registers all routes.
func NewServer(proto *server.Server, st store.EventStore) *Server {
	s := &Server{
		proto: proto,
		store: st,
		echo:  echo.New(),
	}

	s.echo.Use(securityHeaders())

	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/ws", s.wsHandler)
	s.echo.GET("/api/v1/streams/:id/events", s.getStreamEventsHandler)

	return s
}

// Handler returns the routing handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves HTTP on addr and blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
