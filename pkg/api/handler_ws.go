package api

import (
	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/strandlabs/strand/pkg/transport/ws"
)

// wsHandler upgrades HTTP connections to WebSocket and hands them to the
// protocol server.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.proto == nil {
		return echo.NewHTTPError(503, "WebSocket not available")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Accept all origins; deployments in front of a browser should
		// replace this with an OriginPatterns allowlist.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	// HandleConn blocks until the WebSocket closes.
	s.proto.HandleConn(c.Request().Context(), ws.NewConn(c.Request().Context(), conn))
	return nil
}
