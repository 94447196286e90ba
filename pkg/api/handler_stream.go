package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/strandlabs/strand/pkg/store"
)

// getStreamEventsHandler handles GET /api/v1/streams/:id/events. The
// optional "from" query parameter skips the stream prefix before that
// event number.
func (s *Server) getStreamEventsHandler(c *echo.Context) error {
	streamID := c.Param("id")
	if streamID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "stream id is required")
	}

	var from int64
	if raw := c.QueryParam("from"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from parameter")
		}
		from = parsed
	}

	events, err := s.store.Read(c.Request().Context(), store.StreamPosition{
		StreamID:    store.StreamID(streamID),
		EventNumber: store.EventNumber(from),
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read stream")
	}

	if events == nil {
		events = []store.RecordedEvent{}
	}
	return c.JSON(http.StatusOK, &StreamEventsResponse{
		StreamID: streamID,
		Events:   events,
	})
}
