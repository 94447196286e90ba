package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/strandlabs/strand/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// healther is implemented by store backends with a meaningful liveness
// check. The in-memory store has none; it reports healthy by construction.
type healther interface {
	Health(ctx context.Context) error
}

// healthHandler handles GET /health. Only the store is checked; the
// protocol server has no failure mode independent of its store.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if h, ok := s.store.(healther); ok {
		if err := h.Health(reqCtx); err != nil {
			status = healthStatusUnhealthy
			checks["store"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["store"] = HealthCheck{Status: healthStatusHealthy}
		}
	} else {
		checks["store"] = HealthCheck{Status: healthStatusHealthy}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:   status,
		Version:  version.GitCommit,
		Sessions: s.proto.ActiveSessions(),
		Checks:   checks,
	})
}
