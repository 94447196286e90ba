package api

import "github.com/strandlabs/strand/pkg/store"

// HealthCheck is the status of one dependency in the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the GET /health response body.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version"`
	Sessions int                    `json:"sessions"`
	Checks   map[string]HealthCheck `json:"checks"`
}

// StreamEventsResponse is the GET /api/v1/streams/:id/events response body.
type StreamEventsResponse struct {
	StreamID string                `json:"streamId"`
	Events   []store.RecordedEvent `json:"events"`
}
