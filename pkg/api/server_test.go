package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/pkg/bus"
	"github.com/strandlabs/strand/pkg/dispatch"
	protocol "github.com/strandlabs/strand/pkg/server"
	"github.com/strandlabs/strand/pkg/store"
	storemem "github.com/strandlabs/strand/pkg/store/memory"
	"github.com/strandlabs/strand/pkg/transport/ws"
	"github.com/strandlabs/strand/pkg/wire"
)

func newAPIServer(t *testing.T) (*Server, *storemem.Store) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st := storemem.New()
	t.Cleanup(st.Close)

	b, err := bus.New(ctx, st)
	require.NoError(t, err)
	t.Cleanup(b.Close)

	d := dispatch.New(st, nil)
	proto := protocol.NewServer(st, d, b)
	return NewServer(proto, st), st
}

func seed(t *testing.T, st *storemem.Store, streamID store.StreamID, types ...string) {
	t.Helper()
	events := make([]store.EventData, len(types))
	for i, et := range types {
		events[i] = store.EventData{Type: et, Data: json.RawMessage(`{}`)}
	}
	_, err := st.Append(context.Background(), store.StreamPosition{StreamID: streamID}, events)
	require.NoError(t, err)
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newAPIServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "healthy", body.Checks["store"].Status)
}

func TestSecurityHeadersSet(t *testing.T) {
	s, _ := newAPIServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "camera=(), microphone=(), geolocation=()", rec.Header().Get("Permissions-Policy"))
}

func TestGetStreamEvents(t *testing.T) {
	s, st := newAPIServer(t)
	seed(t, st, "orders-1", "Created", "ItemAdded", "ItemAdded")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/streams/orders-1/events", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body StreamEventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "orders-1", body.StreamID)
	require.Len(t, body.Events, 3)
	assert.Equal(t, "Created", body.Events[0].Type)
	assert.Equal(t, store.EventNumber(2), body.Events[2].EventNumber)
}

func TestGetStreamEventsFromOffset(t *testing.T) {
	s, st := newAPIServer(t)
	seed(t, st, "orders-1", "Created", "ItemAdded", "ItemAdded")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/streams/orders-1/events?from=2", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body StreamEventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, store.EventNumber(2), body.Events[0].EventNumber)
}

func TestGetStreamEventsUnknownStreamIsEmpty(t *testing.T) {
	s, _ := newAPIServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/streams/nope/events", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body StreamEventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Events)
}

func TestGetStreamEventsInvalidFrom(t *testing.T) {
	s, _ := newAPIServer(t)

	for _, from := range []string{"abc", "-1"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/streams/orders-1/events?from="+from, nil)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "from=%s", from)
	}
}

func TestWebSocketEndpointSpeaksProtocol(t *testing.T) {
	s, _ := newAPIServer(t)

	httpSrv := httptest.NewServer(s.Handler())
	t.Cleanup(httpSrv.Close)
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := ws.Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	data, err := wire.Encode(&wire.Ping{Envelope: wire.Envelope{ID: "ping-1"}})
	require.NoError(t, err)
	require.NoError(t, conn.Send(ctx, data))

	select {
	case reply := <-conn.Receive():
		msg, err := wire.Decode(reply)
		require.NoError(t, err)
		pong, ok := msg.(*wire.Pong)
		require.True(t, ok, "got %T", msg)
		assert.Equal(t, "ping-1", pong.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no pong")
	}
}
