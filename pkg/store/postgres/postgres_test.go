package postgres_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/pkg/store"
	"github.com/strandlabs/strand/pkg/store/postgres"
	"github.com/strandlabs/strand/test/util"
)

func setupStore(t *testing.T) *postgres.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}

	db, dsn := util.SetupTestDatabase(t)
	s, err := postgres.NewWithDB(db, dsn)
	require.NoError(t, err)
	return s
}

func event(eventType string) store.EventData {
	return store.EventData{Type: eventType, Data: json.RawMessage(`{"k": "v"}`)}
}

func TestAppendAndRead(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	pos, err := s.Append(ctx, store.StreamPosition{StreamID: "orders-1"},
		[]store.EventData{event("Created"), event("ItemAdded")})
	require.NoError(t, err)
	assert.Equal(t, store.EventNumber(2), pos.EventNumber)

	events, err := s.Read(ctx, store.StreamPosition{StreamID: "orders-1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, store.EventNumber(0), events[0].EventNumber)
	assert.Equal(t, "Created", events[0].Type)
	assert.JSONEq(t, `{"k": "v"}`, string(events[0].Data))
	assert.Greater(t, events[0].GlobalPosition, int64(0))
	assert.Equal(t, events[0].GlobalPosition+1, events[1].GlobalPosition)
}

func TestAppendConflict(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, store.StreamPosition{StreamID: "orders-1"},
		[]store.EventData{event("Created")})
	require.NoError(t, err)

	_, err = s.Append(ctx, store.StreamPosition{StreamID: "orders-1"},
		[]store.EventData{event("Created")})
	require.Error(t, err)

	var conflict *store.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, store.EventNumber(0), conflict.Expected)
	assert.Equal(t, store.EventNumber(1), conflict.Actual)

	events, err := s.Read(ctx, store.StreamPosition{StreamID: "orders-1"})
	require.NoError(t, err)
	assert.Len(t, events, 1, "failed append must write nothing")
}

func TestReadFromOffset(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, store.StreamPosition{StreamID: "a"},
		[]store.EventData{event("E1"), event("E2"), event("E3")})
	require.NoError(t, err)

	events, err := s.Read(ctx, store.StreamPosition{StreamID: "a", EventNumber: 1})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "E2", events[0].Type)

	events, err = s.Read(ctx, store.StreamPosition{StreamID: "missing"})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMetadataRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, store.StreamPosition{StreamID: "a"},
		[]store.EventData{{
			Type:     "Created",
			Data:     json.RawMessage(`{}`),
			Metadata: map[string]any{"trace": "abc-123"},
		}})
	require.NoError(t, err)

	events, err := s.Read(ctx, store.StreamPosition{StreamID: "a"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "abc-123", events[0].Metadata["trace"])
}

func TestSubscribeAllDeliversLiveCommits(t *testing.T) {
	s := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Historic events are not replayed by SubscribeAll.
	_, err := s.Append(ctx, store.StreamPosition{StreamID: "a"},
		[]store.EventData{event("Historic")})
	require.NoError(t, err)

	ch, err := s.SubscribeAll(ctx)
	require.NoError(t, err)

	// Allow the listener to connect and take its starting cursor.
	time.Sleep(500 * time.Millisecond)

	_, err = s.Append(ctx, store.StreamPosition{StreamID: "a", EventNumber: 1},
		[]store.EventData{event("Live1")})
	require.NoError(t, err)
	_, err = s.Append(ctx, store.StreamPosition{StreamID: "b"},
		[]store.EventData{event("Live2")})
	require.NoError(t, err)

	var got []string
	deadline := time.After(10 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-ch:
			got = append(got, ev.Type)
		case <-deadline:
			t.Fatalf("timed out; received %v", got)
		}
	}
	assert.Equal(t, []string{"Live1", "Live2"}, got)
	assert.NotContains(t, got, "Historic")
}

func TestSubscribeAllClosesOnCancel(t *testing.T) {
	s := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := s.SubscribeAll(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not close")
	}
}
