package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/strandlabs/strand/pkg/store"
)

const (
	// waitTimeout bounds each blocking wait for a notification so the
	// listener can poll for rows a NOTIFY may have raced past.
	waitTimeout = 30 * time.Second

	// Reconnect backoff for the dedicated listen connection.
	initialReconnectDelay = time.Second
	maxReconnectDelay     = 30 * time.Second

	subscribeAllBuffer = 256
)

// SubscribeAll returns a channel of events committed after the call, in
// global commit order. Delivery is driven by LISTEN on the store's notify
// channel from a dedicated connection; on every wakeup the listener
// re-reads committed rows past its cursor from the pool, so no event is
// lost to a dropped notification. The channel closes when ctx ends.
func (s *Store) SubscribeAll(ctx context.Context) (<-chan store.RecordedEvent, error) {
	start, err := s.maxGlobal(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan store.RecordedEvent, subscribeAllBuffer)
	go s.listenLoop(ctx, start, out)
	return out, nil
}

// listenLoop owns the dedicated listen connection for one subscription.
// Connection failures trigger reconnect with exponential backoff; the
// cursor survives reconnects, so events committed while disconnected are
// caught up on the next read.
func (s *Store) listenLoop(ctx context.Context, cursor int64, out chan<- store.RecordedEvent) {
	defer close(out)

	delay := initialReconnectDelay
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := pgx.Connect(ctx, s.dsn)
		if err == nil {
			_, err = conn.Exec(ctx, "LISTEN "+notifyChannel)
			if err == nil {
				delay = initialReconnectDelay
				err = s.receiveLoop(ctx, conn, &cursor, out)
			}
			_ = conn.Close(context.Background())
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("postgres listener: connection lost, reconnecting",
				"error", err, "delay", delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// receiveLoop waits for notifications and drains new rows after each
// wakeup. A wait timeout is not an error; it just forces a poll.
func (s *Store) receiveLoop(ctx context.Context, conn *pgx.Conn, cursor *int64, out chan<- store.RecordedEvent) error {
	for {
		// Drain first: events may have been committed between connecting
		// and LISTEN taking effect, or during a previous disconnect.
		if err := s.deliverSince(ctx, cursor, out); err != nil {
			return err
		}

		waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
		_, err := conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if waitCtx.Err() == context.DeadlineExceeded {
				continue
			}
			return err
		}
	}
}

// deliverSince reads rows past the cursor from the pool and pushes them in
// commit order, advancing the cursor per delivered event.
func (s *Store) deliverSince(ctx context.Context, cursor *int64, out chan<- store.RecordedEvent) error {
	events, err := s.readSince(ctx, *cursor)
	if err != nil {
		return err
	}
	for _, ev := range events {
		select {
		case out <- ev:
			*cursor = ev.GlobalPosition
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
