// Package postgres implements the event store on PostgreSQL. Appends run
// in a single transaction that inserts the batch and fires pg_notify, so
// the commit and its notification are atomic; SubscribeAll listens on a
// dedicated connection and re-reads committed events by global position,
// which keeps delivery complete regardless of the NOTIFY payload limit.
package postgres

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql

	"github.com/strandlabs/strand/pkg/store"
)

//go:embed migrations
var migrationsFS embed.FS

// notifyChannel is the pg_notify channel carrying committed global
// positions.
const notifyChannel = "strand_events"

// uniqueViolation is the PostgreSQL error code for unique constraint
// violations; a concurrent writer winning the race surfaces as one.
const uniqueViolation = "23505"

// Store is a PostgreSQL-backed event store. Safe for concurrent use; the
// events table's unique (stream_id, event_number) constraint is the
// authority on optimistic concurrency.
type Store struct {
	db  *stdsql.DB
	dsn string
}

// New opens a pooled connection, applies embedded migrations, and returns
// the store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	db, err := stdsql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db, dsn: cfg.DSN()}, nil
}

// NewWithDB wraps an existing connection (useful for tests). Migrations
// are still applied.
func NewWithDB(db *stdsql.DB, dsn string) (*Store, error) {
	if err := runMigrations(db, ""); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Store{db: db, dsn: dsn}, nil
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *stdsql.DB { return s.db }

// Close closes the connection pool. Listeners started by SubscribeAll are
// owned by their contexts, not by the store.
func (s *Store) Close() error { return s.db.Close() }

// Health pings the database with a short deadline.
func (s *Store) Health(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// Append commits the batch at the expected stream position. The insert
// and the pg_notify fire in one transaction (pg_notify is transactional,
// held until COMMIT), so subscribers never observe a notification for an
// uncommitted batch.
func (s *Store) Append(ctx context.Context, expected store.StreamPosition, events []store.EventData) (store.StreamPosition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.StreamPosition{}, &store.WriteError{StreamID: expected.StreamID, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(event_number) + 1, 0) FROM events WHERE stream_id = $1`,
		string(expected.StreamID),
	).Scan(&current)
	if err != nil {
		return store.StreamPosition{}, &store.WriteError{StreamID: expected.StreamID, Err: err}
	}
	if store.EventNumber(current) != expected.EventNumber {
		return store.StreamPosition{}, &store.ConflictError{
			StreamID: expected.StreamID,
			Expected: expected.EventNumber,
			Actual:   store.EventNumber(current),
		}
	}

	var lastGlobal int64
	for i, ev := range events {
		var metadata any
		if ev.Metadata != nil {
			m, merr := json.Marshal(ev.Metadata)
			if merr != nil {
				return store.StreamPosition{}, &store.WriteError{StreamID: expected.StreamID, Err: merr}
			}
			metadata = m
		}
		err = tx.QueryRowContext(ctx,
			`INSERT INTO events (stream_id, event_number, event_type, data, metadata)
			 VALUES ($1, $2, $3, $4, $5) RETURNING global_position`,
			string(expected.StreamID),
			current+int64(i),
			ev.Type,
			[]byte(ev.Data),
			metadata,
		).Scan(&lastGlobal)
		if err != nil {
			if conflict := s.asConflict(ctx, expected, err); conflict != nil {
				return store.StreamPosition{}, conflict
			}
			return store.StreamPosition{}, &store.WriteError{StreamID: expected.StreamID, Err: err}
		}
	}

	// The NOTIFY payload is only a cursor; listeners re-read the rows.
	_, err = tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`,
		notifyChannel, fmt.Sprintf("%d", lastGlobal))
	if err != nil {
		return store.StreamPosition{}, &store.WriteError{StreamID: expected.StreamID, Err: err}
	}

	if err := tx.Commit(); err != nil {
		if conflict := s.asConflict(ctx, expected, err); conflict != nil {
			return store.StreamPosition{}, conflict
		}
		return store.StreamPosition{}, &store.WriteError{StreamID: expected.StreamID, Err: err}
	}

	return store.StreamPosition{
		StreamID:    expected.StreamID,
		EventNumber: expected.EventNumber + store.EventNumber(len(events)),
	}, nil
}

// asConflict maps a unique violation (a concurrent writer won the race
// between our length check and insert) to a ConflictError with the
// re-read actual length.
func (s *Store) asConflict(ctx context.Context, expected store.StreamPosition, err error) *store.ConflictError {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return nil
	}
	var actual int64
	if qerr := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(event_number) + 1, 0) FROM events WHERE stream_id = $1`,
		string(expected.StreamID),
	).Scan(&actual); qerr != nil {
		actual = int64(expected.EventNumber)
	}
	return &store.ConflictError{
		StreamID: expected.StreamID,
		Expected: expected.EventNumber,
		Actual:   store.EventNumber(actual),
	}
}

// Read returns the persisted events of from.StreamID starting at
// from.EventNumber.
func (s *Store) Read(ctx context.Context, from store.StreamPosition) ([]store.RecordedEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT global_position, stream_id, event_number, event_type, data, metadata
		 FROM events
		 WHERE stream_id = $1 AND event_number >= $2
		 ORDER BY event_number`,
		string(from.StreamID), int64(from.EventNumber),
	)
	if err != nil {
		return nil, fmt.Errorf("read stream %q: %w", from.StreamID, err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// readSince returns all events with a global position greater than the
// cursor, in commit order. Used by the subscribe-all listener.
func (s *Store) readSince(ctx context.Context, global int64) ([]store.RecordedEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT global_position, stream_id, event_number, event_type, data, metadata
		 FROM events
		 WHERE global_position > $1
		 ORDER BY global_position`,
		global,
	)
	if err != nil {
		return nil, fmt.Errorf("read events since %d: %w", global, err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// maxGlobal returns the store-wide commit cursor.
func (s *Store) maxGlobal(ctx context.Context) (int64, error) {
	var global int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(global_position), 0) FROM events`,
	).Scan(&global)
	return global, err
}

func scanEvents(rows *stdsql.Rows) ([]store.RecordedEvent, error) {
	var out []store.RecordedEvent
	for rows.Next() {
		var (
			ev       store.RecordedEvent
			streamID string
			number   int64
			data     []byte
			metadata []byte
		)
		if err := rows.Scan(&ev.GlobalPosition, &streamID, &number, &ev.Type, &data, &metadata); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.StreamID = store.StreamID(streamID)
		ev.EventNumber = store.EventNumber(number)
		ev.Data = json.RawMessage(data)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// runMigrations applies the embedded SQL migrations. Only the migration
// source is closed afterwards: closing the migrate instance itself would
// close the shared *sql.DB.
func runMigrations(db *stdsql.DB, database string) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, database, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}
