// SPDX-License-Identifier: MIT

// Package store implements the append-only event store and its synchronous
// dispatch trigger. An append inserts the event, routes it to the projection
// handler for its stream family and records the outcome, all inside one
// transaction; callers observe their own write in the projections as soon as
// Append returns.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/evented-go/evented/internal/event"
	"github.com/evented-go/evented/internal/log"
	"github.com/evented-go/evented/internal/metrics"
)

// Router dispatches one event to its projection handler inside the append
// transaction. Implementations must be exhaustive over their stream's
// declared event types and return a hard error for anything unmatched.
type Router interface {
	Route(ctx context.Context, tx *sql.Tx, e event.Event) error
}

// AfterCommitHook observes an event after its transaction has committed.
// Hooks run on the append goroutine and must not block on external I/O
// beyond a bounded publish.
type AfterCommitHook func(ctx context.Context, e event.Event)

// Store is the event store plus dispatch trigger.
type Store struct {
	db          *sql.DB
	routers     map[event.StreamType]Router
	afterCommit []AfterCommitHook
	logger      zerolog.Logger
	now         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithRouter registers the projection router for a stream family.
func WithRouter(stream event.StreamType, r Router) Option {
	return func(s *Store) { s.routers[stream] = r }
}

// WithAfterCommit appends a post-commit hook.
func WithAfterCommit(hook AfterCommitHook) Option {
	return func(s *Store) { s.afterCommit = append(s.afterCommit, hook) }
}

// WithClock overrides the event timestamp source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates the store and runs its schema migration.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:      db,
		routers: make(map[event.StreamType]Router),
		logger:  log.WithComponent("store"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate event store: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		sequence INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		stream_type TEXT NOT NULL,
		stream_id TEXT NOT NULL,
		stream_version INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		event_data TEXT NOT NULL,
		event_metadata TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		processed_at TEXT,
		processing_error TEXT,
		UNIQUE (stream_type, stream_id, stream_version)
	);

	CREATE INDEX IF NOT EXISTS idx_events_stream ON events(stream_type, stream_id, stream_version);
	CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id);
	CREATE INDEX IF NOT EXISTS idx_events_failed ON events(sequence) WHERE processing_error IS NOT NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append validates, stores and synchronously dispatches one event.
//
// It fails with ErrUnhandledStreamType before anything is stored when no
// router exists for the stream family, with ErrConcurrencyConflict when
// expectedVersion is stale, and with a ValidationError for bad metadata or a
// malformed event type. A handler failure does not roll the event back: the
// record commits with processing_error set and Append returns a
// *ProcessingError carrying the stored event id.
func (s *Store) Append(ctx context.Context, streamType event.StreamType, streamID string, expectedVersion int64, eventType event.Type, data any, meta event.Metadata) (event.Event, error) {
	if streamID == "" {
		return event.Event{}, &event.ValidationError{Field: "stream_id", Reason: "stream id is required"}
	}
	if err := meta.Validate(); err != nil {
		return event.Event{}, err
	}
	if err := event.ValidateTypeName(streamType, eventType); err != nil {
		return event.Event{}, err
	}
	def, ok := event.Lookup(eventType)
	if !ok || def.Stream != streamType {
		return event.Event{}, &event.ValidationError{Field: "event_type", Reason: fmt.Sprintf("%q is not declared for stream type %q", eventType, streamType)}
	}
	router, ok := s.routers[streamType]
	if !ok {
		return event.Event{}, fmt.Errorf("%w: %s", ErrUnhandledStreamType, streamType)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return event.Event{}, &event.ValidationError{Field: "event_data", Reason: err.Error()}
	}
	if meta.CorrelationID == "" {
		// First event of a chain; every follow-up must carry this unchanged.
		meta.CorrelationID = uuid.NewString()
	}

	e := event.Event{
		ID:            uuid.New(),
		StreamType:    streamType,
		StreamID:      streamID,
		StreamVersion: expectedVersion + 1,
		Type:          eventType,
		Data:          raw,
		Metadata:      meta,
		CreatedAt:     s.now(),
	}

	stored, procErr, err := s.insertAndDispatch(ctx, router, e, expectedVersion)
	if err != nil {
		return event.Event{}, err
	}

	metrics.EventsAppendedTotal.WithLabelValues(string(streamType), string(eventType)).Inc()

	if procErr != nil {
		metrics.ProcessingErrorsTotal.WithLabelValues(string(streamType), string(eventType)).Inc()
		logger := log.WithContext(ctx, s.logger)
		logger.Error().
			Err(procErr).
			Str(log.FieldEventID, stored.ID.String()).
			Str(log.FieldEventType, string(eventType)).
			Msg("event stored but projection failed")
		return stored, &ProcessingError{EventID: stored.ID, Err: procErr}
	}

	s.fireAfterCommit(ctx, stored)
	return stored, nil
}

// insertAndDispatch runs the single transaction of the write path: insert,
// route via savepoint, record the processing outcome.
func (s *Store) insertAndDispatch(ctx context.Context, router Router, e event.Event, expectedVersion int64) (event.Event, error, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return event.Event{}, nil, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(stream_version), 0) FROM events WHERE stream_type = ? AND stream_id = ?`,
		e.StreamType, e.StreamID,
	).Scan(&current); err != nil {
		return event.Event{}, nil, fmt.Errorf("read stream version: %w", err)
	}
	if current != expectedVersion {
		metrics.AppendConflictsTotal.Inc()
		return event.Event{}, nil, &ConflictError{StreamType: e.StreamType, StreamID: e.StreamID, Expected: expectedVersion, Actual: current}
	}

	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return event.Event{}, nil, fmt.Errorf("marshal metadata: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, stream_type, stream_id, stream_version, event_type, event_data, event_metadata, correlation_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.StreamType, e.StreamID, e.StreamVersion, e.Type,
		string(e.Data), string(metaJSON), e.Metadata.CorrelationID, e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isVersionConflict(err) {
			// Lost the race between the version read and the insert; the
			// unique index is the authoritative lock.
			metrics.AppendConflictsTotal.Inc()
			return event.Event{}, nil, &ConflictError{StreamType: e.StreamType, StreamID: e.StreamID, Expected: expectedVersion, Actual: expectedVersion + 1}
		}
		return event.Event{}, nil, fmt.Errorf("insert event: %w", err)
	}
	e.Sequence, _ = res.LastInsertId()

	procErr := s.dispatch(ctx, tx, e)

	now := s.now()
	if procErr != nil {
		e.ProcessingError = ptr(procErr.Error())
		_, err = tx.ExecContext(ctx, `UPDATE events SET processing_error = ? WHERE id = ?`, procErr.Error(), e.ID.String())
	} else {
		e.ProcessedAt = &now
		_, err = tx.ExecContext(ctx, `UPDATE events SET processed_at = ? WHERE id = ?`, now.Format(time.RFC3339Nano), e.ID.String())
	}
	if err != nil {
		return event.Event{}, nil, fmt.Errorf("record processing outcome: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return event.Event{}, nil, fmt.Errorf("commit append tx: %w", err)
	}
	return e, procErr, nil
}

// dispatch invokes the router inside a savepoint so a failing handler leaves
// no partial projection writes behind while the event insert itself survives.
func (s *Store) dispatch(ctx context.Context, tx *sql.Tx, e event.Event) error {
	if _, err := tx.ExecContext(ctx, `SAVEPOINT dispatch`); err != nil {
		return fmt.Errorf("open dispatch savepoint: %w", err)
	}
	if err := s.route(ctx, tx, e); err != nil {
		if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT dispatch`); rbErr != nil {
			return fmt.Errorf("rollback dispatch savepoint after %v: %w", err, rbErr)
		}
		if _, rlErr := tx.ExecContext(ctx, `RELEASE SAVEPOINT dispatch`); rlErr != nil {
			return fmt.Errorf("release dispatch savepoint after %v: %w", err, rlErr)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `RELEASE SAVEPOINT dispatch`); err != nil {
		return fmt.Errorf("release dispatch savepoint: %w", err)
	}
	return nil
}

func (s *Store) route(ctx context.Context, tx *sql.Tx, e event.Event) (err error) {
	router, ok := s.routers[e.StreamType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnhandledStreamType, e.StreamType)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic for %s: %v", e.Type, r)
		}
	}()
	return router.Route(ctx, tx, e)
}

func (s *Store) fireAfterCommit(ctx context.Context, e event.Event) {
	for _, hook := range s.afterCommit {
		hook(ctx, e)
	}
}

// Reprocess re-runs the dispatch trigger for a stored event, typically one
// whose processing_error is set. It is idempotent: handlers upsert on natural
// keys, so replaying an already-processed event is a no-op.
func (s *Store) Reprocess(ctx context.Context, eventID uuid.UUID) error {
	e, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reprocess tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if procErr := s.dispatch(ctx, tx, e); procErr != nil {
		// Keep the latest failure visible to operators.
		if _, err := tx.ExecContext(ctx, `UPDATE events SET processing_error = ? WHERE id = ?`, procErr.Error(), e.ID.String()); err != nil {
			return fmt.Errorf("record reprocess failure: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit reprocess tx: %w", err)
		}
		metrics.ReprocessTotal.WithLabelValues("failure").Inc()
		return &ProcessingError{EventID: e.ID, Err: procErr}
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE events SET processed_at = ?, processing_error = NULL WHERE id = ?`,
		now.Format(time.RFC3339Nano), e.ID.String(),
	); err != nil {
		return fmt.Errorf("clear processing error: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reprocess tx: %w", err)
	}

	metrics.ReprocessTotal.WithLabelValues("success").Inc()
	e.ProcessedAt = &now
	e.ProcessingError = nil
	s.fireAfterCommit(ctx, e)
	return nil
}

// Load returns a stream's full history in version order.
func (s *Store) Load(ctx context.Context, streamType event.StreamType, streamID string) ([]event.Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE stream_type = ? AND stream_id = ? ORDER BY stream_version ASC`,
		streamType, streamID)
}

// GetEvent returns a single stored event by id.
func (s *Store) GetEvent(ctx context.Context, eventID uuid.UUID) (event.Event, error) {
	events, err := s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, eventID.String())
	if err != nil {
		return event.Event{}, err
	}
	if len(events) == 0 {
		return event.Event{}, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	return events[0], nil
}

// ListFailed returns events whose projection effect did not apply, oldest
// first, for the operational recovery surface.
func (s *Store) ListFailed(ctx context.Context, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE processing_error IS NOT NULL ORDER BY sequence ASC LIMIT ?`, limit)
}

// CurrentVersion returns the stream's max version, 0 for an unknown stream.
func (s *Store) CurrentVersion(ctx context.Context, streamType event.StreamType, streamID string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(stream_version), 0) FROM events WHERE stream_type = ? AND stream_id = ?`,
		streamType, streamID,
	).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read stream version: %w", err)
	}
	return v, nil
}

// CountByCorrelation counts the events in one correlation chain; the
// workflow bridge uses this to bound saga hops.
func (s *Store) CountByCorrelation(ctx context.Context, correlationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE correlation_id = ?`, correlationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count correlation chain: %w", err)
	}
	return n, nil
}

const eventColumns = `sequence, id, stream_type, stream_id, stream_version, event_type, event_data, event_metadata, created_at, processed_at, processing_error`

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []event.Event
	for rows.Next() {
		var (
			e           event.Event
			id          string
			data        string
			metaJSON    string
			createdAt   string
			processedAt sql.NullString
			procError   sql.NullString
		)
		if err := rows.Scan(&e.Sequence, &id, &e.StreamType, &e.StreamID, &e.StreamVersion, &e.Type, &data, &metaJSON, &createdAt, &processedAt, &procError); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse event id %q: %w", id, err)
		}
		e.Data = json.RawMessage(data)
		if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal event metadata: %w", err)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
		}
		if processedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, processedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse processed_at %q: %w", processedAt.String, err)
			}
			e.ProcessedAt = &t
		}
		if procError.Valid {
			e.ProcessingError = ptr(procError.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// isVersionConflict recognizes the unique index on (stream_type, stream_id,
// stream_version) failing under concurrent appends.
func isVersionConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: events.stream_type")
}

func ptr(s string) *string { return &s }
