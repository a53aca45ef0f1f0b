package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ledgerd.io/ledgerd/internal/domain"
	"ledgerd.io/ledgerd/internal/storage"
)

const eventColumns = `global_position, event_id, aggregate_id, aggregate_type,
	event_type, payload, sequence_number, recorded_at`

type eventTx struct {
	q querier
}

// WithinTx runs fn in one BEGIN IMMEDIATE transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(tx storage.EventTx) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return fn(&eventTx{q: tx})
	})
}

func (t *eventTx) CurrentVersion(ctx context.Context, aggregateID string) (int64, error) {
	return currentVersion(ctx, t.q, aggregateID)
}

func (t *eventTx) InsertEvent(ctx context.Context, evt domain.Event) (domain.Event, error) {
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO events (event_id, aggregate_id, aggregate_type, event_type, payload, sequence_number, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.AggregateID, evt.AggregateType, string(evt.Type), string(evt.Payload),
		evt.SequenceNumber, toMicros(evt.RecordedAt),
	)
	if err != nil {
		if isSequenceConflict(err) {
			return domain.Event{}, storage.ErrDuplicateSequence
		}
		return domain.Event{}, fmt.Errorf("insert event %s/%d: %w", evt.AggregateID, evt.SequenceNumber, err)
	}
	if evt.GlobalPosition, err = res.LastInsertId(); err != nil {
		return domain.Event{}, fmt.Errorf("read global position: %w", err)
	}
	return evt, nil
}

// CurrentVersion returns max(sequence_number) for the aggregate.
func (s *Store) CurrentVersion(ctx context.Context, aggregateID string) (int64, error) {
	return currentVersion(ctx, s.db, aggregateID)
}

func currentVersion(ctx context.Context, q querier, aggregateID string) (int64, error) {
	var version int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM events WHERE aggregate_id = ?`,
		aggregateID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("current version of %s: %w", aggregateID, err)
	}
	return version, nil
}

// ReadStream returns events with sequence in (from, to].
func (s *Store) ReadStream(ctx context.Context, aggregateID string, from, to int64) ([]domain.Event, error) {
	if to <= 0 {
		return s.queryEvents(ctx,
			`SELECT `+eventColumns+` FROM events
			 WHERE aggregate_id = ? AND sequence_number > ?
			 ORDER BY sequence_number`,
			aggregateID, from)
	}
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE aggregate_id = ? AND sequence_number > ? AND sequence_number <= ?
		 ORDER BY sequence_number`,
		aggregateID, from, to)
}

// EventsUntil returns the aggregate's events recorded at or before until.
func (s *Store) EventsUntil(ctx context.Context, aggregateID string, until time.Time) ([]domain.Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE aggregate_id = ? AND recorded_at <= ?
		 ORDER BY sequence_number`,
		aggregateID, toMicros(until))
}

// ReadAll pages through the log in (recorded_at, sequence_number,
// global_position) order.
func (s *Store) ReadAll(ctx context.Context, after storage.ReplayCursor, limit int) ([]domain.Event, error) {
	if after.IsZero() {
		return s.queryEvents(ctx,
			`SELECT `+eventColumns+` FROM events
			 ORDER BY recorded_at, sequence_number, global_position
			 LIMIT ?`,
			limit)
	}
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE (recorded_at, sequence_number, global_position) > (?, ?, ?)
		 ORDER BY recorded_at, sequence_number, global_position
		 LIMIT ?`,
		toMicros(after.RecordedAt), after.SequenceNumber, after.GlobalPosition, limit)
}

// Stats returns the event count and the highest global position.
func (s *Store) Stats(ctx context.Context) (storage.LogStats, error) {
	var stats storage.LogStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MAX(global_position), 0) FROM events`,
	).Scan(&stats.TotalEvents, &stats.HeadPosition)
	if err != nil {
		return storage.LogStats{}, fmt.Errorf("event log stats: %w", err)
	}
	return stats, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []domain.Event{}
	for rows.Next() {
		var (
			evt        domain.Event
			eventType  string
			payload    string
			recordedAt int64
		)
		if err := rows.Scan(
			&evt.GlobalPosition, &evt.ID, &evt.AggregateID, &evt.AggregateType,
			&eventType, &payload, &evt.SequenceNumber, &recordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.Type = domain.EventType(eventType)
		evt.Payload = []byte(payload)
		evt.RecordedAt = fromMicros(recordedAt)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// GetSnapshot returns the latest snapshot of the aggregate.
func (s *Store) GetSnapshot(ctx context.Context, aggregateID string) (storage.Snapshot, error) {
	var (
		snap      = storage.Snapshot{AggregateID: aggregateID}
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT state, through_sequence, created_at FROM snapshots WHERE aggregate_id = ?`,
		aggregateID,
	).Scan(&snap.State, &snap.ThroughSequence, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Snapshot{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("get snapshot %s: %w", aggregateID, err)
	}
	snap.CreatedAt = fromMicros(createdAt)
	return snap, nil
}

// PutSnapshot upserts the snapshot unless a newer one is stored.
func (s *Store) PutSnapshot(ctx context.Context, snap storage.Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (aggregate_id, state, through_sequence, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (aggregate_id) DO UPDATE
		 SET state = excluded.state,
		     through_sequence = excluded.through_sequence,
		     created_at = excluded.created_at
		 WHERE excluded.through_sequence >= snapshots.through_sequence`,
		snap.AggregateID, snap.State, snap.ThroughSequence, toMicros(snap.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", snap.AggregateID, err)
	}
	return nil
}
