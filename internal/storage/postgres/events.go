package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"ledgerd.io/ledgerd/internal/domain"
	"ledgerd.io/ledgerd/internal/storage"
)

const eventColumns = `global_position, event_id::text, aggregate_id, aggregate_type,
	event_type, payload, sequence_number, recorded_at`

type eventTx struct {
	q querier
}

// WithinTx runs fn in one READ COMMITTED transaction. Concurrent inserts of
// the same sequence number block on the unique index until the winner
// commits, then fail with a unique violation.
func (s *Store) WithinTx(ctx context.Context, fn func(tx storage.EventTx) error) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return fn(&eventTx{q: tx})
	})
}

func (t *eventTx) CurrentVersion(ctx context.Context, aggregateID string) (int64, error) {
	return currentVersion(ctx, t.q, aggregateID)
}

func (t *eventTx) InsertEvent(ctx context.Context, evt domain.Event) (domain.Event, error) {
	err := t.q.QueryRow(ctx,
		`INSERT INTO events (event_id, aggregate_id, aggregate_type, event_type, payload, sequence_number, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING global_position`,
		evt.ID, evt.AggregateID, evt.AggregateType, string(evt.Type), []byte(evt.Payload),
		evt.SequenceNumber, evt.RecordedAt,
	).Scan(&evt.GlobalPosition)
	if err != nil {
		if isSequenceConflict(err) {
			return domain.Event{}, storage.ErrDuplicateSequence
		}
		return domain.Event{}, fmt.Errorf("insert event %s/%d: %w", evt.AggregateID, evt.SequenceNumber, err)
	}
	return evt, nil
}

// CurrentVersion returns max(sequence_number) for the aggregate.
func (s *Store) CurrentVersion(ctx context.Context, aggregateID string) (int64, error) {
	return currentVersion(ctx, s.pool, aggregateID)
}

func currentVersion(ctx context.Context, q querier, aggregateID string) (int64, error) {
	var version int64
	err := q.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM events WHERE aggregate_id = $1`,
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
			 WHERE aggregate_id = $1 AND sequence_number > $2
			 ORDER BY sequence_number`,
			aggregateID, from)
	}
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE aggregate_id = $1 AND sequence_number > $2 AND sequence_number <= $3
		 ORDER BY sequence_number`,
		aggregateID, from, to)
}

// EventsUntil returns the aggregate's events recorded at or before until.
func (s *Store) EventsUntil(ctx context.Context, aggregateID string, until time.Time) ([]domain.Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE aggregate_id = $1 AND recorded_at <= $2
		 ORDER BY sequence_number`,
		aggregateID, until.UTC())
}

// ReadAll pages through the log in (recorded_at, sequence_number,
// global_position) order.
func (s *Store) ReadAll(ctx context.Context, after storage.ReplayCursor, limit int) ([]domain.Event, error) {
	if after.IsZero() {
		return s.queryEvents(ctx,
			`SELECT `+eventColumns+` FROM events
			 ORDER BY recorded_at, sequence_number, global_position
			 LIMIT $1`,
			limit)
	}
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE (recorded_at, sequence_number, global_position) > ($1, $2, $3)
		 ORDER BY recorded_at, sequence_number, global_position
		 LIMIT $4`,
		after.RecordedAt.UTC(), after.SequenceNumber, after.GlobalPosition, limit)
}

// Stats returns the event count and the highest global position.
func (s *Store) Stats(ctx context.Context) (storage.LogStats, error) {
	var stats storage.LogStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(MAX(global_position), 0) FROM events`,
	).Scan(&stats.TotalEvents, &stats.HeadPosition)
	if err != nil {
		return storage.LogStats{}, fmt.Errorf("event log stats: %w", err)
	}
	return stats, nil
}

func (s *Store) queryEvents(ctx context.Context, sql string, args ...any) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []domain.Event{}
	for rows.Next() {
		var (
			evt       domain.Event
			eventType string
			payload   []byte
		)
		if err := rows.Scan(
			&evt.GlobalPosition, &evt.ID, &evt.AggregateID, &evt.AggregateType,
			&eventType, &payload, &evt.SequenceNumber, &evt.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.Type = domain.EventType(eventType)
		evt.Payload = payload
		evt.RecordedAt = evt.RecordedAt.UTC()
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// GetSnapshot returns the latest snapshot of the aggregate.
func (s *Store) GetSnapshot(ctx context.Context, aggregateID string) (storage.Snapshot, error) {
	snap := storage.Snapshot{AggregateID: aggregateID}
	err := s.pool.QueryRow(ctx,
		`SELECT state, through_sequence, created_at FROM snapshots WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&snap.State, &snap.ThroughSequence, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Snapshot{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("get snapshot %s: %w", aggregateID, err)
	}
	snap.CreatedAt = snap.CreatedAt.UTC()
	return snap, nil
}

// PutSnapshot upserts the snapshot unless a newer one is stored.
func (s *Store) PutSnapshot(ctx context.Context, snap storage.Snapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO snapshots (aggregate_id, state, through_sequence, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (aggregate_id) DO UPDATE
		 SET state = EXCLUDED.state,
		     through_sequence = EXCLUDED.through_sequence,
		     created_at = EXCLUDED.created_at
		 WHERE EXCLUDED.through_sequence >= snapshots.through_sequence`,
		snap.AggregateID, snap.State, snap.ThroughSequence, snap.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", snap.AggregateID, err)
	}
	return nil
}
