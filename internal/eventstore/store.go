// Package eventstore is the append and read API over the event log.
//
// Append is a two-phase pipeline. Phase 1 checks the expected version and
// inserts the event in one storage transaction; it either commits or leaves
// the stream untouched. After commit the store writes a snapshot on every
// SnapshotInterval-th sequence number and then hands the event to the
// Projector. Neither post-commit step can fail the append: the event is
// already durable, and both caches are rebuildable from the log.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ledgerd.io/ledgerd/internal/domain"
	apperrors "ledgerd.io/ledgerd/internal/pkg/errors"
	"ledgerd.io/ledgerd/internal/pkg/logger"
	"ledgerd.io/ledgerd/internal/storage"
)

// Projector receives each committed event exactly once from Append.
type Projector interface {
	Apply(ctx context.Context, evt domain.Event) error
}

// Options tunes the store.
type Options struct {
	// SnapshotInterval: a snapshot is written when seq % SnapshotInterval == 0.
	SnapshotInterval int64
	// AppendRetries bounds retries of an append without an expected version
	// that lost the sequence race.
	AppendRetries int
	// AppendTimeout bounds the transactional phase. Zero means no bound.
	AppendTimeout time.Duration
	// ProjectionTimeout bounds phase 2. Zero means no bound.
	ProjectionTimeout time.Duration
	// Now stamps RecordedAt. Defaults to time.Now.
	Now func() time.Time
	// Defer runs snapshot writes off the append path. Nil, or a submission
	// error, writes the snapshot inline.
	Defer func(ctx context.Context, task func(ctx context.Context)) error
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		SnapshotInterval:  50,
		AppendRetries:     3,
		AppendTimeout:     10 * time.Second,
		ProjectionTimeout: 5 * time.Second,
		Now:               time.Now,
	}
}

// Store appends to and reads from the event log.
type Store struct {
	log       storage.EventLog
	projector Projector
	reducer   *domain.Reducer
	opts      Options
}

// New creates a store. projector may be nil, in which case phase 2 is skipped.
func New(log storage.EventLog, projector Projector, reducer *domain.Reducer, opts Options) *Store {
	if reducer == nil {
		reducer = domain.NewReducer(domain.DefaultCurrency)
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = DefaultOptions().SnapshotInterval
	}
	if opts.AppendRetries < 0 {
		opts.AppendRetries = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{log: log, projector: projector, reducer: reducer, opts: opts}
}

// AppendInput is one append request.
type AppendInput struct {
	AggregateID string
	Type        domain.EventType
	Payload     json.RawMessage
	// ExpectedVersion, when set, must equal the stream's current version.
	ExpectedVersion *int64
}

// AppendResult describes the committed event.
type AppendResult struct {
	EventID        string
	SequenceNumber int64
	GlobalPosition int64
	RecordedAt     time.Time
	// Projected is false when phase 2 failed or no projector is wired.
	Projected bool
}

// ExpectVersion returns a pointer for AppendInput.ExpectedVersion.
func ExpectVersion(v int64) *int64 {
	return &v
}

// NewAppendInput encodes a typed payload into an AppendInput.
func NewAppendInput(aggregateID string, p domain.Payload, expected *int64) (AppendInput, error) {
	raw, err := domain.EncodePayload(p)
	if err != nil {
		return AppendInput{}, err
	}
	return AppendInput{
		AggregateID:     aggregateID,
		Type:            p.EventType(),
		Payload:         raw,
		ExpectedVersion: expected,
	}, nil
}

// Append validates and persists one event, then snapshots and projects it.
func (s *Store) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if err := s.validate(&in); err != nil {
		return AppendResult{}, err
	}

	attempts := 1
	if in.ExpectedVersion == nil {
		attempts += s.opts.AppendRetries
	}

	var (
		stored domain.Event
		err    error
	)
	for attempt := 1; ; attempt++ {
		stored, err = s.appendOnce(ctx, in)
		if !errors.Is(err, storage.ErrDuplicateSequence) {
			break
		}
		if in.ExpectedVersion == nil && attempt < attempts {
			logger.Debug("Append lost sequence race, retrying",
				zap.String("aggregate_id", in.AggregateID),
				zap.Int("attempt", attempt),
			)
			continue
		}
		return AppendResult{}, s.raceConflict(ctx, in)
	}
	if err != nil {
		return AppendResult{}, err
	}

	logger.Debug("Event appended",
		zap.String("aggregate_id", stored.AggregateID),
		zap.String("event_type", string(stored.Type)),
		zap.Int64("sequence_number", stored.SequenceNumber),
		zap.Int64("global_position", stored.GlobalPosition),
	)

	if stored.SequenceNumber%s.opts.SnapshotInterval == 0 {
		s.snapshot(ctx, stored.AggregateID, stored.SequenceNumber)
	}

	return AppendResult{
		EventID:        stored.ID,
		SequenceNumber: stored.SequenceNumber,
		GlobalPosition: stored.GlobalPosition,
		RecordedAt:     stored.RecordedAt,
		Projected:      s.project(ctx, stored),
	}, nil
}

func (s *Store) validate(in *AppendInput) error {
	in.AggregateID = strings.TrimSpace(in.AggregateID)
	if in.AggregateID == "" {
		return apperrors.ValidationFailure("aggregate id is required")
	}
	if in.ExpectedVersion != nil && *in.ExpectedVersion < 0 {
		return apperrors.ValidationFailure("expected version must not be negative, got %d", *in.ExpectedVersion)
	}
	if len(in.Payload) == 0 {
		in.Payload = json.RawMessage(`{}`)
	}
	payload, err := domain.DecodePayload(in.Type, in.Payload)
	if err != nil {
		return apperrors.ValidationFailure("%s payload: %v", in.Type, err)
	}
	if err := payload.Validate(); err != nil {
		return apperrors.ValidationFailure("%s payload: %v", in.Type, err)
	}
	return nil
}

func (s *Store) appendOnce(ctx context.Context, in AppendInput) (domain.Event, error) {
	if s.opts.AppendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.AppendTimeout)
		defer cancel()
	}

	id, err := uuid.NewV7()
	if err != nil {
		return domain.Event{}, fmt.Errorf("generate event id: %w", err)
	}

	var stored domain.Event
	err = s.log.WithinTx(ctx, func(tx storage.EventTx) error {
		current, err := tx.CurrentVersion(ctx, in.AggregateID)
		if err != nil {
			return err
		}
		if in.ExpectedVersion != nil && *in.ExpectedVersion != current {
			return apperrors.ConcurrencyConflict(in.AggregateID, *in.ExpectedVersion, current)
		}

		stored, err = tx.InsertEvent(ctx, domain.Event{
			ID:             id.String(),
			AggregateID:    in.AggregateID,
			AggregateType:  domain.AggregateTypeBankAccount,
			Type:           in.Type,
			Payload:        in.Payload,
			SequenceNumber: current + 1,
			RecordedAt:     s.opts.Now().UTC().Truncate(time.Microsecond),
		})
		return err
	})
	if err != nil {
		return domain.Event{}, err
	}
	return stored, nil
}

// raceConflict builds the conflict for an insert that lost to a concurrent
// writer after passing the version check.
func (s *Store) raceConflict(ctx context.Context, in AppendInput) error {
	current, err := s.log.CurrentVersion(ctx, in.AggregateID)
	if err != nil {
		current = -1
	}
	expected := current - 1
	if in.ExpectedVersion != nil {
		expected = *in.ExpectedVersion
	}
	return apperrors.ConcurrencyConflict(in.AggregateID, expected, current)
}

func (s *Store) snapshot(ctx context.Context, aggregateID string, through int64) {
	if s.opts.Defer != nil {
		err := s.opts.Defer(context.WithoutCancel(ctx), func(ctx context.Context) {
			s.writeSnapshotLogged(ctx, aggregateID, through)
		})
		if err == nil {
			return
		}
		logger.Debug("Snapshot deferral rejected, writing inline",
			zap.String("aggregate_id", aggregateID),
			zap.Error(err),
		)
	}
	s.writeSnapshotLogged(ctx, aggregateID, through)
}

func (s *Store) writeSnapshotLogged(ctx context.Context, aggregateID string, through int64) {
	if err := s.writeSnapshot(ctx, aggregateID, through); err != nil {
		logger.Warn("Snapshot write failed",
			zap.String("aggregate_id", aggregateID),
			zap.Int64("sequence_number", through),
			zap.Error(err),
		)
	}
}

func (s *Store) writeSnapshot(ctx context.Context, aggregateID string, through int64) error {
	state, err := s.reconstruct(ctx, aggregateID, through)
	if err != nil {
		return err
	}
	if state == nil || state.Version != through {
		return apperrors.ConsistencyViolation("aggregate %s: cannot snapshot through %d", aggregateID, through)
	}
	data, err := encodeSnapshot(*state)
	if err != nil {
		return err
	}
	return s.log.PutSnapshot(ctx, storage.Snapshot{
		AggregateID:     aggregateID,
		State:           data,
		ThroughSequence: through,
		CreatedAt:       s.opts.Now().UTC(),
	})
}

// project runs phase 2. It outlives the caller's cancellation so a
// disconnected client does not leave the read models behind the log.
func (s *Store) project(ctx context.Context, evt domain.Event) bool {
	if s.projector == nil {
		return false
	}
	ctx = context.WithoutCancel(ctx)
	if s.opts.ProjectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ProjectionTimeout)
		defer cancel()
	}

	if err := s.projector.Apply(ctx, evt); err != nil {
		logger.Warn("Projection apply failed; read models stale until next apply or rebuild",
			zap.String("aggregate_id", evt.AggregateID),
			zap.Int64("sequence_number", evt.SequenceNumber),
			zap.Int64("global_position", evt.GlobalPosition),
			zap.Error(err),
		)
		return false
	}
	return true
}

// ReadStream returns the aggregate's events with sequence in (from, to],
// ascending. to <= 0 means unbounded.
func (s *Store) ReadStream(ctx context.Context, aggregateID string, from, to int64) ([]domain.Event, error) {
	if from < 0 {
		return nil, apperrors.ValidationFailure("from version must not be negative, got %d", from)
	}
	if to > 0 && to < from {
		return []domain.Event{}, nil
	}
	events, err := s.log.ReadStream(ctx, aggregateID, from, to)
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", aggregateID, err)
	}
	return events, nil
}

// CurrentVersion returns the stream's last sequence number, 0 if empty.
func (s *Store) CurrentVersion(ctx context.Context, aggregateID string) (int64, error) {
	v, err := s.log.CurrentVersion(ctx, aggregateID)
	if err != nil {
		return 0, fmt.Errorf("current version %s: %w", aggregateID, err)
	}
	return v, nil
}

// Reconstruct folds the latest snapshot and the events after it. It returns
// (nil, nil) when the aggregate has neither.
func (s *Store) Reconstruct(ctx context.Context, aggregateID string) (*domain.AccountState, error) {
	return s.reconstruct(ctx, aggregateID, 0)
}

// reconstruct folds state through sequence number through (0: the whole
// stream). A snapshot past through is ignored.
func (s *Store) reconstruct(ctx context.Context, aggregateID string, through int64) (*domain.AccountState, error) {
	state := domain.NewAccountState(aggregateID)
	var from int64

	snap, err := s.log.GetSnapshot(ctx, aggregateID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load snapshot %s: %w", aggregateID, err)
	case through <= 0 || snap.ThroughSequence <= through:
		seeded, err := decodeSnapshot(snap.State)
		if err != nil {
			return nil, s.violation(apperrors.ConsistencyViolation("aggregate %s: %v", aggregateID, err))
		}
		if seeded.Version != snap.ThroughSequence {
			return nil, s.violation(apperrors.ConsistencyViolation(
				"aggregate %s: snapshot version %d does not match through sequence %d",
				aggregateID, seeded.Version, snap.ThroughSequence))
		}
		state = seeded
		from = snap.ThroughSequence
	}

	events, err := s.log.ReadStream(ctx, aggregateID, from, through)
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", aggregateID, err)
	}

	if from > 0 && len(events) == 0 {
		current, err := s.log.CurrentVersion(ctx, aggregateID)
		if err != nil {
			return nil, fmt.Errorf("current version %s: %w", aggregateID, err)
		}
		if current < from {
			return nil, s.violation(apperrors.ConsistencyViolation(
				"aggregate %s: snapshot through %d exceeds stored events (%d)", aggregateID, from, current))
		}
	}
	if from == 0 && len(events) == 0 {
		return nil, nil
	}

	state, err = s.reducer.Fold(state, events...)
	if err != nil {
		return nil, s.violation(err)
	}
	return &state, nil
}

func (s *Store) violation(err error) error {
	if errors.Is(err, apperrors.ErrConsistencyViolation) {
		logger.Error("Event log consistency violation", zap.Error(err))
	}
	return err
}
