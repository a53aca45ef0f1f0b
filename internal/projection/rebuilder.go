package projection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ledgerd.io/ledgerd/internal/domain"
	apperrors "ledgerd.io/ledgerd/internal/pkg/errors"
	"ledgerd.io/ledgerd/internal/pkg/logger"
	"ledgerd.io/ledgerd/internal/pkg/worker"
	"ledgerd.io/ledgerd/internal/storage"
)

// DefaultRebuildBatchSize is the replay page size when none is configured.
const DefaultRebuildBatchSize = 500

// Applier replays one event into the read models. *Engine implements it.
type Applier interface {
	Replay(ctx context.Context, evt domain.Event) error
}

// LiveFence is implemented by appliers that also serve the live append path.
// The rebuilder pauses live projection for the whole reset and replay, and
// runs its last drain of the log from inside ResumeLive.
type LiveFence interface {
	PauseLive()
	ResumeLive(ctx context.Context, final func() error) error
}

// RebuildResult summarizes a completed rebuild.
type RebuildResult struct {
	EventsReplayed int64         `json:"events_replayed"`
	Duration       time.Duration `json:"duration"`
}

// RebuildState is the in-memory report of the current or last rebuild.
type RebuildState struct {
	Running        bool      `json:"running"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
	EventsReplayed int64     `json:"events_replayed"`
	LastError      string    `json:"last_error,omitempty"`
}

// Rebuilder discards the read models and replays the whole event log into
// them. At most one rebuild runs per process.
type Rebuilder struct {
	log       storage.EventLog
	store     storage.ProjectionStore
	applier   Applier
	pools     *worker.Pools
	batchSize int

	running atomic.Bool

	mu    sync.Mutex
	state RebuildState
}

// NewRebuilder creates a rebuilder. pools is required by Start only.
func NewRebuilder(log storage.EventLog, store storage.ProjectionStore, applier Applier, pools *worker.Pools, batchSize int) *Rebuilder {
	if batchSize <= 0 {
		batchSize = DefaultRebuildBatchSize
	}
	return &Rebuilder{
		log:       log,
		store:     store,
		applier:   applier,
		pools:     pools,
		batchSize: batchSize,
	}
}

// Rebuild runs a full rebuild on the caller's goroutine.
func (r *Rebuilder) Rebuild(ctx context.Context) (RebuildResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		return RebuildResult{}, apperrors.ErrRebuildInProgressf()
	}
	defer r.running.Store(false)
	return r.run(ctx)
}

// Start initiates a rebuild on the projection pool and returns immediately.
// The rebuild runs on the service context, not the caller's.
func (r *Rebuilder) Start() error {
	if r.pools == nil {
		return errors.New("rebuilder has no worker pool")
	}
	if !r.running.CompareAndSwap(false, true) {
		return apperrors.ErrRebuildInProgressf()
	}

	err := r.pools.SubmitDetached(worker.PoolProjection, func(ctx context.Context) {
		defer r.running.Store(false)
		_, _ = r.run(ctx)
	})
	if err != nil {
		r.running.Store(false)
		return fmt.Errorf("submit rebuild: %w", err)
	}
	return nil
}

// Running reports whether a rebuild is in progress.
func (r *Rebuilder) Running() bool {
	return r.running.Load()
}

// State returns a copy of the current or last rebuild report.
func (r *Rebuilder) State() RebuildState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Rebuilder) run(ctx context.Context) (RebuildResult, error) {
	started := time.Now()
	r.setState(RebuildState{Running: true, StartedAt: started.UTC()})
	logger.Info("Projection rebuild started", zap.Int("batch_size", r.batchSize))

	replayed, err := r.replay(ctx)
	finished := time.Now()

	state := RebuildState{
		StartedAt:      started.UTC(),
		FinishedAt:     finished.UTC(),
		EventsReplayed: replayed,
	}
	if err != nil {
		state.LastError = err.Error()
		r.setState(state)
		logger.Error("Projection rebuild aborted",
			zap.Int64("events_replayed", replayed),
			zap.Error(err),
		)
		return RebuildResult{EventsReplayed: replayed, Duration: finished.Sub(started)}, err
	}
	r.setState(state)

	logger.Info("Projection rebuild completed",
		zap.Int64("events_replayed", replayed),
		zap.Duration("duration", finished.Sub(started)),
	)
	return RebuildResult{EventsReplayed: replayed, Duration: finished.Sub(started)}, nil
}

func (r *Rebuilder) replay(ctx context.Context) (replayed int64, err error) {
	var cursor storage.ReplayCursor
	drain := func() error {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			batch, err := r.log.ReadAll(ctx, cursor, r.batchSize)
			if err != nil {
				return fmt.Errorf("read events after position %d: %w", cursor.GlobalPosition, err)
			}
			for _, evt := range batch {
				if err := r.applier.Replay(ctx, evt); err != nil {
					return fmt.Errorf("replay event %s at position %d: %w", evt.ID, evt.GlobalPosition, err)
				}
				replayed++
			}
			r.progress(replayed)
			if len(batch) == 0 {
				return nil
			}
			cursor = storage.After(batch[len(batch)-1])
			if len(batch) < r.batchSize {
				return nil
			}
			logger.Debug("Projection rebuild progress",
				zap.Int64("events_replayed", replayed),
				zap.Int64("global_position", cursor.GlobalPosition),
			)
		}
	}

	fence, fenced := r.applier.(LiveFence)
	if fenced {
		fence.PauseLive()
	}

	if err := r.store.ResetProjections(ctx); err != nil {
		err = fmt.Errorf("reset projections: %w", err)
		if fenced {
			err = errors.Join(err, fence.ResumeLive(ctx, nil))
		}
		return 0, err
	}

	if err := drain(); err != nil {
		if fenced {
			err = errors.Join(err, fence.ResumeLive(ctx, nil))
		}
		return replayed, err
	}
	if !fenced {
		return replayed, nil
	}
	// Events committed during the replay are picked up here with live
	// projection still blocked.
	err = fence.ResumeLive(ctx, drain)
	return replayed, err
}

func (r *Rebuilder) setState(s RebuildState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Rebuilder) progress(replayed int64) {
	r.mu.Lock()
	r.state.EventsReplayed = replayed
	r.mu.Unlock()
}
