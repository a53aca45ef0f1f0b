// Package jobs defines River job types for background maintenance.
//
// River is only wired on the Postgres backend: its job tables live next to
// the ledger tables in the same database.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	apperrors "ledgerd.io/ledgerd/internal/pkg/errors"
	"ledgerd.io/ledgerd/internal/pkg/logger"
	"ledgerd.io/ledgerd/internal/projection"
)

// ProjectionRebuildArgs is a periodic job that replays the event log into
// the read models.
type ProjectionRebuildArgs struct{}

// Kind returns the job kind identifier for projection rebuilds.
func (ProjectionRebuildArgs) Kind() string { return "projection_rebuild" }

// InsertOpts makes the job single-attempt and deduplicated by queue and args
// within an hour.
func (ProjectionRebuildArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Hour,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// Rebuilder runs a synchronous rebuild. *projection.Rebuilder implements it.
type Rebuilder interface {
	Rebuild(ctx context.Context) (projection.RebuildResult, error)
}

// ProjectionRebuildWorker runs a rebuild in the River worker goroutine.
type ProjectionRebuildWorker struct {
	river.WorkerDefaults[ProjectionRebuildArgs]
	rebuilder Rebuilder
}

// NewProjectionRebuildWorker creates the worker.
func NewProjectionRebuildWorker(rebuilder Rebuilder) *ProjectionRebuildWorker {
	return &ProjectionRebuildWorker{rebuilder: rebuilder}
}

// Work rebuilds the projections. A rebuild already running in this process
// counts as success.
func (w *ProjectionRebuildWorker) Work(ctx context.Context, _ *river.Job[ProjectionRebuildArgs]) error {
	if w == nil || w.rebuilder == nil {
		return fmt.Errorf("projection rebuild worker is not initialized")
	}

	res, err := w.rebuilder.Rebuild(ctx)
	if errors.Is(err, apperrors.ErrRebuildInProgress) {
		logger.Info("projection rebuild skipped: already running")
		return nil
	}
	if err != nil {
		return fmt.Errorf("rebuild projections: %w", err)
	}

	logger.Info("scheduled projection rebuild completed",
		zap.Int64("events_replayed", res.EventsReplayed),
		zap.Duration("duration", res.Duration),
	)
	return nil
}

// Timeout disables River's default job timeout; a full replay is bounded by
// the log size, not by a fixed deadline.
func (w *ProjectionRebuildWorker) Timeout(*river.Job[ProjectionRebuildArgs]) time.Duration {
	return -1
}

// PeriodicProjectionRebuild schedules ProjectionRebuildArgs every interval.
// It returns nil when interval is not positive.
func PeriodicProjectionRebuild(interval time.Duration) *river.PeriodicJob {
	if interval <= 0 {
		return nil
	}
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return ProjectionRebuildArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: false},
	)
}
