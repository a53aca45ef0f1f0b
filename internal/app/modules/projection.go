package modules

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"

	"ledgerd.io/ledgerd/internal/api/handlers"
	"ledgerd.io/ledgerd/internal/jobs"
	"ledgerd.io/ledgerd/internal/projection"
)

// ProjectionModule wires the rebuilder and its scheduled River job.
type ProjectionModule struct {
	infra     *Infrastructure
	rebuilder *projection.Rebuilder
}

// NewProjectionModule creates the projection module on top of the ledger's
// engine.
func NewProjectionModule(infra *Infrastructure, engine *projection.Engine) (*ProjectionModule, error) {
	if infra == nil || infra.Backend == nil || infra.Pools == nil || infra.Config == nil {
		return nil, fmt.Errorf("projection module requires a storage backend, worker pools and config")
	}
	if engine == nil {
		return nil, fmt.Errorf("projection module requires a projection engine")
	}
	return &ProjectionModule{
		infra:     infra,
		rebuilder: projection.NewRebuilder(infra.Backend, infra.Backend, engine, infra.Pools, infra.Config.Projection.RebuildBatchSize),
	}, nil
}

func (m *ProjectionModule) Name() string { return "projection" }

// Rebuilder returns the projection rebuilder.
func (m *ProjectionModule) Rebuilder() *projection.Rebuilder { return m.rebuilder }

func (m *ProjectionModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Rebuilder = m.rebuilder
}

func (m *ProjectionModule) RegisterWorkers(workers *river.Workers) {
	if workers == nil || m == nil {
		return
	}
	river.AddWorker(workers, jobs.NewProjectionRebuildWorker(m.rebuilder))
}

// PeriodicJobs schedules a rebuild every projection.rebuild_interval. It is
// empty when the interval is zero.
func (m *ProjectionModule) PeriodicJobs() []*river.PeriodicJob {
	job := jobs.PeriodicProjectionRebuild(m.infra.Config.Projection.RebuildInterval)
	if job == nil {
		return nil
	}
	return []*river.PeriodicJob{job}
}

func (m *ProjectionModule) Shutdown(context.Context) error { return nil }
