// Package modules contains the dependency modules of the composition root.
// Each module owns one slice of the wiring: the ledger core and its
// collaborators, or the projection maintenance jobs.
package modules

import (
	"context"

	"github.com/riverqueue/river"

	"ledgerd.io/ledgerd/internal/api/handlers"
)

// Module represents a domain-specific dependency unit in the composition root.
type Module interface {
	// Name returns a stable module identifier for logging/debugging.
	Name() string

	// RegisterWorkers registers module workers into a shared River worker registry.
	RegisterWorkers(*river.Workers)

	// PeriodicJobs returns the module's periodic River jobs.
	PeriodicJobs() []*river.PeriodicJob

	// Shutdown performs module-local graceful cleanup.
	Shutdown(context.Context) error
}

// ServerDepsContributor is implemented by modules that own HTTP handler
// dependencies.
type ServerDepsContributor interface {
	ContributeServerDeps(*handlers.ServerDeps)
}
