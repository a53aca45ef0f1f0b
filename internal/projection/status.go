package projection

import (
	"context"
	"fmt"
	"time"
)

// Lag is the progress of one projection against the log head.
type Lag struct {
	Name                        string    `json:"name"`
	LastProcessedGlobalSequence int64     `json:"last_processed_global_sequence"`
	Lag                         int64     `json:"lag"`
	UpdatedAt                   time.Time `json:"updated_at"`
}

// StatusReport describes the log and every projection's lag behind it.
type StatusReport struct {
	TotalEvents  int64 `json:"total_events"`
	HeadPosition int64 `json:"head_position"`
	Projections  []Lag `json:"projections"`
}

// Status reports how far each projection trails the event log. Lag is
// measured in global positions.
func (e *Engine) Status(ctx context.Context) (StatusReport, error) {
	stats, err := e.log.Stats(ctx)
	if err != nil {
		return StatusReport{}, fmt.Errorf("event log stats: %w", err)
	}
	statuses, err := e.store.ListProjectionStatus(ctx)
	if err != nil {
		return StatusReport{}, fmt.Errorf("list projection status: %w", err)
	}

	report := StatusReport{
		TotalEvents:  stats.TotalEvents,
		HeadPosition: stats.HeadPosition,
		Projections:  make([]Lag, 0, len(statuses)),
	}
	for _, st := range statuses {
		report.Projections = append(report.Projections, Lag{
			Name:                        st.Name,
			LastProcessedGlobalSequence: st.LastProcessedGlobalSequence,
			Lag:                         max(0, stats.HeadPosition-st.LastProcessedGlobalSequence),
			UpdatedAt:                   st.UpdatedAt,
		})
	}
	return report, nil
}
