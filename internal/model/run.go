package model

import "time"

// RunStatus tracks the lifecycle of a pipeline run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// PipelineRun records one execution of a stage batch, a dispatch, or a
// retrain evaluation. Counts holds per-outcome tallies ("succeeded",
// "blocked", "circuit_open", ...) and backs the status surface.
type PipelineRun struct {
	ID         string         `json:"id"`
	Scope      string         `json:"scope"`
	Date       Date           `json:"date"`
	Status     RunStatus      `json:"status"`
	Counts     map[string]int `json:"counts,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Duration returns the elapsed run time, or time since start for runs still
// in flight.
func (r PipelineRun) Duration() time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}
