// Package completeness scores how much of an entity's expected data for a
// stage and date actually arrived, and whether that is enough for
// downstream consumption.
package completeness

import (
	"fmt"
	"time"

	"github.com/statlinehq/props-engine/internal/cascade"
	"github.com/statlinehq/props-engine/internal/model"
)

// Checker computes completeness records against the per-stage thresholds
// carried by the stage graph. Thresholds are configuration all the way
// down: the regular threshold, the relaxed bootstrap threshold, and the
// bootstrap window are injected via the graph, never hardcoded.
type Checker struct {
	graph   *cascade.Graph
	epoch   model.Date
	nowFunc func() time.Time
}

// NewChecker creates a Checker over the stage graph. The graph's epoch is
// parsed once; an unset or invalid epoch disables the bootstrap window.
func NewChecker(graph *cascade.Graph) *Checker {
	epoch, err := model.ParseDate(graph.Defaults.Epoch)
	if err != nil {
		epoch = ""
	}
	return &Checker{graph: graph, epoch: epoch, nowFunc: time.Now}
}

// Threshold returns the readiness threshold in effect for a stage on a
// date: the bootstrap threshold inside the bootstrap window, the stage's
// regular threshold otherwise.
func (c *Checker) Threshold(stage string, date model.Date) float64 {
	spec, ok := c.graph.Stage(stage)
	if !ok {
		return c.graph.Defaults.ReadinessThreshold
	}
	if c.inBootstrapWindow(date) {
		return spec.BootstrapThreshold
	}
	return spec.ReadinessThreshold
}

func (c *Checker) inBootstrapWindow(date model.Date) bool {
	if c.epoch == "" || c.graph.Defaults.BootstrapDays <= 0 {
		return false
	}
	days := date.DaysSince(c.epoch)
	return days >= 0 && days < c.graph.Defaults.BootstrapDays
}

// Check produces the completeness record for one (entity, date, stage)
// observation. Zero expected records counts as fully complete: nothing was
// scheduled, so nothing can be missing. More records than expected clamps
// readiness at 100% but is surfaced as a quality issue, since duplicated
// upstream records usually mean a double ingest.
func (c *Checker) Check(entityID string, date model.Date, stage string, expected, actual int) model.CompletenessRecord {
	rec := model.CompletenessRecord{
		EntityID:      entityID,
		Date:          date,
		Stage:         stage,
		ExpectedCount: expected,
		ActualCount:   actual,
		CheckedAt:     c.nowFunc().UTC(),
	}

	switch {
	case expected <= 0:
		rec.CompletenessPct = 100
	case actual >= expected:
		rec.CompletenessPct = 100
		if actual > expected {
			rec.QualityIssues = append(rec.QualityIssues,
				fmt.Sprintf("%d records present, only %d expected", actual, expected))
		}
	default:
		rec.CompletenessPct = 100 * float64(actual) / float64(expected)
		rec.QualityIssues = append(rec.QualityIssues,
			fmt.Sprintf("%d of %d expected records present", actual, expected))
	}

	rec.IsProductionReady = rec.CompletenessPct >= c.Threshold(stage, date)
	return rec
}
