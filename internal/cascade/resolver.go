package cascade

import (
	"fmt"

	"github.com/statlinehq/props-engine/internal/model"
)

// Resolver answers whether a stage may run for an entity on a date, given
// the persisted completeness records of its upstream stages.
type Resolver struct {
	graph *Graph
}

// NewResolver creates a Resolver over a validated graph.
func NewResolver(graph *Graph) *Resolver {
	return &Resolver{graph: graph}
}

// Resolve is the cascade gate: ready iff every required upstream has a
// production-ready completeness record for the date. Issues aggregate each
// blocking upstream's quality issues prefixed with the upstream stage name,
// in graph declaration order, so a blocked entity yields one attributable
// report.
func (r *Resolver) Resolve(stage, entityID string, date model.Date, upstream map[string]model.CompletenessRecord) (bool, []string) {
	deps := r.graph.Upstreams(stage)
	if len(deps) == 0 {
		return true, nil
	}

	ready := true
	var issues []string
	for _, dep := range deps {
		rec, ok := upstream[dep]
		if !ok {
			ready = false
			issues = append(issues, fmt.Sprintf("%s: no completeness record for %s", dep, date))
			continue
		}
		if rec.IsProductionReady {
			continue
		}
		ready = false
		if len(rec.QualityIssues) == 0 {
			issues = append(issues, fmt.Sprintf("%s: not production ready (%.1f%% complete)", dep, rec.CompletenessPct))
			continue
		}
		for _, issue := range rec.QualityIssues {
			issues = append(issues, fmt.Sprintf("%s: %s", dep, issue))
		}
	}
	return ready, issues
}
