package predict

import (
	"context"

	"go.uber.org/zap"

	"github.com/statlinehq/props-engine/internal/model"
)

// Result is the ensemble outcome for one snapshot: the combined value,
// the per-system outputs that produced it, and the degradation flags the
// worker persists.
type Result struct {
	Value      float64
	Confidence float64
	// Degraded is set when at least one — but not every — system failed
	// and the weights were renormalized over the survivors.
	Degraded bool
	// Fallback is set when every system failed and the result is the
	// fixed neutral output.
	Fallback  bool
	PerSystem map[string]Output
	Errors    map[string]error
}

// Ensemble combines every registered system's output into one
// confidence-weighted prediction. It is a composite over the registry,
// not a privileged system: it holds no model of its own.
type Ensemble struct {
	registry           *Registry
	fallbackConfidence float64
}

// NewEnsemble creates the ensemble over a registry. fallbackConfidence is
// the fixed confidence emitted when every system fails.
func NewEnsemble(registry *Registry, fallbackConfidence float64) *Ensemble {
	if fallbackConfidence <= 0 {
		fallbackConfidence = 50
	}
	return &Ensemble{registry: registry, fallbackConfidence: fallbackConfidence}
}

// Run invokes every registered system and combines the survivors. One
// system failing never fails the ensemble; the combined confidence is
// averaged over all registered systems, so missing systems drag it down
// instead of silently disappearing.
func (e *Ensemble) Run(ctx context.Context, snap model.FeatureSnapshot) Result {
	systems := e.registry.List()
	res := Result{
		PerSystem: make(map[string]Output, len(systems)),
		Errors:    make(map[string]error),
	}

	for _, sys := range systems {
		out, err := sys.Predict(ctx, snap)
		if err != nil {
			res.Errors[sys.ID()] = err
			zap.L().Debug("prediction system unavailable",
				zap.String("system", sys.ID()),
				zap.String("entity_id", snap.EntityID),
				zap.String("date", snap.Date.String()),
				zap.Error(err),
			)
			continue
		}
		res.PerSystem[sys.ID()] = out
	}

	if len(res.PerSystem) == 0 {
		res.Fallback = true
		res.Confidence = e.fallbackConfidence
		return res
	}

	var weightedSum, confidenceSum float64
	for _, out := range res.PerSystem {
		weightedSum += out.Value * out.Confidence
		confidenceSum += out.Confidence
	}
	if confidenceSum > 0 {
		res.Value = weightedSum / confidenceSum
	} else {
		for _, out := range res.PerSystem {
			res.Value += out.Value
		}
		res.Value /= float64(len(res.PerSystem))
	}
	res.Confidence = confidenceSum / float64(len(systems))
	res.Degraded = len(res.PerSystem) < len(systems)
	return res
}
