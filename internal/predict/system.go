// Package predict holds the prediction systems and the ensemble that
// combines them. Every system answers the same question — a predicted
// stat value plus a confidence — through one interface, so the worker
// never special-cases any of them, and the ensemble itself is just a
// composite over the registry.
package predict

import (
	"context"
	"sync"

	"github.com/statlinehq/props-engine/internal/model"
)

// Output is one system's prediction: the value and a 0-100 confidence.
type Output struct {
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`
}

// System is the common prediction capability.
type System interface {
	// ID returns the system identifier persisted on its results.
	ID() string
	// Predict produces a prediction from a feature snapshot.
	Predict(ctx context.Context, snap model.FeatureSnapshot) (Output, error)
}

// SystemIDEnsemble is the system ID the combined result is persisted under.
const SystemIDEnsemble = "ensemble"

// Registry holds the registered prediction systems in registration order,
// so ensemble weighting and result persistence are deterministic.
type Registry struct {
	mu      sync.RWMutex
	systems map[string]System
	order   []string
}

// NewRegistry creates an empty system registry.
func NewRegistry() *Registry {
	return &Registry{systems: make(map[string]System)}
}

// Register adds a system. Re-registering an ID replaces it in place.
func (r *Registry) Register(s System) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.systems[s.ID()]; !seen {
		r.order = append(r.order, s.ID())
	}
	r.systems[s.ID()] = s
}

// Get returns a system by ID, or nil.
func (r *Registry) Get(id string) System {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.systems[id]
}

// List returns all systems in registration order.
func (r *Registry) List() []System {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]System, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.systems[id])
	}
	return out
}

// Recommend derives the betting-side call from a predicted value and the
// prop line. Values within margin of the line stay PASS: too close to
// call.
func Recommend(value, line, margin float64) model.Recommendation {
	switch {
	case value > line+margin:
		return model.RecommendOver
	case value < line-margin:
		return model.RecommendUnder
	default:
		return model.RecommendPass
	}
}
