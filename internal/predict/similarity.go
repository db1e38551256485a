package predict

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/statlinehq/props-engine/internal/model"
)

// Similarity predicts from historical comparables: games by this or
// similar entities under similar conditions (opponent, rest, venue). The
// precompute stage does the neighbor search; the snapshot carries the
// aggregate.
type Similarity struct{}

// NewSimilarity creates the similarity system.
func NewSimilarity() *Similarity {
	return &Similarity{}
}

func (s *Similarity) ID() string { return "similarity" }

func (s *Similarity) Predict(_ context.Context, snap model.FeatureSnapshot) (Output, error) {
	avg, ok := snap.Features["similar_avg"]
	if !ok {
		return Output{}, eris.Errorf("similarity: %s@%s missing similar_avg", snap.EntityID, snap.Date)
	}
	count := snap.Features["similar_count"]
	if count < 3 {
		return Output{}, eris.Errorf("similarity: %s@%s has only %.0f comparables", snap.EntityID, snap.Date, count)
	}

	// More comparables, more trust, with diminishing returns.
	confidence := 40 + 4*count
	if confidence > 80 {
		confidence = 80
	}
	return Output{Value: avg, Confidence: confidence}, nil
}
