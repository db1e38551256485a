package predict

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/statlinehq/props-engine/internal/model"
)

// Baseline predicts from the entity's own recent production: a recency-
// weighted blend of the last-5, last-10, and season averages. It is the
// floor every other system is measured against.
type Baseline struct{}

// NewBaseline creates the baseline system.
func NewBaseline() *Baseline {
	return &Baseline{}
}

func (b *Baseline) ID() string { return "baseline" }

// Blend weights, most recent first.
const (
	baselineRecent5Weight  = 0.5
	baselineRecent10Weight = 0.3
	baselineSeasonWeight   = 0.2
)

func (b *Baseline) Predict(_ context.Context, snap model.FeatureSnapshot) (Output, error) {
	recent5, ok5 := snap.Features["recent_avg_5"]
	recent10, ok10 := snap.Features["recent_avg_10"]
	season, okSeason := snap.Features["season_avg"]
	if !okSeason {
		return Output{}, eris.Errorf("baseline: %s@%s missing season_avg", snap.EntityID, snap.Date)
	}

	// Early in a season the recent windows may not exist yet; fall back
	// window by window rather than refusing to predict.
	value := season
	confidence := 55.0
	switch {
	case ok5 && ok10:
		value = baselineRecent5Weight*recent5 + baselineRecent10Weight*recent10 + baselineSeasonWeight*season
		confidence = 75
	case ok10:
		value = 0.6*recent10 + 0.4*season
		confidence = 65
	case ok5:
		value = 0.6*recent5 + 0.4*season
		confidence = 60
	}

	if games, ok := snap.Features["games_played"]; ok && games < 10 {
		confidence -= 10
	}
	if confidence < 30 {
		confidence = 30
	}
	return Output{Value: value, Confidence: confidence}, nil
}
