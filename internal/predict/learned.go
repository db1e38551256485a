package predict

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/statlinehq/props-engine/internal/model"
)

// ChampionSource resolves the current champion model version for a family.
type ChampionSource interface {
	GetChampion(ctx context.Context, family string) (*model.ModelVersion, error)
}

// Learned scores the feature snapshot with the champion trained model for
// its family: a linear model whose weights and intercept are stored on the
// ModelVersion record. Training happens elsewhere; this system only
// applies the champion.
type Learned struct {
	family    string
	champions ChampionSource
}

// NewLearned creates the learned-model system for a model family.
func NewLearned(family string, champions ChampionSource) *Learned {
	return &Learned{family: family, champions: champions}
}

func (l *Learned) ID() string { return "learned" }

func (l *Learned) Predict(ctx context.Context, snap model.FeatureSnapshot) (Output, error) {
	champion, err := l.champions.GetChampion(ctx, l.family)
	if err != nil {
		return Output{}, eris.Wrapf(err, "learned: load champion for family %s", l.family)
	}
	if champion == nil {
		return Output{}, eris.Errorf("learned: no champion for family %s", l.family)
	}
	if len(champion.Weights) == 0 {
		return Output{}, eris.Errorf("learned: champion %s has no weights", champion.ModelID)
	}

	value := champion.Intercept
	matched := 0
	for feature, weight := range champion.Weights {
		if v, ok := snap.Features[feature]; ok {
			value += weight * v
			matched++
		}
	}
	if matched == 0 {
		return Output{}, eris.Errorf("learned: snapshot %s@%s shares no features with champion %s",
			snap.EntityID, snap.Date, champion.ModelID)
	}

	// Confidence comes from the champion's held-out hit rate, discounted
	// when the snapshot is missing features the model was trained on.
	coverage := float64(matched) / float64(len(champion.Weights))
	confidence := champion.Validation.HitRate * 100 * coverage
	if confidence > 90 {
		confidence = 90
	}
	if confidence < 30 {
		confidence = 30
	}
	return Output{Value: value, Confidence: confidence}, nil
}
