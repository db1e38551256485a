package model

import "time"

// ValidationMetrics holds the held-out evaluation recorded when a model
// version was trained. FeatureMeans/FeatureStddevs describe the training
// distribution and are what the drift monitor compares live features
// against.
type ValidationMetrics struct {
	MAE            float64            `json:"mae"`
	HitRate        float64            `json:"hit_rate"`
	SampleCount    int                `json:"sample_count"`
	FeatureMeans   map[string]float64 `json:"feature_means,omitempty"`
	FeatureStddevs map[string]float64 `json:"feature_stddevs,omitempty"`
}

// ModelVersion is one trained model artifact within a family. At most one
// version per family is champion at a time; promotion demotes the previous
// champion in the same transaction.
type ModelVersion struct {
	ModelID      string             `json:"model_id"`
	Family       string             `json:"family"`
	TrainedFrom  Date               `json:"trained_from"`
	TrainedTo    Date               `json:"trained_to"`
	Weights      map[string]float64 `json:"weights,omitempty"`
	Intercept    float64            `json:"intercept"`
	Validation   ValidationMetrics  `json:"validation"`
	IsChampion   bool               `json:"is_champion"`
	IsChallenger bool               `json:"is_challenger"`
	CreatedAt    time.Time          `json:"created_at"`
}
