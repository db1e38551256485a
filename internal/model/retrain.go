package model

import "time"

// RetrainDecision is the recorded, advisory outcome of one retraining
// evaluation for a model family. Retrain=true raises a recommendation; it
// never executes training itself.
type RetrainDecision struct {
	ID          string    `json:"id"`
	Family      string    `json:"family"`
	ModelID     string    `json:"model_id"`
	Retrain     bool      `json:"retrain"`
	Reasons     []string  `json:"reasons,omitempty"`
	WindowFrom  Date      `json:"window_from"`
	WindowTo    Date      `json:"window_to"`
	SampleCount int       `json:"sample_count"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}
