package model

import "time"

// Recommendation is the betting-side call derived from a prediction against
// its target line.
type Recommendation string

const (
	RecommendOver  Recommendation = "OVER"
	RecommendUnder Recommendation = "UNDER"
	RecommendPass  Recommendation = "PASS"
)

// PredictionTask is the unit of work the coordinator enqueues and a worker
// consumes. SnapshotHash is the canonical hash of the feature snapshot the
// task was dispatched against; it doubles as the idempotency key for
// dispatch and for detecting stale results.
type PredictionTask struct {
	TaskID       string    `json:"task_id"`
	EntityID     string    `json:"entity_id"`
	Date         Date      `json:"date"`
	SnapshotHash string    `json:"snapshot_hash"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// PredictionResult is one system's output for an (entity, date). The
// ensemble row carries IsEnsemble=true; when some constituent systems failed
// it carries Degraded=true, and when every system failed the worker persists
// a single fallback row instead (IsFallback=true, confidence 50, PASS).
// Superseding writes upsert on (entity_id, date, system_id).
type PredictionResult struct {
	EntityID        string         `json:"entity_id"`
	Date            Date           `json:"date"`
	SystemID        string         `json:"system_id"`
	PredictedValue  float64        `json:"predicted_value"`
	ConfidenceScore float64        `json:"confidence_score"`
	Recommendation  Recommendation `json:"recommendation"`
	IsEnsemble      bool           `json:"is_ensemble"`
	IsFallback      bool           `json:"is_fallback"`
	Degraded        bool           `json:"degraded"`
	Line            *float64       `json:"line,omitempty"`
	SnapshotHash    string         `json:"snapshot_hash"`
	RunID           string         `json:"run_id"`
	GeneratedAt     time.Time      `json:"generated_at"`

	// Grading fields, written after actuals land.
	ActualValue *float64   `json:"actual_value,omitempty"`
	GradedAt    *time.Time `json:"graded_at,omitempty"`
}

// Hit reports whether a graded result's recommendation was correct against
// the line it was issued on. Ungraded results, lineless results, and PASS
// recommendations report false.
func (r PredictionResult) Hit() bool {
	if r.ActualValue == nil || r.Line == nil {
		return false
	}
	switch r.Recommendation {
	case RecommendOver:
		return *r.ActualValue > *r.Line
	case RecommendUnder:
		return *r.ActualValue < *r.Line
	default:
		return false
	}
}

// TargetLine is the prop line a recommendation is judged against.
type TargetLine struct {
	EntityID string  `json:"entity_id"`
	Date     Date    `json:"date"`
	Metric   string  `json:"metric"`
	Line     float64 `json:"line"`
}

// FeatureSnapshot is the read-only feature vector a worker loads for one
// prediction task. Freshness is the upstream computation time, carried so
// staleness is observable downstream.
type FeatureSnapshot struct {
	EntityID  string             `json:"entity_id"`
	Date      Date               `json:"date"`
	Features  map[string]float64 `json:"features"`
	Freshness time.Time          `json:"freshness"`
}
