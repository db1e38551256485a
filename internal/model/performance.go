package model

// RollingPerformance is the production-accuracy rollup of one system's
// graded predictions over a date window: mean absolute error against
// actuals and the hit rate of its non-PASS recommendations.
type RollingPerformance struct {
	SystemID    string  `json:"system_id"`
	From        Date    `json:"from"`
	To          Date    `json:"to"`
	MAE         float64 `json:"mae"`
	HitRate     float64 `json:"hit_rate"`
	SampleCount int     `json:"sample_count"`
}
