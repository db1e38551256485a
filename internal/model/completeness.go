package model

import "time"

// CompletenessRecord captures the result of one completeness check for an
// (entity, date, stage) triple. Each check fully replaces the previous
// record; the store never merges partial updates.
type CompletenessRecord struct {
	EntityID          string    `json:"entity_id"`
	Date              Date      `json:"date"`
	Stage             string    `json:"stage"`
	ExpectedCount     int       `json:"expected_count"`
	ActualCount       int       `json:"actual_count"`
	CompletenessPct   float64   `json:"completeness_pct"`
	IsProductionReady bool      `json:"is_production_ready"`
	QualityIssues     []string  `json:"quality_issues,omitempty"`
	CheckedAt         time.Time `json:"checked_at"`
}
