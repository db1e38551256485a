package model

import "time"

// StageOutput records the persisted result of one stage computation for an
// (entity, date) pair. ContentHash is the canonical hash of the semantic
// payload fields; the idempotency gate compares it against the next run's
// candidate hash to decide whether recomputation is needed. Writes are
// idempotent upserts keyed on (entity_id, date, stage).
type StageOutput struct {
	EntityID          string                        `json:"entity_id"`
	Date              Date                          `json:"date"`
	Stage             string                        `json:"stage"`
	ContentHash       string                        `json:"content_hash"`
	Payload           map[string]float64            `json:"payload"`
	UpstreamReadiness map[string]CompletenessRecord `json:"upstream_readiness,omitempty"`
	RunID             string                        `json:"run_id"`
	ComputedAt        time.Time                     `json:"computed_at"`
}
