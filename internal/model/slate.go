package model

import "time"

// SlateEntry is one scheduled entity on a date's slate: the schedule source
// the coordinator and completeness checker derive expected work from.
// GameCount is the number of games the entity is scheduled for on the date,
// which doubles as the expected record count for ingestion-rooted stages.
type SlateEntry struct {
	Entity     Entity `json:"entity"`
	Date       Date   `json:"date"`
	OpponentID string `json:"opponent_id,omitempty"`
	GameCount  int    `json:"game_count"`
}

// Observation is one raw ingested record for an (entity, date, stage).
// Ingestion (out of scope here) writes them; root stages count and aggregate
// them. Fields carries the numeric measurements of the record.
type Observation struct {
	EntityID   string             `json:"entity_id"`
	Date       Date               `json:"date"`
	Stage      string             `json:"stage"`
	Fields     map[string]float64 `json:"fields"`
	ObservedAt time.Time          `json:"observed_at"`
}
