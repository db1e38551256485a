// Package model defines the core domain types shared across the pipeline:
// entities, civil dates, completeness records, stage outputs, prediction
// tasks and results, and versioned model metadata.
package model

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// EntityKind distinguishes the granularities tracked by the pipeline.
type EntityKind string

const (
	EntityPlayer EntityKind = "player"
	EntityTeam   EntityKind = "team"
)

// Entity is a player or team tracked by the pipeline. ID is the canonical
// identifier produced by NormalizeEntityID; all stage and prediction keys use
// it, never the display name.
type Entity struct {
	ID       string     `json:"id"`
	Kind     EntityKind `json:"kind"`
	Name     string     `json:"name"`
	TeamID   string     `json:"team_id,omitempty"`
	League   string     `json:"league,omitempty"`
	Position string     `json:"position,omitempty"`
	Active   bool       `json:"active"`
}

var entityIDStrip = regexp.MustCompile(`[^a-z0-9]+`)

// stripDiacritics removes combining marks after NFD decomposition, so names
// from different feeds ("Dončić", "Doncic") resolve to the same entity.
var stripDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeEntityID derives the canonical entity identifier from a raw
// source name: fold diacritics, lowercase, collapse everything that is not
// alphanumeric into single hyphens.
func NormalizeEntityID(raw string) string {
	folded, _, err := transform.String(stripDiacritics, strings.TrimSpace(raw))
	if err != nil {
		folded = raw
	}
	id := strings.ToLower(folded)
	id = entityIDStrip.ReplaceAllString(id, "-")
	return strings.Trim(id, "-")
}
