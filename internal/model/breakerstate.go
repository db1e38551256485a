package model

import "time"

// BreakerState is the shared circuit-breaker state for one (entity, stage)
// pair. It lives in the external key-value store and is only ever mutated
// through atomic check-and-set, so concurrent workers cannot lose updates.
type BreakerState struct {
	EntityID            string     `json:"entity_id"`
	Stage               string     `json:"stage"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Probing             bool       `json:"probing,omitempty"`
	ProbeExpiresAt      *time.Time `json:"probe_expires_at,omitempty"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// OpenAt reports whether the breaker is open (short-circuiting) at the given
// instant: it has been tripped and the cooldown has not yet elapsed.
func (s BreakerState) OpenAt(now time.Time) bool {
	return s.CooldownUntil != nil && now.Before(*s.CooldownUntil)
}

// HalfOpenAt reports whether the breaker has been tripped but its cooldown
// has elapsed, so the next call may probe.
func (s BreakerState) HalfOpenAt(now time.Time) bool {
	return s.CooldownUntil != nil && !now.Before(*s.CooldownUntil)
}

// ProbeLiveAt reports whether a half-open probe is currently held and has
// not passed its report-back deadline. A probe with no deadline recorded is
// treated as expired so a stuck holder cannot wedge the breaker.
func (s BreakerState) ProbeLiveAt(now time.Time) bool {
	return s.Probing && s.ProbeExpiresAt != nil && now.Before(*s.ProbeExpiresAt)
}
