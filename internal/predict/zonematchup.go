package predict

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/statlinehq/props-engine/internal/model"
)

// ZoneMatchup adjusts the entity's season production for the opponent:
// how the opposing defense performs in the zones the entity scores from,
// and the pace the matchup is expected to run at.
type ZoneMatchup struct{}

// NewZoneMatchup creates the zone-matchup system.
func NewZoneMatchup() *ZoneMatchup {
	return &ZoneMatchup{}
}

func (z *ZoneMatchup) ID() string { return "zonematchup" }

func (z *ZoneMatchup) Predict(_ context.Context, snap model.FeatureSnapshot) (Output, error) {
	season, ok := snap.Features["season_avg"]
	if !ok {
		return Output{}, eris.Errorf("zonematchup: %s@%s missing season_avg", snap.EntityID, snap.Date)
	}
	zoneFactor, ok := snap.Features["opp_zone_factor"]
	if !ok {
		return Output{}, eris.Errorf("zonematchup: %s@%s missing opp_zone_factor", snap.EntityID, snap.Date)
	}

	// Neutral matchup is factor 1.0; the pace factor defaults neutral
	// when the schedule join has not produced one.
	paceFactor := 1.0
	if pf, ok := snap.Features["opp_pace_factor"]; ok {
		paceFactor = pf
	}

	value := season * zoneFactor * paceFactor

	// Confidence tracks how far the matchup deviates from neutral: a
	// strong signal either way is more informative than a wash.
	deviation := zoneFactor - 1
	if deviation < 0 {
		deviation = -deviation
	}
	confidence := 60 + deviation*100
	if confidence > 85 {
		confidence = 85
	}
	return Output{Value: value, Confidence: confidence}, nil
}
