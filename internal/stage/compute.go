package stage

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/statlinehq/props-engine/internal/model"
	"github.com/statlinehq/props-engine/internal/resilience"
)

// ObservationSource reads raw ingested records. ListObservations returns
// the records for one (entity, date, stage); History returns the most
// recent records for the entity's stage up to and including throughDate,
// newest first, at most limit.
type ObservationSource interface {
	ListObservations(ctx context.Context, entityID string, date model.Date, stage string) ([]model.Observation, error)
	History(ctx context.Context, entityID string, throughDate model.Date, stage string, limit int) ([]model.Observation, error)
}

// SlateSource resolves the slate entry for an (entity, date), which carries
// the expected game count and the opponent.
type SlateSource interface {
	GetSlateEntry(ctx context.Context, entityID string, date model.Date) (*model.SlateEntry, error)
}

// OutputReader loads persisted stage outputs, for computes that join
// against an upstream stage's payload.
type OutputReader interface {
	GetStageOutput(ctx context.Context, entityID string, date model.Date, stage string) (*model.StageOutput, error)
}

// AggregateCompute builds the ComputeFunc for an ingestion-rooted stage: it
// averages each numeric field across the date's observations and reports
// completeness as observed records vs the slate's scheduled game count. An
// entity missing from the slate expects zero records.
func AggregateCompute(stageName string, observations ObservationSource, slate SlateSource) ComputeFunc {
	return func(ctx context.Context, entityID string, date model.Date) (map[string]float64, int, int, error) {
		obs, err := observations.ListObservations(ctx, entityID, date, stageName)
		if err != nil {
			return nil, 0, 0, resilience.NewTransient(eris.Wrapf(err, "stage %s: list observations", stageName))
		}

		expected := 0
		entry, err := slate.GetSlateEntry(ctx, entityID, date)
		if err != nil {
			return nil, 0, 0, resilience.NewTransient(eris.Wrapf(err, "stage %s: load slate entry", stageName))
		}
		if entry != nil {
			expected = entry.GameCount
		}

		payload := averageFields(obs)
		payload["record_count"] = float64(len(obs))
		return payload, expected, len(obs), nil
	}
}

// Windows for the feature snapshot's recency blend.
const (
	featureRecentShort = 5
	featureRecentLong  = 10
	featureHistoryMax  = 120
)

// FeatureCompute builds the ComputeFunc for the feature-snapshot stage: the
// entity's recency-windowed averages of statField from its observation
// history, joined with the opponent's payload from opponentStage so matchup
// features ride along under their opp_-prefixed names.
func FeatureCompute(stageName, sourceStage, statField, opponentStage string, observations ObservationSource, slate SlateSource, outputs OutputReader) ComputeFunc {
	return func(ctx context.Context, entityID string, date model.Date) (map[string]float64, int, int, error) {
		history, err := observations.History(ctx, entityID, date.AddDays(-1), sourceStage, featureHistoryMax)
		if err != nil {
			return nil, 0, 0, resilience.NewTransient(eris.Wrapf(err, "stage %s: load history", stageName))
		}
		if len(history) == 0 {
			return nil, 1, 0, resilience.NewDataQuality(stageName, entityID,
				[]string{"no historical observations for " + statField})
		}

		values := make([]float64, 0, len(history))
		for _, o := range history {
			if v, ok := o.Fields[statField]; ok {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			return nil, 1, 0, resilience.NewDataQuality(stageName, entityID,
				[]string{"history carries no " + statField + " field"})
		}

		payload := map[string]float64{
			"season_avg":   mean(values),
			"games_played": float64(len(values)),
		}
		if len(values) >= featureRecentShort {
			payload["recent_avg_5"] = mean(values[:featureRecentShort])
		}
		if len(values) >= featureRecentLong {
			payload["recent_avg_10"] = mean(values[:featureRecentLong])
		}

		// Matchup features come from the opponent's upstream output; a
		// missing opponent output degrades the snapshot, never fails it.
		if entry, err := slate.GetSlateEntry(ctx, entityID, date); err != nil {
			return nil, 0, 0, resilience.NewTransient(eris.Wrapf(err, "stage %s: load slate entry", stageName))
		} else if entry != nil && entry.OpponentID != "" {
			opp, err := outputs.GetStageOutput(ctx, entry.OpponentID, date, opponentStage)
			if err != nil {
				return nil, 0, 0, resilience.NewTransient(eris.Wrapf(err, "stage %s: load opponent output", stageName))
			}
			if opp != nil {
				for k, v := range opp.Payload {
					payload["opp_"+k] = v
				}
			}
		}

		return payload, 1, 1, nil
	}
}

// averageFields averages each numeric field across the observations. Fields
// absent from some records average over the records that carry them.
func averageFields(obs []model.Observation) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, o := range obs {
		for k, v := range o.Fields {
			sums[k] += v
			counts[k]++
		}
	}
	payload := make(map[string]float64, len(sums))
	for k, sum := range sums {
		payload[k] = sum / float64(counts[k])
	}
	return payload
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
