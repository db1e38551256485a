// Package retrain decides whether a model family should be retrained. The
// monitor compares production accuracy and live feature distributions
// against the champion's validation-time baseline; its output is a recorded
// recommendation, never a training run.
package retrain

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/statlinehq/props-engine/internal/model"
)

// Config holds the trigger thresholds. Percentages are 0-100.
type Config struct {
	// MAEDegradationPct triggers when production MAE exceeds validation MAE
	// by more than this percentage.
	MAEDegradationPct float64
	// HitRateDropPct triggers when the production hit rate falls more than
	// this many percentage points below the validation hit rate.
	HitRateDropPct float64
	// DriftStddevs triggers when a live feature mean sits further than this
	// many training stddevs from its training mean.
	DriftStddevs float64
	// WindowDays is the rolling evaluation window.
	WindowDays int
	// MinSamples is the graded-prediction floor below which no trigger
	// fires; a thin window is noise, not signal.
	MinSamples int
	// SystemID is the prediction system whose graded results measure the
	// champion in production.
	SystemID string
}

// ChampionSource resolves the family's current champion.
type ChampionSource interface {
	GetChampion(ctx context.Context, family string) (*model.ModelVersion, error)
}

// PerformanceSource reads production rollups: graded-prediction accuracy
// per system and live feature means over a window.
type PerformanceSource interface {
	RollingPerformance(ctx context.Context, systemID string, from, to model.Date) (model.RollingPerformance, error)
	FeatureMeans(ctx context.Context, from, to model.Date) (map[string]float64, error)
}

// DecisionWriter records evaluation outcomes.
type DecisionWriter interface {
	RecordRetrainDecision(ctx context.Context, decision model.RetrainDecision) error
}

// Monitor evaluates retraining triggers for model families.
type Monitor struct {
	cfg        Config
	champions  ChampionSource
	production PerformanceSource
	decisions  DecisionWriter
	nowFunc    func() time.Time
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg Config, champions ChampionSource, production PerformanceSource, decisions DecisionWriter) *Monitor {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 14
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 50
	}
	if cfg.SystemID == "" {
		cfg.SystemID = "learned"
	}
	return &Monitor{
		cfg:        cfg,
		champions:  champions,
		production: production,
		decisions:  decisions,
		nowFunc:    time.Now,
	}
}

// Evaluate runs one evaluation for a family and records the decision.
// Every evaluation is recorded, triggered or not, so the decision history
// shows the monitor ran.
func (m *Monitor) Evaluate(ctx context.Context, family string) (model.RetrainDecision, error) {
	champion, err := m.champions.GetChampion(ctx, family)
	if err != nil {
		return model.RetrainDecision{}, eris.Wrapf(err, "retrain: load champion for family %s", family)
	}
	if champion == nil {
		return model.RetrainDecision{}, eris.Errorf("retrain: no champion for family %s", family)
	}

	now := m.nowFunc().UTC()
	to := model.DateOf(now)
	from := to.AddDays(-m.cfg.WindowDays)

	decision := model.RetrainDecision{
		ID:          uuid.NewString(),
		Family:      family,
		ModelID:     champion.ModelID,
		WindowFrom:  from,
		WindowTo:    to,
		EvaluatedAt: now,
	}

	perf, err := m.production.RollingPerformance(ctx, m.cfg.SystemID, from, to)
	if err != nil {
		return decision, eris.Wrapf(err, "retrain: rolling performance %s", family)
	}
	decision.SampleCount = perf.SampleCount

	if perf.SampleCount < m.cfg.MinSamples {
		decision.Reasons = append(decision.Reasons,
			fmt.Sprintf("only %d graded predictions in window, %d required", perf.SampleCount, m.cfg.MinSamples))
		return decision, m.record(ctx, decision)
	}

	decision.Reasons = append(decision.Reasons, m.accuracyReasons(champion, perf)...)

	driftReasons, err := m.driftReasons(ctx, champion, from, to)
	if err != nil {
		return decision, err
	}
	decision.Reasons = append(decision.Reasons, driftReasons...)

	// Below the sample floor nothing triggers; past it, any reason does.
	decision.Retrain = len(decision.Reasons) > 0
	return decision, m.record(ctx, decision)
}

func (m *Monitor) accuracyReasons(champion *model.ModelVersion, perf model.RollingPerformance) []string {
	var reasons []string

	if champion.Validation.MAE > 0 && m.cfg.MAEDegradationPct > 0 {
		limit := champion.Validation.MAE * (1 + m.cfg.MAEDegradationPct/100)
		if perf.MAE > limit {
			reasons = append(reasons, fmt.Sprintf(
				"production MAE %.3f exceeds validation %.3f by more than %.0f%%",
				perf.MAE, champion.Validation.MAE, m.cfg.MAEDegradationPct))
		}
	}

	if champion.Validation.HitRate > 0 && m.cfg.HitRateDropPct > 0 {
		floor := champion.Validation.HitRate - m.cfg.HitRateDropPct/100
		if perf.HitRate < floor {
			reasons = append(reasons, fmt.Sprintf(
				"production hit rate %.1f%% fell more than %.0f points below validation %.1f%%",
				perf.HitRate*100, m.cfg.HitRateDropPct, champion.Validation.HitRate*100))
		}
	}
	return reasons
}

func (m *Monitor) driftReasons(ctx context.Context, champion *model.ModelVersion, from, to model.Date) ([]string, error) {
	if m.cfg.DriftStddevs <= 0 || len(champion.Validation.FeatureMeans) == 0 {
		return nil, nil
	}
	live, err := m.production.FeatureMeans(ctx, from, to)
	if err != nil {
		return nil, eris.Wrap(err, "retrain: live feature means")
	}

	var reasons []string
	for feature, trainedMean := range champion.Validation.FeatureMeans {
		stddev := champion.Validation.FeatureStddevs[feature]
		if stddev <= 0 {
			continue
		}
		liveMean, ok := live[feature]
		if !ok {
			continue
		}
		shift := math.Abs(liveMean-trainedMean) / stddev
		if shift > m.cfg.DriftStddevs {
			reasons = append(reasons, fmt.Sprintf(
				"feature %s drifted %.1f stddevs from training mean (%.3f vs %.3f)",
				feature, shift, liveMean, trainedMean))
		}
	}
	return reasons, nil
}

func (m *Monitor) record(ctx context.Context, decision model.RetrainDecision) error {
	if err := m.decisions.RecordRetrainDecision(ctx, decision); err != nil {
		return eris.Wrapf(err, "retrain: record decision %s", decision.Family)
	}
	if decision.Retrain {
		zap.L().Warn("retraining recommended",
			zap.String("family", decision.Family),
			zap.String("model_id", decision.ModelID),
			zap.Strings("reasons", decision.Reasons),
			zap.Int("sample_count", decision.SampleCount),
		)
	} else {
		zap.L().Info("retraining not indicated",
			zap.String("family", decision.Family),
			zap.String("model_id", decision.ModelID),
			zap.Int("sample_count", decision.SampleCount),
		)
	}
	return nil
}
