package retrain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statlinehq/props-engine/internal/model"
)

type fakeSources struct {
	champion *model.ModelVersion
	perf     model.RollingPerformance
	means    map[string]float64
	recorded []model.RetrainDecision
}

func (f *fakeSources) GetChampion(context.Context, string) (*model.ModelVersion, error) {
	return f.champion, nil
}

func (f *fakeSources) RollingPerformance(_ context.Context, systemID string, from, to model.Date) (model.RollingPerformance, error) {
	p := f.perf
	p.SystemID = systemID
	p.From = from
	p.To = to
	return p, nil
}

func (f *fakeSources) FeatureMeans(context.Context, model.Date, model.Date) (map[string]float64, error) {
	return f.means, nil
}

func (f *fakeSources) RecordRetrainDecision(_ context.Context, d model.RetrainDecision) error {
	f.recorded = append(f.recorded, d)
	return nil
}

func champion() *model.ModelVersion {
	return &model.ModelVersion{
		ModelID: "points-v3",
		Family:  "points",
		Validation: model.ValidationMetrics{
			MAE:            4.0,
			HitRate:        0.58,
			SampleCount:    2000,
			FeatureMeans:   map[string]float64{"season_avg": 20.0},
			FeatureStddevs: map[string]float64{"season_avg": 2.0},
		},
		IsChampion: true,
	}
}

func newMonitor(f *fakeSources) *Monitor {
	m := NewMonitor(Config{
		MAEDegradationPct: 15,
		HitRateDropPct:    5,
		DriftStddevs:      2,
		WindowDays:        14,
		MinSamples:        50,
	}, f, f, f)
	m.nowFunc = func() time.Time { return time.Date(2025, 11, 17, 9, 0, 0, 0, time.UTC) }
	return m
}

func healthyPerf() model.RollingPerformance {
	return model.RollingPerformance{MAE: 4.1, HitRate: 0.57, SampleCount: 120}
}

func TestEvaluate_HealthyChampionNoTrigger(t *testing.T) {
	f := &fakeSources{champion: champion(), perf: healthyPerf(), means: map[string]float64{"season_avg": 20.5}}

	d, err := newMonitor(f).Evaluate(context.Background(), "points")
	require.NoError(t, err)

	assert.False(t, d.Retrain)
	assert.Empty(t, d.Reasons)
	assert.Equal(t, "points-v3", d.ModelID)
	assert.Equal(t, model.Date("2025-11-03"), d.WindowFrom)
	assert.Equal(t, model.Date("2025-11-17"), d.WindowTo)
	require.Len(t, f.recorded, 1)
}

func TestEvaluate_MAEDegradationTriggers(t *testing.T) {
	f := &fakeSources{champion: champion(), means: map[string]float64{"season_avg": 20.0}}
	// Validation MAE 4.0, threshold 15% → limit 4.6.
	f.perf = model.RollingPerformance{MAE: 5.2, HitRate: 0.58, SampleCount: 120}

	d, err := newMonitor(f).Evaluate(context.Background(), "points")
	require.NoError(t, err)

	assert.True(t, d.Retrain)
	require.Len(t, d.Reasons, 1)
	assert.Contains(t, d.Reasons[0], "production MAE")
}

func TestEvaluate_HitRateDropTriggers(t *testing.T) {
	f := &fakeSources{champion: champion(), means: map[string]float64{"season_avg": 20.0}}
	// Validation 58%, drop threshold 5 points → floor 53%.
	f.perf = model.RollingPerformance{MAE: 4.0, HitRate: 0.50, SampleCount: 120}

	d, err := newMonitor(f).Evaluate(context.Background(), "points")
	require.NoError(t, err)

	assert.True(t, d.Retrain)
	require.Len(t, d.Reasons, 1)
	assert.Contains(t, d.Reasons[0], "hit rate")
}

func TestEvaluate_FeatureDriftTriggers(t *testing.T) {
	f := &fakeSources{champion: champion(), perf: healthyPerf()}
	// Training mean 20, stddev 2, threshold 2 stddevs → limit 24/16.
	f.means = map[string]float64{"season_avg": 25.0}

	d, err := newMonitor(f).Evaluate(context.Background(), "points")
	require.NoError(t, err)

	assert.True(t, d.Retrain)
	require.Len(t, d.Reasons, 1)
	assert.Contains(t, d.Reasons[0], "season_avg drifted")
}

func TestEvaluate_ThinWindowNeverTriggers(t *testing.T) {
	f := &fakeSources{champion: champion(), means: map[string]float64{"season_avg": 30.0}}
	// Everything is degraded, but the window is too thin to trust.
	f.perf = model.RollingPerformance{MAE: 9.0, HitRate: 0.3, SampleCount: 12}

	d, err := newMonitor(f).Evaluate(context.Background(), "points")
	require.NoError(t, err)

	assert.False(t, d.Retrain)
	require.Len(t, d.Reasons, 1)
	assert.Contains(t, d.Reasons[0], "only 12 graded predictions")
	require.Len(t, f.recorded, 1)
}

func TestEvaluate_MultipleReasonsAccumulate(t *testing.T) {
	f := &fakeSources{champion: champion()}
	f.perf = model.RollingPerformance{MAE: 5.2, HitRate: 0.45, SampleCount: 200}
	f.means = map[string]float64{"season_avg": 26.0}

	d, err := newMonitor(f).Evaluate(context.Background(), "points")
	require.NoError(t, err)

	assert.True(t, d.Retrain)
	assert.Len(t, d.Reasons, 3)
}

func TestEvaluate_NoChampionErrors(t *testing.T) {
	f := &fakeSources{}
	_, err := newMonitor(f).Evaluate(context.Background(), "points")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no champion")
	assert.Empty(t, f.recorded)
}
