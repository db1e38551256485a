package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statlinehq/props-engine/internal/model"
	"github.com/statlinehq/props-engine/internal/resilience"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath, "features")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// --- Completeness ---

func TestSQLite_Completeness_ReplaceAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := model.CompletenessRecord{
		EntityID:          "luka-doncic",
		Date:              "2025-11-14",
		Stage:             "rawstats",
		ExpectedCount:     2,
		ActualCount:       1,
		CompletenessPct:   50,
		IsProductionReady: false,
		QualityIssues:     []string{"1 of 2 expected records present"},
		CheckedAt:         time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, st.ReplaceCompleteness(ctx, rec))

	got, err := st.GetCompleteness(ctx, "luka-doncic", "2025-11-14", "rawstats")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 50.0, got.CompletenessPct)
	assert.Equal(t, []string{"1 of 2 expected records present"}, got.QualityIssues)
	assert.False(t, got.IsProductionReady)
}

func TestSQLite_Completeness_ReplaceOverwrites(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := model.CompletenessRecord{
		EntityID: "luka-doncic", Date: "2025-11-14", Stage: "rawstats",
		ExpectedCount: 2, ActualCount: 1, CompletenessPct: 50,
		QualityIssues: []string{"partial"}, CheckedAt: time.Now().UTC(),
	}
	require.NoError(t, st.ReplaceCompleteness(ctx, rec))

	rec.ActualCount = 2
	rec.CompletenessPct = 100
	rec.IsProductionReady = true
	rec.QualityIssues = nil
	require.NoError(t, st.ReplaceCompleteness(ctx, rec))

	got, err := st.GetCompleteness(ctx, "luka-doncic", "2025-11-14", "rawstats")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 100.0, got.CompletenessPct)
	assert.True(t, got.IsProductionReady)
	assert.Empty(t, got.QualityIssues)
}

func TestSQLite_Completeness_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	got, err := st.GetCompleteness(context.Background(), "nobody", "2025-11-14", "rawstats")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_Completeness_ListByDateAndStage(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, id := range []string{"b-entity", "a-entity"} {
		require.NoError(t, st.ReplaceCompleteness(ctx, model.CompletenessRecord{
			EntityID: id, Date: "2025-11-14", Stage: "rawstats", CheckedAt: time.Now().UTC(),
		}))
	}
	require.NoError(t, st.ReplaceCompleteness(ctx, model.CompletenessRecord{
		EntityID: "a-entity", Date: "2025-11-15", Stage: "rawstats", CheckedAt: time.Now().UTC(),
	}))

	records, err := st.ListCompleteness(ctx, "2025-11-14", "rawstats")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a-entity", records[0].EntityID)
	assert.Equal(t, "b-entity", records[1].EntityID)
}

// --- Stage outputs ---

func TestSQLite_StageOutput_UpsertAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	out := model.StageOutput{
		EntityID:    "luka-doncic",
		Date:        "2025-11-14",
		Stage:       "features",
		ContentHash: "abc123",
		Payload:     map[string]float64{"season_avg": 28.5, "recent_avg_5": 31.2},
		UpstreamReadiness: map[string]model.CompletenessRecord{
			"rawstats": {EntityID: "luka-doncic", Date: "2025-11-14", Stage: "rawstats", CompletenessPct: 100, IsProductionReady: true},
		},
		RunID:      "run-1",
		ComputedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, st.UpsertStageOutput(ctx, out))

	got, err := st.GetStageOutput(ctx, "luka-doncic", "2025-11-14", "features")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "abc123", got.ContentHash)
	assert.Equal(t, 28.5, got.Payload["season_avg"])
	require.Contains(t, got.UpstreamReadiness, "rawstats")
	assert.True(t, got.UpstreamReadiness["rawstats"].IsProductionReady)
}

func TestSQLite_StageOutput_UpsertReplacesHash(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	out := model.StageOutput{
		EntityID: "luka-doncic", Date: "2025-11-14", Stage: "features",
		ContentHash: "abc123", Payload: map[string]float64{"season_avg": 28.5},
		RunID: "run-1", ComputedAt: time.Now().UTC(),
	}
	require.NoError(t, st.UpsertStageOutput(ctx, out))

	out.ContentHash = "def456"
	out.Payload["season_avg"] = 29.0
	out.RunID = "run-2"
	require.NoError(t, st.UpsertStageOutput(ctx, out))

	got, err := st.GetStageOutput(ctx, "luka-doncic", "2025-11-14", "features")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "def456", got.ContentHash)
	assert.Equal(t, "run-2", got.RunID)
}

func TestSQLite_FeatureSnapshot_ReadsSnapshotStage(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	computed := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.UpsertStageOutput(ctx, model.StageOutput{
		EntityID: "luka-doncic", Date: "2025-11-14", Stage: "features",
		ContentHash: "abc123", Payload: map[string]float64{"season_avg": 28.5},
		RunID: "run-1", ComputedAt: computed,
	}))
	// A non-snapshot stage output must not satisfy the lookup.
	require.NoError(t, st.UpsertStageOutput(ctx, model.StageOutput{
		EntityID: "jalen-brunson", Date: "2025-11-14", Stage: "rawstats",
		ContentHash: "zzz", Payload: map[string]float64{"points": 30},
		RunID: "run-1", ComputedAt: computed,
	}))

	snap, err := st.GetFeatureSnapshot(ctx, "luka-doncic", "2025-11-14")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 28.5, snap.Features["season_avg"])
	assert.Equal(t, computed, snap.Freshness.UTC())

	none, err := st.GetFeatureSnapshot(ctx, "jalen-brunson", "2025-11-14")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSQLite_LastComputedAt(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	ts, err := st.LastComputedAt(ctx, "features")
	require.NoError(t, err)
	assert.Nil(t, ts)

	older := time.Date(2025, 11, 13, 10, 0, 0, 0, time.UTC)
	newer := time.Date(2025, 11, 14, 10, 0, 0, 0, time.UTC)
	require.NoError(t, st.UpsertStageOutput(ctx, model.StageOutput{
		EntityID: "a", Date: "2025-11-13", Stage: "features",
		ContentHash: "h1", Payload: map[string]float64{"x": 1}, RunID: "r", ComputedAt: older,
	}))
	require.NoError(t, st.UpsertStageOutput(ctx, model.StageOutput{
		EntityID: "b", Date: "2025-11-14", Stage: "features",
		ContentHash: "h2", Payload: map[string]float64{"x": 1}, RunID: "r", ComputedAt: newer,
	}))

	ts, err = st.LastComputedAt(ctx, "features")
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.Equal(t, newer, ts.UTC())
}

func TestSQLite_FeatureMeans_AveragesSnapshotPayloads(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	snapshots := map[model.Date]float64{"2025-11-13": 20, "2025-11-14": 30}
	for date, avg := range snapshots {
		require.NoError(t, st.UpsertStageOutput(ctx, model.StageOutput{
			EntityID: "e", Date: date, Stage: "features",
			ContentHash: "h", Payload: map[string]float64{"season_avg": avg},
			RunID: "r", ComputedAt: time.Now().UTC(),
		}))
	}
	// Out of window.
	require.NoError(t, st.UpsertStageOutput(ctx, model.StageOutput{
		EntityID: "e", Date: "2025-10-01", Stage: "features",
		ContentHash: "h", Payload: map[string]float64{"season_avg": 99},
		RunID: "r", ComputedAt: time.Now().UTC(),
	}))

	means, err := st.FeatureMeans(ctx, "2025-11-10", "2025-11-20")
	require.NoError(t, err)
	assert.InDelta(t, 25.0, means["season_avg"], 1e-9)
}

// --- Slate ---

func TestSQLite_Slate_ReplaceListGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	entries := []model.SlateEntry{
		{Entity: model.Entity{ID: "luka-doncic", Kind: model.EntityPlayer, Name: "Luka Doncic", TeamID: "DAL"}, Date: "2025-11-14", OpponentID: "BOS", GameCount: 1},
		{Entity: model.Entity{ID: "jalen-brunson", Kind: model.EntityPlayer, Name: "Jalen Brunson", TeamID: "NYK"}, Date: "2025-11-14", OpponentID: "MIA", GameCount: 2},
	}
	require.NoError(t, st.ReplaceSlate(ctx, "2025-11-14", entries))

	listed, err := st.ListSlate(ctx, "2025-11-14")
	require.NoError(t, err)
	require.Len(t, listed, 2)

	got, err := st.GetSlateEntry(ctx, "luka-doncic", "2025-11-14")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "DAL", got.Entity.TeamID)
	assert.Equal(t, "BOS", got.OpponentID)
	assert.Equal(t, 1, got.GameCount)

	// Replace fully supersedes the previous slate for the date.
	require.NoError(t, st.ReplaceSlate(ctx, "2025-11-14", entries[:1]))
	listed, err = st.ListSlate(ctx, "2025-11-14")
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestSQLite_Slate_MissingEntry(t *testing.T) {
	st := newTestSQLiteStore(t)

	got, err := st.GetSlateEntry(context.Background(), "nobody", "2025-11-14")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// --- Observations ---

func TestSQLite_Observations_InsertIsIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	obs := []model.Observation{
		{EntityID: "luka-doncic", Date: "2025-11-14", Stage: "rawstats",
			Fields: map[string]float64{"points": 32}, ObservedAt: time.Date(2025, 11, 14, 22, 0, 0, 0, time.UTC)},
	}
	n, err := st.InsertObservations(ctx, obs)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Re-ingesting the same record is a no-op.
	n, err = st.InsertObservations(ctx, obs)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	listed, err := st.ListObservations(ctx, "luka-doncic", "2025-11-14", "rawstats")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, 32.0, listed[0].Fields["points"])
}

func TestSQLite_Observations_HistoryNewestFirst(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, d := range []model.Date{"2025-11-10", "2025-11-12", "2025-11-14"} {
		_, err := st.InsertObservations(ctx, []model.Observation{
			{EntityID: "luka-doncic", Date: d, Stage: "rawstats",
				Fields: map[string]float64{"points": 20}, ObservedAt: time.Now().UTC()},
		})
		require.NoError(t, err)
	}

	history, err := st.History(ctx, "luka-doncic", "2025-11-13", "rawstats", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.Date("2025-11-12"), history[0].Date)
	assert.Equal(t, model.Date("2025-11-10"), history[1].Date)
}

// --- Target lines ---

func TestSQLite_TargetLine_UpsertAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	line := model.TargetLine{EntityID: "luka-doncic", Date: "2025-11-14", Metric: "points", Line: 28.5}
	require.NoError(t, st.UpsertTargetLine(ctx, line))

	line.Line = 29.5
	require.NoError(t, st.UpsertTargetLine(ctx, line))

	got, err := st.GetTargetLine(ctx, "luka-doncic", "2025-11-14")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 29.5, got.Line)

	none, err := st.GetTargetLine(ctx, "nobody", "2025-11-14")
	require.NoError(t, err)
	assert.Nil(t, none)
}

// --- Predictions ---

func predictionFixture(systemID string, value float64, isEnsemble bool) model.PredictionResult {
	line := 28.5
	return model.PredictionResult{
		EntityID:        "luka-doncic",
		Date:            "2025-11-14",
		SystemID:        systemID,
		PredictedValue:  value,
		ConfidenceScore: 70,
		Recommendation:  model.RecommendOver,
		IsEnsemble:      isEnsemble,
		Line:            &line,
		SnapshotHash:    "abc123",
		RunID:           "run-1",
		GeneratedAt:     time.Now().UTC().Truncate(time.Second),
	}
}

func TestSQLite_Predictions_UpsertAndEnsembleLookup(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	results := []model.PredictionResult{
		predictionFixture("baseline", 29.1, false),
		predictionFixture("ensemble", 29.8, true),
	}
	require.NoError(t, st.UpsertPredictionResults(ctx, results))

	got, err := st.GetEnsembleResult(ctx, "luka-doncic", "2025-11-14")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ensemble", got.SystemID)
	assert.Equal(t, "abc123", got.SnapshotHash)
	require.NotNil(t, got.Line)
	assert.Equal(t, 28.5, *got.Line)
	assert.Nil(t, got.ActualValue)

	listed, err := st.ListPredictions(ctx, "2025-11-14")
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestSQLite_Predictions_SupersedingWriteClearsGrading(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertPredictionResults(ctx, []model.PredictionResult{predictionFixture("ensemble", 29.8, true)}))
	n, err := st.GradePredictions(ctx, "2025-11-14", map[string]float64{"luka-doncic": 31})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	graded, err := st.GetEnsembleResult(ctx, "luka-doncic", "2025-11-14")
	require.NoError(t, err)
	require.NotNil(t, graded.ActualValue)
	assert.Equal(t, 31.0, *graded.ActualValue)
	assert.True(t, graded.Hit())

	// A fresh result for the same key supersedes the graded row.
	require.NoError(t, st.UpsertPredictionResults(ctx, []model.PredictionResult{predictionFixture("ensemble", 30.2, true)}))
	got, err := st.GetEnsembleResult(ctx, "luka-doncic", "2025-11-14")
	require.NoError(t, err)
	assert.Nil(t, got.ActualValue)
	assert.Nil(t, got.GradedAt)
}

func TestSQLite_RollingPerformance(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	line := 25.0
	mk := func(entityID string, date model.Date, predicted float64, rec model.Recommendation) model.PredictionResult {
		l := line
		return model.PredictionResult{
			EntityID: entityID, Date: date, SystemID: "learned",
			PredictedValue: predicted, ConfidenceScore: 70, Recommendation: rec,
			Line: &l, SnapshotHash: "h", RunID: "r", GeneratedAt: time.Now().UTC(),
		}
	}
	require.NoError(t, st.UpsertPredictionResults(ctx, []model.PredictionResult{
		mk("a", "2025-11-13", 27, model.RecommendOver),  // actual 30 → hit, err 3
		mk("b", "2025-11-13", 23, model.RecommendUnder), // actual 26 → miss, err 3
		mk("c", "2025-11-14", 25, model.RecommendPass),  // actual 27 → excluded from hit rate, err 2
	}))
	_, err := st.GradePredictions(ctx, "2025-11-13", map[string]float64{"a": 30, "b": 26})
	require.NoError(t, err)
	_, err = st.GradePredictions(ctx, "2025-11-14", map[string]float64{"c": 27})
	require.NoError(t, err)

	perf, err := st.RollingPerformance(ctx, "learned", "2025-11-10", "2025-11-20")
	require.NoError(t, err)
	assert.Equal(t, 3, perf.SampleCount)
	assert.InDelta(t, 8.0/3.0, perf.MAE, 1e-9)
	assert.InDelta(t, 0.5, perf.HitRate, 1e-9)
}

// --- Model versions ---

func TestSQLite_ModelVersions_PromoteDemotesPrevious(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	v2 := model.ModelVersion{
		ModelID: "points-v2", Family: "points",
		TrainedFrom: "2025-09-01", TrainedTo: "2025-10-15",
		Weights:    map[string]float64{"season_avg": 0.8},
		Intercept:  2.1,
		Validation: model.ValidationMetrics{MAE: 4.2, HitRate: 0.56, SampleCount: 1800},
		IsChampion: true,
	}
	v3 := v2
	v3.ModelID = "points-v3"
	v3.IsChampion = false
	v3.IsChallenger = true
	v3.Validation.MAE = 4.0
	v3.CreatedAt = time.Now().UTC().Add(time.Minute)

	require.NoError(t, st.CreateModelVersion(ctx, v2))
	require.NoError(t, st.CreateModelVersion(ctx, v3))

	champion, err := st.GetChampion(ctx, "points")
	require.NoError(t, err)
	require.NotNil(t, champion)
	assert.Equal(t, "points-v2", champion.ModelID)

	require.NoError(t, st.PromoteChampion(ctx, "points", "points-v3"))

	champion, err = st.GetChampion(ctx, "points")
	require.NoError(t, err)
	require.NotNil(t, champion)
	assert.Equal(t, "points-v3", champion.ModelID)
	assert.False(t, champion.IsChallenger)
	assert.Equal(t, 0.8, champion.Weights["season_avg"])

	versions, err := st.ListModelVersions(ctx, "points")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	for _, v := range versions {
		if v.ModelID == "points-v2" {
			assert.False(t, v.IsChampion)
		}
	}
}

func TestSQLite_PromoteChampion_UnknownVersion(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.PromoteChampion(context.Background(), "points", "points-v99")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_GetChampion_NoneYet(t *testing.T) {
	st := newTestSQLiteStore(t)

	champion, err := st.GetChampion(context.Background(), "points")
	require.NoError(t, err)
	assert.Nil(t, champion)
}

// --- Retrain decisions ---

func TestSQLite_RetrainDecisions_RecordAndList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.RecordRetrainDecision(ctx, model.RetrainDecision{
		Family: "points", ModelID: "points-v3", Retrain: false,
		WindowFrom: "2025-10-31", WindowTo: "2025-11-13", SampleCount: 110,
		EvaluatedAt: time.Date(2025, 11, 13, 9, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, st.RecordRetrainDecision(ctx, model.RetrainDecision{
		Family: "points", ModelID: "points-v3", Retrain: true,
		Reasons:    []string{"production MAE 5.2 exceeds limit 4.6"},
		WindowFrom: "2025-11-01", WindowTo: "2025-11-14", SampleCount: 120,
		EvaluatedAt: time.Date(2025, 11, 14, 9, 0, 0, 0, time.UTC),
	}))

	decisions, err := st.ListRetrainDecisions(ctx, "points", 10)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.True(t, decisions[0].Retrain)
	assert.Contains(t, decisions[0].Reasons[0], "production MAE")
	assert.False(t, decisions[1].Retrain)
	assert.Empty(t, decisions[1].Reasons)
}

// --- Pipeline runs ---

func TestSQLite_Runs_CreateFinishGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "stage:features", "2025-11-14")
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	counts := map[string]int{"succeeded": 10, "blocked": 2}
	require.NoError(t, st.FinishRun(ctx, run.ID, model.RunStatusComplete, counts, ""))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.RunStatusComplete, got.Status)
	assert.Equal(t, counts, got.Counts)
	assert.Empty(t, got.Error)
	require.NotNil(t, got.FinishedAt)
}

func TestSQLite_Runs_FinishUnknownRun(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.FinishRun(context.Background(), "nonexistent", model.RunStatusFailed, nil, "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_Runs_ListFilters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	r1, err := st.CreateRun(ctx, "stage:features", "2025-11-14")
	require.NoError(t, err)
	_, err = st.CreateRun(ctx, "dispatch", "2025-11-14")
	require.NoError(t, err)
	require.NoError(t, st.FinishRun(ctx, r1.ID, model.RunStatusFailed, nil, "upstream outage"))

	runs, err := st.ListRuns(ctx, RunFilter{Scope: "stage:features"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "upstream outage", runs[0].Error)

	runs, err = st.ListRuns(ctx, RunFilter{Status: model.RunStatusRunning})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "dispatch", runs[0].Scope)

	runs, err = st.ListRuns(ctx, RunFilter{Date: "2025-11-14", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

// --- Dead-letter archive ---

func dlqFixture(id, class string) resilience.DLQEntry {
	now := time.Now().UTC().Truncate(time.Second)
	return resilience.DLQEntry{
		ID: id,
		Task: model.PredictionTask{
			TaskID: "task-" + id, EntityID: "luka-doncic", Date: "2025-11-14",
			SnapshotHash: "abc123", DispatchedAt: now.Add(-time.Hour),
		},
		Error:         "snapshot missing",
		ErrorClass:    class,
		Attempts:      3,
		FirstFailedAt: now.Add(-30 * time.Minute),
		LastFailedAt:  now,
	}
}

func TestSQLite_DLQ_ArchiveListRemove(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.ArchiveDeadLetter(ctx, dlqFixture("dlq-1", "compute")))
	require.NoError(t, st.ArchiveDeadLetter(ctx, dlqFixture("dlq-2", "transient")))

	count, err := st.CountDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	entries, err := st.ListDeadLetters(ctx, resilience.DLQFilter{ErrorClass: "compute"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dlq-1", entries[0].ID)
	assert.Equal(t, "task-dlq-1", entries[0].Task.TaskID)

	entries, err = st.ListDeadLetters(ctx, resilience.DLQFilter{Date: "2025-11-14"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, st.RemoveDeadLetter(ctx, "dlq-1"))
	count, err = st.CountDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSQLite_DLQ_RearchiveUpdatesAttempts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	entry := dlqFixture("dlq-1", "compute")
	require.NoError(t, st.ArchiveDeadLetter(ctx, entry))

	entry.Attempts = 5
	entry.LastFailedAt = entry.LastFailedAt.Add(time.Hour)
	require.NoError(t, st.ArchiveDeadLetter(ctx, entry))

	entries, err := st.ListDeadLetters(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 5, entries[0].Attempts)
}
