// Package store is the persistence layer: completeness records, stage
// outputs, the slate, observations, target lines, prediction results,
// model versions, retrain decisions, pipeline runs, and the dead-letter
// archive. Postgres is the production backend; SQLite backs single-node
// and offline use with identical semantics.
package store

import (
	"context"
	"time"

	"github.com/statlinehq/props-engine/internal/model"
	"github.com/statlinehq/props-engine/internal/resilience"
)

// RunFilter specifies criteria for listing pipeline runs.
type RunFilter struct {
	Scope        string          `json:"scope,omitempty"`
	Date         model.Date      `json:"date,omitempty"`
	Status       model.RunStatus `json:"status,omitempty"`
	CreatedAfter time.Time       `json:"created_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
}

// Store defines the persistence interface for the prediction pipeline.
type Store interface {
	// Completeness
	GetCompleteness(ctx context.Context, entityID string, date model.Date, stage string) (*model.CompletenessRecord, error)
	ReplaceCompleteness(ctx context.Context, rec model.CompletenessRecord) error
	ListCompleteness(ctx context.Context, date model.Date, stage string) ([]model.CompletenessRecord, error)

	// Stage outputs
	GetStageOutput(ctx context.Context, entityID string, date model.Date, stage string) (*model.StageOutput, error)
	UpsertStageOutput(ctx context.Context, out model.StageOutput) error
	GetFeatureSnapshot(ctx context.Context, entityID string, date model.Date) (*model.FeatureSnapshot, error)
	LastComputedAt(ctx context.Context, stage string) (*time.Time, error)
	FeatureMeans(ctx context.Context, from, to model.Date) (map[string]float64, error)

	// Slate
	ReplaceSlate(ctx context.Context, date model.Date, entries []model.SlateEntry) error
	ListSlate(ctx context.Context, date model.Date) ([]model.SlateEntry, error)
	GetSlateEntry(ctx context.Context, entityID string, date model.Date) (*model.SlateEntry, error)

	// Observations
	InsertObservations(ctx context.Context, obs []model.Observation) (int, error)
	ListObservations(ctx context.Context, entityID string, date model.Date, stage string) ([]model.Observation, error)
	History(ctx context.Context, entityID string, throughDate model.Date, stage string, limit int) ([]model.Observation, error)

	// Target lines
	UpsertTargetLine(ctx context.Context, line model.TargetLine) error
	GetTargetLine(ctx context.Context, entityID string, date model.Date) (*model.TargetLine, error)

	// Predictions
	UpsertPredictionResults(ctx context.Context, results []model.PredictionResult) error
	GetEnsembleResult(ctx context.Context, entityID string, date model.Date) (*model.PredictionResult, error)
	ListPredictions(ctx context.Context, date model.Date) ([]model.PredictionResult, error)
	GradePredictions(ctx context.Context, date model.Date, actuals map[string]float64) (int, error)
	RollingPerformance(ctx context.Context, systemID string, from, to model.Date) (model.RollingPerformance, error)

	// Model versions
	CreateModelVersion(ctx context.Context, version model.ModelVersion) error
	GetChampion(ctx context.Context, family string) (*model.ModelVersion, error)
	PromoteChampion(ctx context.Context, family, modelID string) error
	ListModelVersions(ctx context.Context, family string) ([]model.ModelVersion, error)

	// Retrain decisions
	RecordRetrainDecision(ctx context.Context, decision model.RetrainDecision) error
	ListRetrainDecisions(ctx context.Context, family string, limit int) ([]model.RetrainDecision, error)

	// Pipeline runs
	CreateRun(ctx context.Context, scope string, date model.Date) (*model.PipelineRun, error)
	FinishRun(ctx context.Context, runID string, status model.RunStatus, counts map[string]int, runErr string) error
	GetRun(ctx context.Context, runID string) (*model.PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error)

	// Dead-letter archive
	ArchiveDeadLetter(ctx context.Context, entry resilience.DLQEntry) error
	ListDeadLetters(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	RemoveDeadLetter(ctx context.Context, id string) error
	CountDeadLetters(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
