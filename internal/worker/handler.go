// Package worker consumes prediction tasks: load the feature snapshot and
// target line, run every prediction system, persist the per-system and
// ensemble results. A task always yields at least one result row; the
// ensemble degrades or falls back, it never disappears.
package worker

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/statlinehq/props-engine/internal/events"
	"github.com/statlinehq/props-engine/internal/model"
	"github.com/statlinehq/props-engine/internal/predict"
	"github.com/statlinehq/props-engine/internal/resilience"
)

// SnapshotSource loads the feature snapshot a task predicts from.
type SnapshotSource interface {
	GetFeatureSnapshot(ctx context.Context, entityID string, date model.Date) (*model.FeatureSnapshot, error)
}

// LineSource resolves the target line a recommendation is judged against.
type LineSource interface {
	GetTargetLine(ctx context.Context, entityID string, date model.Date) (*model.TargetLine, error)
}

// ResultWriter persists prediction results idempotently.
type ResultWriter interface {
	UpsertPredictionResults(ctx context.Context, results []model.PredictionResult) error
}

// Breaker is the failure-bookkeeping slice of the circuit-breaker store.
type Breaker interface {
	RecordFailure(ctx context.Context, entityID, stage string) (model.BreakerState, error)
	RecordSuccess(ctx context.Context, entityID, stage string) error
}

// Publisher emits completion events.
type Publisher interface {
	Publish(ctx context.Context, c events.Completion)
}

// HandlerConfig tunes result derivation.
type HandlerConfig struct {
	// PredictionStage is the breaker scope and completion-event source.
	PredictionStage string
	// PassMargin is the dead zone around the line inside which the
	// recommendation stays PASS.
	PassMargin float64
}

// Handler executes one prediction task.
type Handler struct {
	cfg       HandlerConfig
	ensemble  *predict.Ensemble
	snapshots SnapshotSource
	lines     LineSource
	results   ResultWriter
	breaker   Breaker
	bus       Publisher
	nowFunc   func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig, ensemble *predict.Ensemble, snapshots SnapshotSource, lines LineSource, results ResultWriter, breaker Breaker, bus Publisher) *Handler {
	if cfg.PredictionStage == "" {
		cfg.PredictionStage = "predictions"
	}
	if cfg.PassMargin <= 0 {
		cfg.PassMargin = 0.5
	}
	return &Handler{
		cfg:       cfg,
		ensemble:  ensemble,
		snapshots: snapshots,
		lines:     lines,
		results:   results,
		breaker:   breaker,
		bus:       bus,
		nowFunc:   time.Now,
	}
}

// Handle runs every prediction system over the task's snapshot and persists
// the results. System failures degrade the ensemble; only infrastructure
// failures return an error. Non-transient errors count against the
// entity's prediction breaker.
func (h *Handler) Handle(ctx context.Context, task model.PredictionTask) ([]model.PredictionResult, error) {
	results, err := h.handle(ctx, task)
	if err != nil {
		if !resilience.IsTransient(err) {
			if _, berr := h.breaker.RecordFailure(ctx, task.EntityID, h.cfg.PredictionStage); berr != nil {
				zap.L().Warn("worker: record breaker failure",
					zap.String("entity_id", task.EntityID), zap.Error(berr))
			}
		}
		return nil, err
	}
	if err := h.breaker.RecordSuccess(ctx, task.EntityID, h.cfg.PredictionStage); err != nil {
		zap.L().Warn("worker: breaker reset", zap.String("entity_id", task.EntityID), zap.Error(err))
	}
	h.bus.Publish(ctx, events.Completion{
		Source:    h.cfg.PredictionStage,
		EntityID:  task.EntityID,
		Date:      task.Date,
		Success:   true,
		RunID:     task.TaskID,
		Timestamp: h.nowFunc().UTC(),
	})
	return results, nil
}

func (h *Handler) handle(ctx context.Context, task model.PredictionTask) ([]model.PredictionResult, error) {
	snap, err := h.snapshots.GetFeatureSnapshot(ctx, task.EntityID, task.Date)
	if err != nil {
		return nil, resilience.NewTransient(eris.Wrapf(err, "worker: load snapshot %s@%s", task.EntityID, task.Date))
	}
	if snap == nil {
		// Dispatched against a snapshot that no longer exists; retrying
		// cannot recover it.
		return nil, resilience.NewCompute(h.cfg.PredictionStage, task.EntityID,
			eris.Errorf("feature snapshot missing for %s", task.Date))
	}

	var line *float64
	tl, err := h.lines.GetTargetLine(ctx, task.EntityID, task.Date)
	if err != nil {
		return nil, resilience.NewTransient(eris.Wrapf(err, "worker: load target line %s@%s", task.EntityID, task.Date))
	}
	if tl != nil {
		line = &tl.Line
	}

	run := h.ensemble.Run(ctx, *snap)
	now := h.nowFunc().UTC()

	base := model.PredictionResult{
		EntityID:     task.EntityID,
		Date:         task.Date,
		Line:         line,
		SnapshotHash: task.SnapshotHash,
		RunID:        task.TaskID,
		GeneratedAt:  now,
	}

	var results []model.PredictionResult
	if run.Fallback {
		// Every system failed: one neutral row so the slate entry is never
		// silently dropped.
		fallback := base
		fallback.SystemID = predict.SystemIDEnsemble
		fallback.ConfidenceScore = run.Confidence
		fallback.Recommendation = model.RecommendPass
		fallback.IsEnsemble = true
		fallback.IsFallback = true
		results = append(results, fallback)
	} else {
		for systemID, out := range run.PerSystem {
			r := base
			r.SystemID = systemID
			r.PredictedValue = out.Value
			r.ConfidenceScore = out.Confidence
			r.Recommendation = h.recommend(out.Value, line)
			results = append(results, r)
		}
		ensemble := base
		ensemble.SystemID = predict.SystemIDEnsemble
		ensemble.PredictedValue = run.Value
		ensemble.ConfidenceScore = run.Confidence
		ensemble.Recommendation = h.recommend(run.Value, line)
		ensemble.IsEnsemble = true
		ensemble.Degraded = run.Degraded
		results = append(results, ensemble)
	}

	if err := h.results.UpsertPredictionResults(ctx, results); err != nil {
		return nil, resilience.NewTransient(eris.Wrapf(err, "worker: persist results %s@%s", task.EntityID, task.Date))
	}

	if run.Degraded || run.Fallback {
		zap.L().Warn("prediction degraded",
			zap.String("entity_id", task.EntityID),
			zap.String("date", task.Date.String()),
			zap.Int("systems_failed", len(run.Errors)),
			zap.Bool("fallback", run.Fallback),
		)
	}
	return results, nil
}

// recommend derives the side call; without a line there is nothing to call.
func (h *Handler) recommend(value float64, line *float64) model.Recommendation {
	if line == nil {
		return model.RecommendPass
	}
	return predict.Recommend(value, *line, h.cfg.PassMargin)
}
