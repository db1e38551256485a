// Package coordinator turns a date's slate into prediction tasks. Dispatch
// is the readiness funnel: every scheduled entity either queues a task or
// lands in exactly one skip bucket, and the summary accounts for all of
// them.
package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/statlinehq/props-engine/internal/model"
	"github.com/statlinehq/props-engine/internal/schedule"
)

// SnapshotSource loads the feature-snapshot stage output whose content hash
// keys dispatch idempotency.
type SnapshotSource interface {
	GetStageOutput(ctx context.Context, entityID string, date model.Date, stage string) (*model.StageOutput, error)
}

// CompletenessReader reads the readiness record of the snapshot stage.
type CompletenessReader interface {
	GetCompleteness(ctx context.Context, entityID string, date model.Date, stage string) (*model.CompletenessRecord, error)
}

// ResultReader resolves the persisted ensemble result for an (entity,
// date), if any.
type ResultReader interface {
	GetEnsembleResult(ctx context.Context, entityID string, date model.Date) (*model.PredictionResult, error)
}

// Breaker is the slice of the circuit-breaker store the coordinator uses.
// Open may admit the caller as the half-open probe; a dispatch that then
// queues no task must release the slot so the breaker is not held until
// the probe deadline.
type Breaker interface {
	Open(ctx context.Context, entityID, stage string) (bool, error)
	ReleaseProbe(ctx context.Context, entityID, stage string) error
}

// TaskQueue publishes tasks and exposes the unacked backlog.
type TaskQueue interface {
	Publish(ctx context.Context, task model.PredictionTask) (string, error)
	InFlight(ctx context.Context) ([]model.PredictionTask, error)
}

// Filter narrows a dispatch to specific entities and optionally forces
// re-dispatch past the idempotency check. Force never bypasses readiness:
// a blocked or circuit-open entity stays skipped.
type Filter struct {
	EntityIDs []string
	Force     bool
}

// DispatchSummary accounts for every scheduled entity.
type DispatchSummary struct {
	RunID             string     `json:"run_id"`
	Date              model.Date `json:"date"`
	Total             int        `json:"total"`
	EntitiesQueued    int        `json:"entities_queued"`
	SkippedIdempotent int        `json:"skipped_idempotent"`
	Blocked           int        `json:"blocked"`
	CircuitOpen       int        `json:"circuit_open"`
}

// Config holds the stage names and enqueue rate for a Coordinator.
type Config struct {
	// SnapshotStage is the feature-snapshot stage dispatch gates on.
	SnapshotStage string
	// PredictionStage is the breaker scope for prediction work.
	PredictionStage string
	// RatePerSec bounds the enqueue rate; zero disables the limiter.
	RatePerSec float64
	// Burst is the limiter burst size.
	Burst int
}

// Coordinator dispatches prediction tasks for a date.
type Coordinator struct {
	cfg          Config
	schedule     schedule.Provider
	snapshots    SnapshotSource
	completeness CompletenessReader
	results      ResultReader
	breaker      Breaker
	queue        TaskQueue
	limiter      *rate.Limiter
	nowFunc      func() time.Time
}

// New creates a Coordinator.
func New(cfg Config, sched schedule.Provider, snapshots SnapshotSource, completeness CompletenessReader, results ResultReader, breaker Breaker, queue TaskQueue) *Coordinator {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return &Coordinator{
		cfg:          cfg,
		schedule:     sched,
		snapshots:    snapshots,
		completeness: completeness,
		results:      results,
		breaker:      breaker,
		queue:        queue,
		limiter:      limiter,
		nowFunc:      time.Now,
	}
}

// Dispatch enumerates the date's slate and queues one task per ready
// entity. Store and queue connectivity failures halt the dispatch; per-
// entity readiness never does.
func (c *Coordinator) Dispatch(ctx context.Context, date model.Date, filter Filter) (DispatchSummary, error) {
	summary := DispatchSummary{RunID: uuid.NewString(), Date: date}

	entries, err := c.schedule.Slate(ctx, date)
	if err != nil {
		return summary, err
	}
	entries = applyFilter(entries, filter)
	summary.Total = len(entries)

	inFlight, err := c.inFlightHashes(ctx, date)
	if err != nil {
		return summary, err
	}

	for _, entry := range entries {
		entityID := entry.Entity.ID

		ready, hash, err := c.snapshotReady(ctx, entityID, date)
		if err != nil {
			return summary, err
		}
		if !ready {
			summary.Blocked++
			continue
		}

		open, err := c.breaker.Open(ctx, entityID, c.cfg.PredictionStage)
		if err != nil {
			return summary, err
		}
		if open {
			summary.CircuitOpen++
			continue
		}

		if !filter.Force {
			dup, err := c.alreadyDispatched(ctx, entityID, date, hash, inFlight)
			if err != nil {
				return summary, err
			}
			if dup {
				c.releaseProbe(ctx, entityID)
				summary.SkippedIdempotent++
				continue
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return summary, eris.Wrap(err, "coordinator: rate limit wait")
		}
		task := model.PredictionTask{
			TaskID:       uuid.NewString(),
			EntityID:     entityID,
			Date:         date,
			SnapshotHash: hash,
			DispatchedAt: c.nowFunc().UTC(),
		}
		if _, err := c.queue.Publish(ctx, task); err != nil {
			return summary, err
		}
		summary.EntitiesQueued++
	}

	zap.L().Info("dispatch complete",
		zap.String("run_id", summary.RunID),
		zap.String("date", date.String()),
		zap.Int("total", summary.Total),
		zap.Int("queued", summary.EntitiesQueued),
		zap.Int("skipped_idempotent", summary.SkippedIdempotent),
		zap.Int("blocked", summary.Blocked),
		zap.Int("circuit_open", summary.CircuitOpen),
		zap.Bool("force", filter.Force),
	)
	return summary, nil
}

// releaseProbe hands back a possibly-held half-open probe when the entity
// queues no task after passing the breaker check.
func (c *Coordinator) releaseProbe(ctx context.Context, entityID string) {
	if err := c.breaker.ReleaseProbe(ctx, entityID, c.cfg.PredictionStage); err != nil {
		zap.L().Warn("coordinator: release breaker probe",
			zap.String("entity_id", entityID), zap.Error(err))
	}
}

// snapshotReady reports whether the entity's feature snapshot is
// production-ready for the date, and returns its content hash when it is.
func (c *Coordinator) snapshotReady(ctx context.Context, entityID string, date model.Date) (bool, string, error) {
	rec, err := c.completeness.GetCompleteness(ctx, entityID, date, c.cfg.SnapshotStage)
	if err != nil {
		return false, "", err
	}
	if rec == nil || !rec.IsProductionReady {
		return false, "", nil
	}
	out, err := c.snapshots.GetStageOutput(ctx, entityID, date, c.cfg.SnapshotStage)
	if err != nil {
		return false, "", err
	}
	if out == nil {
		return false, "", nil
	}
	return true, out.ContentHash, nil
}

// alreadyDispatched reports whether an identical-hash task is in flight or
// an identical-hash ensemble result already exists.
func (c *Coordinator) alreadyDispatched(ctx context.Context, entityID string, date model.Date, hash string, inFlight map[string]struct{}) (bool, error) {
	if _, ok := inFlight[entityID+"|"+hash]; ok {
		return true, nil
	}
	res, err := c.results.GetEnsembleResult(ctx, entityID, date)
	if err != nil {
		return false, err
	}
	return res != nil && res.SnapshotHash == hash, nil
}

func (c *Coordinator) inFlightHashes(ctx context.Context, date model.Date) (map[string]struct{}, error) {
	tasks, err := c.queue.InFlight(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if t.Date == date {
			out[t.EntityID+"|"+t.SnapshotHash] = struct{}{}
		}
	}
	return out, nil
}

func applyFilter(entries []model.SlateEntry, filter Filter) []model.SlateEntry {
	if len(filter.EntityIDs) == 0 {
		return entries
	}
	want := make(map[string]struct{}, len(filter.EntityIDs))
	for _, id := range filter.EntityIDs {
		want[id] = struct{}{}
	}
	out := entries[:0:0]
	for _, e := range entries {
		if _, ok := want[e.Entity.ID]; ok {
			out = append(out, e)
		}
	}
	return out
}
