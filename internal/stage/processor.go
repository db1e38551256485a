// Package stage runs one pipeline stage over entities: upstream readiness
// gate, circuit breaker, compute, idempotent persistence. The harness is
// generic; each stage supplies only its ComputeFunc.
package stage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/statlinehq/props-engine/internal/cascade"
	"github.com/statlinehq/props-engine/internal/completeness"
	"github.com/statlinehq/props-engine/internal/events"
	"github.com/statlinehq/props-engine/internal/idempotency"
	"github.com/statlinehq/props-engine/internal/model"
	"github.com/statlinehq/props-engine/internal/resilience"
)

// State is the terminal (or last observed) state of one (entity, date)
// pass through the stage.
type State string

const (
	StatePending           State = "PENDING"
	StateCheckingUpstream  State = "CHECKING_UPSTREAM"
	StateBlocked           State = "BLOCKED"
	StateCircuitOpen       State = "CIRCUIT_OPEN"
	StateComputing         State = "COMPUTING"
	StateSkippedIdempotent State = "SKIPPED_IDEMPOTENT"
	StateSucceeded         State = "SUCCEEDED"
	StateFailed            State = "FAILED"
)

// ComputeFunc is the stage-specific computation: the semantic payload for
// one (entity, date) plus the expected and actual source-record counts
// feeding the completeness check.
type ComputeFunc func(ctx context.Context, entityID string, date model.Date) (payload map[string]float64, expected, actual int, err error)

// CompletenessStore reads and replaces completeness records.
type CompletenessStore interface {
	GetCompleteness(ctx context.Context, entityID string, date model.Date, stage string) (*model.CompletenessRecord, error)
	ReplaceCompleteness(ctx context.Context, rec model.CompletenessRecord) error
}

// OutputWriter persists stage outputs.
type OutputWriter interface {
	UpsertStageOutput(ctx context.Context, out model.StageOutput) error
}

// Breaker is the slice of the circuit-breaker store the processor uses.
// Every Open that admits the caller must end in RecordFailure,
// RecordSuccess, or ReleaseProbe, or a half-open probe slot stays held
// until its deadline.
type Breaker interface {
	Open(ctx context.Context, entityID, stage string) (bool, error)
	RecordFailure(ctx context.Context, entityID, stage string) (model.BreakerState, error)
	RecordSuccess(ctx context.Context, entityID, stage string) error
	ReleaseProbe(ctx context.Context, entityID, stage string) error
}

// Publisher emits completion events.
type Publisher interface {
	Publish(ctx context.Context, c events.Completion)
}

// Outcome is the result of one entity's pass through the stage.
type Outcome struct {
	EntityID    string
	Date        model.Date
	Stage       string
	State       State
	ContentHash string
	Issues      []string
	Err         error
	Elapsed     time.Duration
}

// RunSummary aggregates a ProcessDate batch: per-state counts keyed by the
// lowercased state name, plus the run ID stamped on every persisted output.
type RunSummary struct {
	RunID    string
	Date     model.Date
	Stage    string
	Total    int
	Counts   map[State]int
	Outcomes []Outcome
}

// Processor runs one stage.
type Processor struct {
	stage        string
	resolver     *cascade.Resolver
	checker      *completeness.Checker
	gate         *idempotency.Gate
	breaker      Breaker
	completeness CompletenessStore
	outputs      OutputWriter
	bus          Publisher
	compute      ComputeFunc
	upstreams    []string
	concurrency  int
	nowFunc      func() time.Time
}

// New creates a Processor for the named stage. concurrency bounds the
// per-entity fan-out in ProcessDate.
func New(
	stageName string,
	graph *cascade.Graph,
	checker *completeness.Checker,
	gate *idempotency.Gate,
	breaker Breaker,
	completenessStore CompletenessStore,
	outputs OutputWriter,
	bus Publisher,
	compute ComputeFunc,
	concurrency int,
) *Processor {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Processor{
		stage:        stageName,
		resolver:     cascade.NewResolver(graph),
		checker:      checker,
		gate:         gate,
		breaker:      breaker,
		completeness: completenessStore,
		outputs:      outputs,
		bus:          bus,
		compute:      compute,
		upstreams:    graph.Upstreams(stageName),
		concurrency:  concurrency,
		nowFunc:      time.Now,
	}
}

// ProcessEntity runs the stage for one entity and date. The returned
// Outcome always carries a terminal state; Err is set alongside FAILED.
// Transient failures are FAILED outcomes that did not touch the breaker.
func (p *Processor) ProcessEntity(ctx context.Context, runID, entityID string, date model.Date) Outcome {
	start := p.nowFunc()
	out := Outcome{EntityID: entityID, Date: date, Stage: p.stage, State: StateCheckingUpstream}
	defer func() { out.Elapsed = p.nowFunc().Sub(start) }()

	ready, issues, err := p.upstreamReady(ctx, entityID, date)
	if err != nil {
		out.State = StateFailed
		out.Err = err
		return out
	}
	if !ready {
		out.State = StateBlocked
		out.Issues = issues
		p.recordBlocked(ctx, entityID, date, issues)
		return out
	}

	open, err := p.breaker.Open(ctx, entityID, p.stage)
	if err != nil {
		out.State = StateFailed
		out.Err = err
		return out
	}
	if open {
		// An open breaker makes this stage's output unusable downstream:
		// replace the readiness record so dependents block on it instead
		// of consuming stale pre-trip output.
		out.State = StateCircuitOpen
		out.Issues = []string{"circuit breaker open for stage " + p.stage}
		p.recordBlocked(ctx, entityID, date, out.Issues)
		return out
	}

	out.State = StateComputing
	payload, expected, actual, err := p.compute(ctx, entityID, date)
	if err != nil {
		return p.computeFailed(ctx, out, err)
	}

	rec := p.checker.Check(entityID, date, p.stage, expected, actual)
	if err := p.completeness.ReplaceCompleteness(ctx, rec); err != nil {
		p.releaseProbe(ctx, entityID)
		out.State = StateFailed
		out.Err = err
		return out
	}
	if !rec.IsProductionReady {
		p.releaseProbe(ctx, entityID)
		out.State = StateBlocked
		out.Issues = rec.QualityIssues
		return out
	}

	skip, hash, err := p.gate.ShouldSkip(ctx, p.stage, entityID, date, payload)
	if err != nil {
		p.releaseProbe(ctx, entityID)
		out.State = StateFailed
		out.Err = err
		return out
	}
	out.ContentHash = hash
	if skip {
		// Unchanged output: no write, no completion event, no downstream
		// cascade. The successful compute still closes the breaker.
		if err := p.breaker.RecordSuccess(ctx, entityID, p.stage); err != nil {
			zap.L().Warn("stage: breaker reset after idempotent skip",
				zap.String("stage", p.stage), zap.String("entity_id", entityID), zap.Error(err))
		}
		out.State = StateSkippedIdempotent
		return out
	}

	upstream, err := p.upstreamRecords(ctx, entityID, date)
	if err != nil {
		p.releaseProbe(ctx, entityID)
		out.State = StateFailed
		out.Err = err
		return out
	}
	stageOut := model.StageOutput{
		EntityID:          entityID,
		Date:              date,
		Stage:             p.stage,
		ContentHash:       hash,
		Payload:           payload,
		UpstreamReadiness: upstream,
		RunID:             runID,
		ComputedAt:        p.nowFunc().UTC(),
	}
	if err := p.outputs.UpsertStageOutput(ctx, stageOut); err != nil {
		p.releaseProbe(ctx, entityID)
		out.State = StateFailed
		out.Err = err
		return out
	}
	if err := p.breaker.RecordSuccess(ctx, entityID, p.stage); err != nil {
		zap.L().Warn("stage: breaker reset after success",
			zap.String("stage", p.stage), zap.String("entity_id", entityID), zap.Error(err))
	}
	p.bus.Publish(ctx, events.Completion{
		Source:    p.stage,
		EntityID:  entityID,
		Date:      date,
		Success:   true,
		RunID:     runID,
		Timestamp: p.nowFunc().UTC(),
	})
	out.State = StateSucceeded
	return out
}

// ProcessDate runs the stage for every listed entity with a bounded
// fan-out. One entity failing never aborts the batch; the summary carries
// every outcome. The returned error is reserved for context cancellation.
func (p *Processor) ProcessDate(ctx context.Context, date model.Date, entityIDs []string) (RunSummary, error) {
	summary := RunSummary{
		RunID:  uuid.NewString(),
		Date:   date,
		Stage:  p.stage,
		Total:  len(entityIDs),
		Counts: make(map[State]int),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, entityID := range entityIDs {
		entityID := entityID
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out := p.ProcessEntity(gctx, summary.RunID, entityID, date)
			if out.Err != nil {
				zap.L().Error("stage: entity failed",
					zap.String("stage", p.stage),
					zap.String("entity_id", entityID),
					zap.String("date", date.String()),
					zap.Error(out.Err),
				)
			}
			mu.Lock()
			summary.Counts[out.State]++
			summary.Outcomes = append(summary.Outcomes, out)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}

	zap.L().Info("stage: batch complete",
		zap.String("stage", p.stage),
		zap.String("date", date.String()),
		zap.String("run_id", summary.RunID),
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Counts[StateSucceeded]),
		zap.Int("skipped_idempotent", summary.Counts[StateSkippedIdempotent]),
		zap.Int("blocked", summary.Counts[StateBlocked]),
		zap.Int("circuit_open", summary.Counts[StateCircuitOpen]),
		zap.Int("failed", summary.Counts[StateFailed]),
	)
	return summary, nil
}

func (p *Processor) upstreamReady(ctx context.Context, entityID string, date model.Date) (bool, []string, error) {
	upstream, err := p.upstreamRecords(ctx, entityID, date)
	if err != nil {
		return false, nil, err
	}
	ready, issues := p.resolver.Resolve(p.stage, entityID, date, upstream)
	return ready, issues, nil
}

func (p *Processor) upstreamRecords(ctx context.Context, entityID string, date model.Date) (map[string]model.CompletenessRecord, error) {
	if len(p.upstreams) == 0 {
		return nil, nil
	}
	records := make(map[string]model.CompletenessRecord, len(p.upstreams))
	for _, dep := range p.upstreams {
		rec, err := p.completeness.GetCompleteness(ctx, entityID, date, dep)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records[dep] = *rec
		}
	}
	return records, nil
}

// recordBlocked persists a not-ready completeness record for this stage so
// downstream stages see the blockage with its upstream issues attached.
func (p *Processor) recordBlocked(ctx context.Context, entityID string, date model.Date, issues []string) {
	rec := model.CompletenessRecord{
		EntityID:        entityID,
		Date:            date,
		Stage:           p.stage,
		CompletenessPct: 0,
		QualityIssues:   issues,
		CheckedAt:       p.nowFunc().UTC(),
	}
	if err := p.completeness.ReplaceCompleteness(ctx, rec); err != nil {
		zap.L().Warn("stage: record blocked completeness",
			zap.String("stage", p.stage), zap.String("entity_id", entityID), zap.Error(err))
	}
}

// releaseProbe hands back a possibly-held half-open probe on paths that end
// without a breaker verdict.
func (p *Processor) releaseProbe(ctx context.Context, entityID string) {
	if err := p.breaker.ReleaseProbe(ctx, entityID, p.stage); err != nil {
		zap.L().Warn("stage: release breaker probe",
			zap.String("stage", p.stage), zap.String("entity_id", entityID), zap.Error(err))
	}
}

func (p *Processor) computeFailed(ctx context.Context, out Outcome, err error) Outcome {
	var dq *resilience.DataQualityError
	switch {
	case errors.As(err, &dq):
		// Inputs incomplete: recorded and skipped, never a breaker count.
		p.releaseProbe(ctx, out.EntityID)
		out.State = StateBlocked
		out.Issues = dq.Issues
		p.recordBlocked(ctx, out.EntityID, out.Date, dq.Issues)
		return out
	case resilience.IsTransient(err):
		// Safe to retry; the breaker only counts genuine compute failures.
		p.releaseProbe(ctx, out.EntityID)
		out.State = StateFailed
		out.Err = err
		return out
	default:
		if _, berr := p.breaker.RecordFailure(ctx, out.EntityID, p.stage); berr != nil {
			zap.L().Warn("stage: record breaker failure",
				zap.String("stage", p.stage), zap.String("entity_id", out.EntityID), zap.Error(berr))
		}
		out.State = StateFailed
		out.Err = err
		return out
	}
}
