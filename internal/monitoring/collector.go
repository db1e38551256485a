// Package monitoring gathers operational health metrics (run outcomes,
// queue and dead-letter depth, open breakers, stage staleness) and raises
// webhook alerts when thresholds are breached.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/statlinehq/props-engine/internal/model"
	"github.com/statlinehq/props-engine/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	RunFailRate  float64 `json:"run_fail_rate"`

	// Queue depth.
	QueueDepth    int64 `json:"queue_depth"`
	QueueDLQDepth int64 `json:"queue_dlq_depth"`

	// Archived dead letters.
	DLQArchived int `json:"dlq_archived"`

	// Open circuit breakers.
	OpenBreakers int `json:"open_breakers"`

	// Per-stage watermark: time of the most recent computed output, absent
	// for stages that have never produced one.
	StageWatermarks map[string]time.Time `json:"stage_watermarks,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// QueueDepths abstracts the work queue depth probes.
type QueueDepths interface {
	Depth(ctx context.Context) (int64, error)
	DLQDepth(ctx context.Context) (int64, error)
}

// BreakerCounter abstracts the breaker store's open-count probe.
type BreakerCounter interface {
	OpenCount(ctx context.Context) (int, error)
}

// Collector gathers metrics from the store, the queue, and the breaker
// store.
type Collector struct {
	store    store.Store
	queue    QueueDepths
	breakers BreakerCounter
	stages   []string

	nowFunc func() time.Time
}

// NewCollector creates a metrics collector. stages lists the stage names to
// report watermarks for, usually the full stage graph in order.
func NewCollector(st store.Store, queue QueueDepths, breakers BreakerCounter, stages []string) *Collector {
	return &Collector{
		store:    st,
		queue:    queue,
		breakers: breakers,
		stages:   stages,
		nowFunc:  time.Now,
	}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.nowFunc().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	for _, r := range runs {
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
	}
	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}

	if c.queue != nil {
		if snap.QueueDepth, err = c.queue.Depth(ctx); err != nil {
			return nil, eris.Wrap(err, "monitoring: queue depth")
		}
		if snap.QueueDLQDepth, err = c.queue.DLQDepth(ctx); err != nil {
			return nil, eris.Wrap(err, "monitoring: dlq depth")
		}
	}

	if snap.DLQArchived, err = c.store.CountDeadLetters(ctx); err != nil {
		return nil, eris.Wrap(err, "monitoring: count dead letters")
	}

	if c.breakers != nil {
		if snap.OpenBreakers, err = c.breakers.OpenCount(ctx); err != nil {
			return nil, eris.Wrap(err, "monitoring: open breaker count")
		}
	}

	if len(c.stages) > 0 {
		snap.StageWatermarks = make(map[string]time.Time, len(c.stages))
		for _, stage := range c.stages {
			ts, err := c.store.LastComputedAt(ctx, stage)
			if err != nil {
				return nil, eris.Wrapf(err, "monitoring: watermark for %s", stage)
			}
			if ts != nil {
				snap.StageWatermarks[stage] = ts.UTC()
			}
		}
	}

	return snap, nil
}
