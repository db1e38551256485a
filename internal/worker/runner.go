package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/statlinehq/props-engine/internal/queue"
	"github.com/statlinehq/props-engine/internal/resilience"
)

// TaskSource is the queue slice the runner consumes.
type TaskSource interface {
	EnsureGroup(ctx context.Context) error
	Fetch(ctx context.Context, count int) ([]queue.Delivery, []queue.DeadLetter, error)
	Ack(ctx context.Context, id string) error
}

// DLQArchiver persists dead-letter entries for inspection after the stream
// entry is gone.
type DLQArchiver interface {
	ArchiveDeadLetter(ctx context.Context, entry resilience.DLQEntry) error
}

// RunnerConfig tunes the consume loop.
type RunnerConfig struct {
	// BatchSize is the fetch batch per loop iteration.
	BatchSize int
	// TaskTimeout is the per-task processing deadline.
	TaskTimeout time.Duration
	// IdleSleep is the pause after an empty fetch.
	IdleSleep time.Duration
}

// Runner is the worker consume loop: fetch, handle with a deadline, ack.
// Failures of any class leave the message pending for redelivery; the
// claim cycle's delivery ceiling dead-letters tasks once their attempts
// run out.
type Runner struct {
	cfg     RunnerConfig
	tasks   TaskSource
	handler *Handler
	archive DLQArchiver
	nowFunc func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig, tasks TaskSource, handler *Handler, archive DLQArchiver) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 2 * time.Minute
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = time.Second
	}
	return &Runner{cfg: cfg, tasks: tasks, handler: handler, archive: archive, nowFunc: time.Now}
}

// Run consumes until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.tasks.EnsureGroup(ctx); err != nil {
		return err
	}
	zap.L().Info("worker started", zap.Int("batch_size", r.cfg.BatchSize))

	for {
		if err := ctx.Err(); err != nil {
			zap.L().Info("worker stopping")
			return nil
		}
		n, err := r.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			zap.L().Error("worker: fetch failed", zap.Error(err))
			r.sleep(ctx, r.cfg.IdleSleep)
			continue
		}
		if n == 0 {
			r.sleep(ctx, r.cfg.IdleSleep)
		}
	}
}

// RunOnce fetches and processes one batch, returning how many deliveries it
// saw. Split out so commands can drain a queue without looping forever.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	deliveries, parked, err := r.tasks.Fetch(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, dl := range parked {
		r.archiveDeadLetter(ctx, dl, "max_deliveries")
	}
	for _, d := range deliveries {
		r.process(ctx, d)
	}
	return len(deliveries) + len(parked), nil
}

func (r *Runner) process(ctx context.Context, d queue.Delivery) {
	taskCtx, cancel := context.WithTimeout(ctx, r.cfg.TaskTimeout)
	defer cancel()

	_, err := r.handler.Handle(taskCtx, d.Task)
	if err == nil {
		if ackErr := r.tasks.Ack(ctx, d.ID); ackErr != nil {
			zap.L().Error("worker: ack failed", zap.String("id", d.ID), zap.Error(ackErr))
		}
		return
	}

	zap.L().Error("worker: task failed",
		zap.String("entity_id", d.Task.EntityID),
		zap.String("date", d.Task.Date.String()),
		zap.Int("attempts", d.Attempts),
		zap.String("class", resilience.Classify(err)),
		zap.Error(err),
	)

	// Leave the message pending; the claim cycle redelivers it and the
	// delivery ceiling dead-letters it once its attempts run out. Compute
	// errors ride the same ceiling: a snapshot can be republished before
	// the attempts are spent.
}

func (r *Runner) archiveDeadLetter(ctx context.Context, dl queue.DeadLetter, class string) {
	if r.archive == nil {
		return
	}
	now := r.nowFunc().UTC()
	entry := resilience.DLQEntry{
		ID:            dl.ID,
		Task:          dl.Task,
		Error:         dl.Error,
		ErrorClass:    class,
		Attempts:      dl.Attempts,
		FirstFailedAt: dl.Task.DispatchedAt,
		LastFailedAt:  now,
	}
	if entry.FirstFailedAt.IsZero() {
		entry.FirstFailedAt = now
	}
	if err := r.archive.ArchiveDeadLetter(ctx, entry); err != nil {
		zap.L().Error("worker: archive dead letter", zap.String("id", dl.ID), zap.Error(err))
	}
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
