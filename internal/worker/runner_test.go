package worker

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statlinehq/props-engine/internal/model"
	"github.com/statlinehq/props-engine/internal/predict"
	"github.com/statlinehq/props-engine/internal/queue"
	"github.com/statlinehq/props-engine/internal/resilience"
)

type fakeTaskSource struct {
	deliveries []queue.Delivery
	parked     []queue.DeadLetter
	fetched    bool
	acked      []string
}

func (f *fakeTaskSource) EnsureGroup(context.Context) error { return nil }

func (f *fakeTaskSource) Fetch(context.Context, int) ([]queue.Delivery, []queue.DeadLetter, error) {
	if f.fetched {
		return nil, nil, nil
	}
	f.fetched = true
	return f.deliveries, f.parked, nil
}

func (f *fakeTaskSource) Ack(_ context.Context, id string) error {
	f.acked = append(f.acked, id)
	return nil
}

type fakeArchive struct {
	entries []resilience.DLQEntry
}

func (f *fakeArchive) ArchiveDeadLetter(_ context.Context, entry resilience.DLQEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func delivery(id string) queue.Delivery {
	return queue.Delivery{
		ID: id,
		Task: model.PredictionTask{
			TaskID:       "task-" + id,
			EntityID:     "luka-doncic",
			Date:         testDate,
			DispatchedAt: time.Date(2025, 11, 3, 12, 0, 0, 0, time.UTC),
		},
		Attempts: 1,
	}
}

func runnerWith(t *testing.T, src *fakeTaskSource, arc *fakeArchive, systems ...predict.System) *Runner {
	t.Helper()
	deps := newHandlerDeps()
	deps.snapshot = &model.FeatureSnapshot{EntityID: "luka-doncic", Date: testDate}
	h := newHandler(deps, systems...)
	return NewRunner(RunnerConfig{BatchSize: 10, TaskTimeout: time.Second}, src, h, arc)
}

func TestRunOnce_AcksSuccessfulTasks(t *testing.T) {
	src := &fakeTaskSource{deliveries: []queue.Delivery{delivery("1-0"), delivery("2-0")}}
	r := runnerWith(t, src, &fakeArchive{},
		&stubSystem{id: "baseline", out: predict.Output{Value: 25, Confidence: 75}})

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"1-0", "2-0"}, src.acked)
}

func TestRunOnce_TransientFailureLeavesPending(t *testing.T) {
	deps := newHandlerDeps()
	deps.snapErr = eris.New("connection refused")
	h := newHandler(deps, &stubSystem{id: "baseline", out: predict.Output{Value: 25, Confidence: 75}})

	src := &fakeTaskSource{deliveries: []queue.Delivery{delivery("1-0")}}
	r := NewRunner(RunnerConfig{BatchSize: 10, TaskTimeout: time.Second}, src, h, &fakeArchive{})

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, src.acked)
}

func TestRunOnce_ComputeFailureWaitsOutDeliveryCeiling(t *testing.T) {
	// Snapshot missing: a compute error. The task still gets its full
	// delivery budget before it is parked; a first-attempt failure must
	// neither ack nor dead-letter.
	deps := newHandlerDeps()
	h := newHandler(deps, &stubSystem{id: "baseline", out: predict.Output{Value: 25, Confidence: 75}})

	src := &fakeTaskSource{deliveries: []queue.Delivery{delivery("1-0")}}
	arc := &fakeArchive{}
	r := NewRunner(RunnerConfig{BatchSize: 10, TaskTimeout: time.Second}, src, h, arc)

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, src.acked)
	assert.Empty(t, arc.entries)
}

func TestRunOnce_ArchivesCeilingParkedTasks(t *testing.T) {
	src := &fakeTaskSource{parked: []queue.DeadLetter{{
		ID:       "dlq-1",
		Task:     model.PredictionTask{EntityID: "luka-doncic", Date: testDate},
		Error:    "max delivery attempts exceeded",
		Attempts: 4,
	}}}
	arc := &fakeArchive{}
	r := runnerWith(t, src, arc,
		&stubSystem{id: "baseline", out: predict.Output{Value: 25, Confidence: 75}})

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, arc.entries, 1)
	assert.Equal(t, 4, arc.entries[0].Attempts)
	assert.Equal(t, "max_deliveries", arc.entries[0].ErrorClass)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	src := &fakeTaskSource{}
	r := runnerWith(t, src, &fakeArchive{},
		&stubSystem{id: "baseline", out: predict.Output{Value: 25, Confidence: 75}})
	r.cfg.IdleSleep = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop on cancel")
	}
}
