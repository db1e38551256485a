package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statlinehq/props-engine/internal/model"
)

func newTestQueue(t *testing.T, maxDeliveries int) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := New(rdb, Config{
		Stream:        "test:tasks",
		Group:         "test-workers",
		Consumer:      "worker-1",
		DLQStream:     "test:tasks:dead",
		MaxDeliveries: maxDeliveries,
		ClaimMinIdle:  0,
		Block:         50 * time.Millisecond,
	})
	require.NoError(t, q.EnsureGroup(context.Background()))
	return q
}

func testTask(entityID string) model.PredictionTask {
	return model.PredictionTask{
		TaskID:       "task-" + entityID,
		EntityID:     entityID,
		Date:         "2025-11-03",
		SnapshotHash: "abc123",
		DispatchedAt: time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC),
	}
}

func TestQueue_PublishFetchAck(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()

	_, err := q.Publish(ctx, testTask("luka-doncic"))
	require.NoError(t, err)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	deliveries, parked, err := q.Fetch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, parked)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "luka-doncic", deliveries[0].Task.EntityID)
	assert.Equal(t, model.Date("2025-11-03"), deliveries[0].Task.Date)
	assert.Equal(t, 1, deliveries[0].Attempts)

	require.NoError(t, q.Ack(ctx, deliveries[0].ID))

	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestQueue_UnackedIsRedelivered(t *testing.T) {
	q := newTestQueue(t, 5)
	ctx := context.Background()

	_, err := q.Publish(ctx, testTask("luka-doncic"))
	require.NoError(t, err)

	first, _, err := q.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)
	// No ack: the message stays pending and a later fetch reclaims it.

	second, parked, err := q.Fetch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, parked)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Greater(t, second[0].Attempts, 1)
}

func TestQueue_DeadLetterAfterMaxDeliveries(t *testing.T) {
	q := newTestQueue(t, 1)
	ctx := context.Background()

	_, err := q.Publish(ctx, testTask("luka-doncic"))
	require.NoError(t, err)

	_, _, err = q.Fetch(ctx, 10)
	require.NoError(t, err)

	// Second fetch reclaims the unacked message past the ceiling.
	deliveries, parked, err := q.Fetch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
	require.Len(t, parked, 1)
	assert.Equal(t, "luka-doncic", parked[0].Task.EntityID)
	assert.Contains(t, parked[0].Error, "max delivery attempts")

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth, "dead-lettered message leaves the work stream")

	dlqDepth, err := q.DLQDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dlqDepth)
}

func TestQueue_DeadLetterNow(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()

	_, err := q.Publish(ctx, testTask("luka-doncic"))
	require.NoError(t, err)

	deliveries, _, err := q.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	dl, err := q.DeadLetterNow(ctx, deliveries[0], "compute: model blew up")
	require.NoError(t, err)
	assert.Equal(t, "compute: model blew up", dl.Error)

	list, err := q.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "luka-doncic", list[0].Task.EntityID)
}

func TestQueue_RequeueDeadLetter(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()

	_, err := q.Publish(ctx, testTask("luka-doncic"))
	require.NoError(t, err)
	deliveries, _, err := q.Fetch(ctx, 10)
	require.NoError(t, err)
	_, err = q.DeadLetterNow(ctx, deliveries[0], "boom")
	require.NoError(t, err)

	list, err := q.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, q.RequeueDeadLetter(ctx, list[0].ID))

	dlqDepth, err := q.DLQDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), dlqDepth)

	redelivered, _, err := q.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, "luka-doncic", redelivered[0].Task.EntityID)
}

func TestQueue_RequeueMissingDeadLetter(t *testing.T) {
	q := newTestQueue(t, 3)
	err := q.RequeueDeadLetter(context.Background(), "0-1")
	assert.Error(t, err)
}

func TestQueue_PurgeDeadLetters(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := q.Publish(ctx, testTask(id))
		require.NoError(t, err)
	}
	deliveries, _, err := q.Fetch(ctx, 10)
	require.NoError(t, err)
	for _, d := range deliveries {
		_, err := q.DeadLetterNow(ctx, d, "boom")
		require.NoError(t, err)
	}

	n, err := q.PurgeDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	dlqDepth, err := q.DLQDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), dlqDepth)
}

func TestQueue_InFlight(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()

	_, err := q.Publish(ctx, testTask("luka-doncic"))
	require.NoError(t, err)
	_, err = q.Publish(ctx, testTask("nikola-jokic"))
	require.NoError(t, err)

	tasks, err := q.InFlight(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	deliveries, _, err := q.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	require.NoError(t, q.Ack(ctx, deliveries[0].ID))

	tasks, err = q.InFlight(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 1, "acked tasks leave the in-flight set")
}

func TestQueue_EnsureGroupIdempotent(t *testing.T) {
	q := newTestQueue(t, 3)
	assert.NoError(t, q.EnsureGroup(context.Background()))
}
