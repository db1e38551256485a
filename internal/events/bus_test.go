package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus := NewBus(rdb, "test:completions")

	events, stop, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { stop() })

	want := Completion{
		Source:    "analytics",
		EntityID:  "luka-doncic",
		Date:      "2025-11-03",
		Success:   true,
		RunID:     "run-1",
		Timestamp: time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC),
	}
	bus.Publish(ctx, want)

	select {
	case got := <-events:
		assert.Equal(t, want, got)
	case <-ctx.Done():
		t.Fatal("timed out waiting for completion event")
	}
}

func TestBus_PublishSurvivesDeadRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	mr.Close()

	bus := NewBus(rdb, "test:completions")
	// Must not panic or error out of the caller's path.
	bus.Publish(context.Background(), Completion{Source: "analytics"})
}

func TestNewBus_DefaultChannel(t *testing.T) {
	bus := NewBus(nil, "")
	assert.Equal(t, "props:completions", bus.channel)
}
