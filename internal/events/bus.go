// Package events publishes completion events for stage and worker runs on
// a Redis pub/sub channel, so downstream consumers can react to pipeline
// progress without polling the store.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/statlinehq/props-engine/internal/model"
)

// Completion is emitted after every stage-processor and worker run.
// Source is the stage name or prediction system that finished.
type Completion struct {
	Source    string     `json:"source"`
	EntityID  string     `json:"entity_id"`
	Date      model.Date `json:"date"`
	Success   bool       `json:"success"`
	RunID     string     `json:"run_id"`
	Timestamp time.Time  `json:"timestamp"`
}

// Bus is a Redis pub/sub completion event bus.
type Bus struct {
	rdb     *redis.Client
	channel string
}

// NewBus creates a Bus on the given channel.
func NewBus(rdb *redis.Client, channel string) *Bus {
	if channel == "" {
		channel = "props:completions"
	}
	return &Bus{rdb: rdb, channel: channel}
}

// Publish emits one completion event. Publish failures are logged, not
// propagated: a completed run must never be reported as failed because a
// notification could not be delivered.
func (b *Bus) Publish(ctx context.Context, c Completion) {
	data, err := json.Marshal(c)
	if err != nil {
		zap.L().Error("events: marshal completion", zap.Error(err))
		return
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		zap.L().Error("events: publish completion",
			zap.String("source", c.Source),
			zap.String("entity_id", c.EntityID),
			zap.Error(err),
		)
	}
}

// Subscribe delivers completion events until ctx is cancelled. The
// returned stop function closes the subscription.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Completion, func() error, error) {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, eris.Wrap(err, "events: subscribe")
	}

	out := make(chan Completion)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var c Completion
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				zap.L().Error("events: decode completion", zap.Error(err))
				continue
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, sub.Close, nil
}
