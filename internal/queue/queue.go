// Package queue is the prediction work queue: a Redis stream consumed
// through a consumer group, giving at-least-once delivery with explicit
// acks, stale-message reclaim, and a dead-letter stream for tasks that
// exhaust their delivery attempts.
package queue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/statlinehq/props-engine/internal/model"
)

// Config controls stream names and redelivery behavior.
type Config struct {
	Stream    string
	Group     string
	Consumer  string
	DLQStream string
	// MaxDeliveries is the delivery-attempt ceiling; a message claimed
	// past it is dead-lettered instead of redelivered.
	MaxDeliveries int
	// ClaimMinIdle is how long a pending message must sit unacked before
	// another consumer may claim it.
	ClaimMinIdle time.Duration
	// Block is the XREADGROUP block duration per fetch.
	Block time.Duration
}

// Delivery is one received task plus its delivery bookkeeping.
type Delivery struct {
	ID       string
	Task     model.PredictionTask
	Attempts int
}

// DeadLetter is a task parked on the dead-letter stream.
type DeadLetter struct {
	ID       string               `json:"id"`
	Task     model.PredictionTask `json:"task"`
	Error    string               `json:"error"`
	Attempts int                  `json:"attempts"`
	ParkedAt time.Time            `json:"parked_at"`
}

// Queue is a Redis Streams work queue.
type Queue struct {
	rdb *redis.Client
	cfg Config
}

// New creates a Queue. An empty consumer name gets a unique one, so scaled
// worker replicas never collide inside the group.
func New(rdb *redis.Client, cfg Config) *Queue {
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-" + uuid.New().String()[:8]
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 3
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	return &Queue{rdb: rdb, cfg: cfg}
}

// EnsureGroup creates the consumer group (and stream) if missing.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return eris.Wrapf(err, "queue: create group %s", q.cfg.Group)
	}
	return nil
}

// Publish appends one task to the stream and returns its message ID.
func (q *Queue) Publish(ctx context.Context, task model.PredictionTask) (string, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return "", eris.Wrap(err, "queue: marshal task")
	}
	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{"task": data},
	}).Result()
	if err != nil {
		return "", eris.Wrapf(err, "queue: publish task %s@%s", task.EntityID, task.Date)
	}
	return id, nil
}

// Fetch returns the next batch of deliveries: first messages reclaimed
// from consumers that went quiet, then fresh messages. Reclaimed messages
// past the delivery ceiling are dead-lettered here and not returned.
func (q *Queue) Fetch(ctx context.Context, count int) ([]Delivery, []DeadLetter, error) {
	if count <= 0 {
		count = 10
	}

	var deliveries []Delivery
	var parked []DeadLetter

	claimed, err := q.claimStale(ctx, count)
	if err != nil {
		return nil, nil, err
	}
	for _, d := range claimed {
		if d.Attempts > q.cfg.MaxDeliveries {
			dl, err := q.deadLetter(ctx, d, "max delivery attempts exceeded")
			if err != nil {
				return nil, nil, err
			}
			parked = append(parked, dl)
			continue
		}
		deliveries = append(deliveries, d)
	}

	fresh, err := q.readFresh(ctx, count-len(deliveries))
	if err != nil {
		return nil, nil, err
	}
	deliveries = append(deliveries, fresh...)

	return deliveries, parked, nil
}

func (q *Queue) claimStale(ctx context.Context, count int) ([]Delivery, error) {
	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.ClaimMinIdle,
		Start:    "0",
		Count:    int64(count),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, eris.Wrap(err, "queue: autoclaim")
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	attempts, err := q.pendingAttempts(ctx, msgs)
	if err != nil {
		return nil, err
	}

	var out []Delivery
	for _, m := range msgs {
		d, err := decodeDelivery(m)
		if err != nil {
			// Malformed message: drop it from the stream rather than
			// poison the group forever.
			zap.L().Error("queue: dropping undecodable message", zap.String("id", m.ID), zap.Error(err))
			q.rdb.XAck(ctx, q.cfg.Stream, q.cfg.Group, m.ID)
			q.rdb.XDel(ctx, q.cfg.Stream, m.ID)
			continue
		}
		d.Attempts = attempts[m.ID]
		out = append(out, d)
	}
	return out, nil
}

func (q *Queue) pendingAttempts(ctx context.Context, msgs []redis.XMessage) (map[string]int, error) {
	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.cfg.Stream,
		Group:  q.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  int64(len(msgs)) + 64,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, eris.Wrap(err, "queue: xpending")
	}
	attempts := make(map[string]int, len(pending))
	for _, p := range pending {
		attempts[p.ID] = int(p.RetryCount)
	}
	return attempts, nil
}

func (q *Queue) readFresh(ctx context.Context, count int) ([]Delivery, error) {
	if count <= 0 {
		return nil, nil
	}
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    int64(count),
		Block:    q.cfg.Block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: xreadgroup")
	}

	var out []Delivery
	for _, s := range streams {
		for _, m := range s.Messages {
			d, err := decodeDelivery(m)
			if err != nil {
				zap.L().Error("queue: dropping undecodable message", zap.String("id", m.ID), zap.Error(err))
				q.rdb.XAck(ctx, q.cfg.Stream, q.cfg.Group, m.ID)
				q.rdb.XDel(ctx, q.cfg.Stream, m.ID)
				continue
			}
			d.Attempts = 1
			out = append(out, d)
		}
	}
	return out, nil
}

func decodeDelivery(m redis.XMessage) (Delivery, error) {
	raw, ok := m.Values["task"]
	if !ok {
		return Delivery{}, eris.Errorf("queue: message %s has no task field", m.ID)
	}
	str, ok := raw.(string)
	if !ok {
		return Delivery{}, eris.Errorf("queue: message %s task field is not a string", m.ID)
	}
	var task model.PredictionTask
	if err := json.Unmarshal([]byte(str), &task); err != nil {
		return Delivery{}, eris.Wrapf(err, "queue: decode task %s", m.ID)
	}
	return Delivery{ID: m.ID, Task: task}, nil
}

// Ack marks a delivery done and removes it from the stream, so InFlight
// reflects only unfinished work.
func (q *Queue) Ack(ctx context.Context, id string) error {
	if err := q.rdb.XAck(ctx, q.cfg.Stream, q.cfg.Group, id).Err(); err != nil {
		return eris.Wrapf(err, "queue: ack %s", id)
	}
	if err := q.rdb.XDel(ctx, q.cfg.Stream, id).Err(); err != nil {
		return eris.Wrapf(err, "queue: del %s", id)
	}
	return nil
}

// DeadLetterNow parks a delivery immediately, without waiting for the
// delivery ceiling. Used for non-transient failures.
func (q *Queue) DeadLetterNow(ctx context.Context, d Delivery, cause string) (DeadLetter, error) {
	return q.deadLetter(ctx, d, cause)
}

func (q *Queue) deadLetter(ctx context.Context, d Delivery, cause string) (DeadLetter, error) {
	dl := DeadLetter{
		Task:     d.Task,
		Error:    cause,
		Attempts: d.Attempts,
		ParkedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return DeadLetter{}, eris.Wrap(err, "queue: marshal dead letter")
	}
	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.DLQStream,
		Values: map[string]any{"entry": data},
	}).Result()
	if err != nil {
		return DeadLetter{}, eris.Wrap(err, "queue: park dead letter")
	}
	dl.ID = id

	if err := q.Ack(ctx, d.ID); err != nil {
		return DeadLetter{}, err
	}
	zap.L().Warn("task dead-lettered",
		zap.String("entity_id", d.Task.EntityID),
		zap.String("date", d.Task.Date.String()),
		zap.Int("attempts", d.Attempts),
		zap.String("cause", cause),
	)
	return dl, nil
}

// ListDeadLetters returns parked tasks, oldest first.
func (q *Queue) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	msgs, err := q.rdb.XRangeN(ctx, q.cfg.DLQStream, "-", "+", int64(limit)).Result()
	if err != nil {
		return nil, eris.Wrap(err, "queue: list dead letters")
	}
	out := make([]DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["entry"].(string)
		if !ok {
			continue
		}
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			continue
		}
		dl.ID = m.ID
		out = append(out, dl)
	}
	return out, nil
}

// RequeueDeadLetter moves one parked task back onto the work stream.
func (q *Queue) RequeueDeadLetter(ctx context.Context, id string) error {
	msgs, err := q.rdb.XRange(ctx, q.cfg.DLQStream, id, id).Result()
	if err != nil {
		return eris.Wrapf(err, "queue: read dead letter %s", id)
	}
	if len(msgs) == 0 {
		return eris.Errorf("queue: dead letter %s not found", id)
	}
	raw, ok := msgs[0].Values["entry"].(string)
	if !ok {
		return eris.Errorf("queue: dead letter %s is malformed", id)
	}
	var dl DeadLetter
	if err := json.Unmarshal([]byte(raw), &dl); err != nil {
		return eris.Wrapf(err, "queue: decode dead letter %s", id)
	}

	if _, err := q.Publish(ctx, dl.Task); err != nil {
		return err
	}
	if err := q.rdb.XDel(ctx, q.cfg.DLQStream, id).Err(); err != nil {
		return eris.Wrapf(err, "queue: remove dead letter %s", id)
	}
	return nil
}

// PurgeDeadLetters drops every parked task and returns how many.
func (q *Queue) PurgeDeadLetters(ctx context.Context) (int64, error) {
	n, err := q.rdb.XLen(ctx, q.cfg.DLQStream).Result()
	if err != nil {
		return 0, eris.Wrap(err, "queue: dlq len")
	}
	if err := q.rdb.Del(ctx, q.cfg.DLQStream).Err(); err != nil {
		return 0, eris.Wrap(err, "queue: purge dlq")
	}
	return n, nil
}

// InFlight returns the tasks currently on the stream: published but not
// yet acked. The coordinator uses it for dispatch idempotency.
func (q *Queue) InFlight(ctx context.Context) ([]model.PredictionTask, error) {
	msgs, err := q.rdb.XRange(ctx, q.cfg.Stream, "-", "+").Result()
	if err != nil {
		return nil, eris.Wrap(err, "queue: in flight")
	}
	out := make([]model.PredictionTask, 0, len(msgs))
	for _, m := range msgs {
		d, err := decodeDelivery(m)
		if err != nil {
			continue
		}
		out = append(out, d.Task)
	}
	return out, nil
}

// Depth returns the number of messages on the work stream.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.XLen(ctx, q.cfg.Stream).Result()
	if err != nil {
		return 0, eris.Wrap(err, "queue: depth")
	}
	return n, nil
}

// DLQDepth returns the number of parked messages.
func (q *Queue) DLQDepth(ctx context.Context) (int64, error) {
	n, err := q.rdb.XLen(ctx, q.cfg.DLQStream).Result()
	if err != nil {
		return 0, eris.Wrap(err, "queue: dlq depth")
	}
	return n, nil
}
