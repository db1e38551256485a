// Package breaker tracks consecutive computation failures per (entity,
// stage) pair and short-circuits persistently failing entities for a
// cooldown period. State lives in Redis so every worker instance observes
// the same breaker, and every mutation is an optimistic WATCH/MULTI
// transaction on the pair's key.
package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/statlinehq/props-engine/internal/model"
)

// Config controls when a breaker opens and for how long.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int
	// Cooldown is how long an open breaker rejects work before allowing
	// a half-open probe.
	Cooldown time.Duration
	// ProbeTTL is how long a half-open probe may hold its slot before the
	// breaker lets another caller probe. Bounds the damage when a probe
	// holder crashes or exits without reporting a verdict.
	ProbeTTL time.Duration
	// KeyPrefix namespaces breaker keys in Redis.
	KeyPrefix string
}

// casRetries bounds the optimistic-transaction retry loop under contention.
const casRetries = 5

// Store is the shared circuit-breaker state store.
type Store struct {
	rdb     *redis.Client
	cfg     Config
	nowFunc func() time.Time
}

// New creates a breaker Store over a Redis client.
func New(rdb *redis.Client, cfg Config) *Store {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 7 * 24 * time.Hour
	}
	if cfg.ProbeTTL <= 0 {
		cfg.ProbeTTL = 5 * time.Minute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "props"
	}
	return &Store{rdb: rdb, cfg: cfg, nowFunc: time.Now}
}

func (s *Store) key(entityID, stage string) string {
	return fmt.Sprintf("%s:cb:%s:%s", s.cfg.KeyPrefix, stage, entityID)
}

// State returns the current breaker state for a pair. A pair with no
// recorded failures returns a zero-valued closed state.
func (s *Store) State(ctx context.Context, entityID, stage string) (model.BreakerState, error) {
	st := model.BreakerState{EntityID: entityID, Stage: stage}
	data, err := s.rdb.Get(ctx, s.key(entityID, stage)).Bytes()
	if err == redis.Nil {
		return st, nil
	}
	if err != nil {
		return st, eris.Wrapf(err, "breaker: get %s/%s", stage, entityID)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, eris.Wrapf(err, "breaker: decode %s/%s", stage, entityID)
	}
	return st, nil
}

// Open reports whether work for the pair must be skipped. An open breaker
// past its cooldown admits exactly one caller as the half-open probe: the
// transaction that flips the probe marker wins, every concurrent caller
// keeps seeing the breaker as open until the probe resolves.
func (s *Store) Open(ctx context.Context, entityID, stage string) (bool, error) {
	key := s.key(entityID, stage)
	now := s.nowFunc().UTC()

	open := false
	mutate := func(st *model.BreakerState) bool {
		switch {
		case st.CooldownUntil == nil:
			open = false
			return false
		case st.OpenAt(now):
			open = true
			return false
		case st.ProbeLiveAt(now):
			// Another worker holds the half-open probe.
			open = true
			return false
		default:
			// Cooldown elapsed, or the previous probe never reported
			// back: this caller becomes the probe.
			st.Probing = true
			exp := now.Add(s.cfg.ProbeTTL)
			st.ProbeExpiresAt = &exp
			st.UpdatedAt = now
			open = false
			return true
		}
	}

	if err := s.transact(ctx, key, entityID, stage, mutate); err != nil {
		return false, err
	}
	return open, nil
}

// RecordFailure counts one computation failure and opens the breaker when
// the consecutive-failure threshold is reached. A failed half-open probe
// reopens immediately and extends the cooldown.
func (s *Store) RecordFailure(ctx context.Context, entityID, stage string) (model.BreakerState, error) {
	key := s.key(entityID, stage)
	now := s.nowFunc().UTC()

	var result model.BreakerState
	mutate := func(st *model.BreakerState) bool {
		st.ConsecutiveFailures++
		st.UpdatedAt = now
		failedProbe := st.Probing
		st.Probing = false
		st.ProbeExpiresAt = nil
		if failedProbe || st.ConsecutiveFailures >= s.cfg.FailureThreshold {
			opened := now
			until := now.Add(s.cfg.Cooldown)
			st.OpenedAt = &opened
			st.CooldownUntil = &until
		}
		result = *st
		return true
	}

	if err := s.transact(ctx, key, entityID, stage, mutate); err != nil {
		return model.BreakerState{}, err
	}
	if result.CooldownUntil != nil {
		zap.L().Warn("circuit breaker open",
			zap.String("entity_id", entityID),
			zap.String("stage", stage),
			zap.Int("consecutive_failures", result.ConsecutiveFailures),
			zap.Timep("cooldown_until", result.CooldownUntil),
		)
	}
	return result, nil
}

// ReleaseProbe hands back a half-open probe admission without a verdict.
// Callers admitted by Open that then skip the computation (upstream not
// ready, duplicate snapshot, data-quality block) release the slot so the
// next caller can probe immediately instead of waiting out the probe
// deadline. Releasing a pair that holds no probe is a no-op.
func (s *Store) ReleaseProbe(ctx context.Context, entityID, stage string) error {
	key := s.key(entityID, stage)
	now := s.nowFunc().UTC()

	mutate := func(st *model.BreakerState) bool {
		if !st.Probing {
			return false
		}
		st.Probing = false
		st.ProbeExpiresAt = nil
		st.UpdatedAt = now
		return true
	}
	return s.transact(ctx, key, entityID, stage, mutate)
}

// RecordSuccess resets the pair to closed. A successful half-open probe
// lands here too, clearing the cooldown entirely.
func (s *Store) RecordSuccess(ctx context.Context, entityID, stage string) error {
	if err := s.rdb.Del(ctx, s.key(entityID, stage)).Err(); err != nil {
		return eris.Wrapf(err, "breaker: reset %s/%s", stage, entityID)
	}
	return nil
}

// Reset is the operator override: identical to RecordSuccess but named for
// intent at the CLI surface.
func (s *Store) Reset(ctx context.Context, entityID, stage string) error {
	return s.RecordSuccess(ctx, entityID, stage)
}

// Snapshot returns every breaker state currently recorded, for the health
// surface and the monitoring collector.
func (s *Store) Snapshot(ctx context.Context) ([]model.BreakerState, error) {
	pattern := fmt.Sprintf("%s:cb:*", s.cfg.KeyPrefix)
	var states []model.BreakerState

	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, eris.Wrap(err, "breaker: snapshot get")
		}
		var st model.BreakerState
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, eris.Wrap(err, "breaker: snapshot decode")
		}
		states = append(states, st)
	}
	if err := iter.Err(); err != nil {
		return nil, eris.Wrap(err, "breaker: snapshot scan")
	}
	return states, nil
}

// OpenCount returns how many breakers are currently open.
func (s *Store) OpenCount(ctx context.Context) (int, error) {
	states, err := s.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	now := s.nowFunc().UTC()
	count := 0
	for _, st := range states {
		if st.OpenAt(now) {
			count++
		}
	}
	return count, nil
}

// transact runs mutate inside a WATCH/MULTI loop. mutate returns whether
// the state must be written back; returning false commits nothing.
func (s *Store) transact(ctx context.Context, key, entityID, stage string, mutate func(*model.BreakerState) bool) error {
	txf := func(tx *redis.Tx) error {
		st := model.BreakerState{EntityID: entityID, Stage: stage}
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil {
			if err := json.Unmarshal(data, &st); err != nil {
				return err
			}
		}

		if !mutate(&st) {
			return nil
		}

		encoded, err := json.Marshal(st)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < casRetries; i++ {
		err = s.rdb.Watch(ctx, txf, key)
		if err != redis.TxFailedErr {
			break
		}
	}
	if err != nil {
		return eris.Wrapf(err, "breaker: transact %s/%s", stage, entityID)
	}
	return nil
}
