package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/statlinehq/props-engine/internal/breaker"
	"github.com/statlinehq/props-engine/internal/cascade"
	"github.com/statlinehq/props-engine/internal/completeness"
	"github.com/statlinehq/props-engine/internal/events"
	"github.com/statlinehq/props-engine/internal/idempotency"
	"github.com/statlinehq/props-engine/internal/queue"
	"github.com/statlinehq/props-engine/internal/store"
)

// pipelineEnv bundles the shared dependencies the commands wire their
// components from. Everything here is cheap to construct; connections are
// verified once at init so a bad config fails fast instead of mid-run.
type pipelineEnv struct {
	Store    store.Store
	Redis    *redis.Client
	Graph    *cascade.Graph
	Checker  *completeness.Checker
	Gate     *idempotency.Gate
	Breakers *breaker.Store
	Queue    *queue.Queue
	Bus      *events.Bus
}

// initPipeline builds the environment for a run mode, validating the
// config slice that mode needs.
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := newStore(ctx)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "connect redis")
	}

	graph, err := cascade.LoadGraph(cfg.Pipeline.StagesFile)
	if err != nil {
		rdb.Close()
		st.Close()
		return nil, err
	}

	hasher := idempotency.NewHasher(graph.HashAllowList())

	env := &pipelineEnv{
		Store:   st,
		Redis:   rdb,
		Graph:   graph,
		Checker: completeness.NewChecker(graph),
		Gate:    idempotency.NewGate(hasher, st),
		Breakers: breaker.New(rdb, breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Cooldown:         cfg.Breaker.Cooldown(),
			ProbeTTL:         cfg.Breaker.ProbeTTL(),
			KeyPrefix:        cfg.Breaker.KeyPrefix,
		}),
		Queue: queue.New(rdb, queue.Config{
			Stream:        cfg.Queue.Stream,
			Group:         cfg.Queue.Group,
			Consumer:      consumerName(),
			DLQStream:     cfg.Queue.DLQStream,
			MaxDeliveries: cfg.Queue.MaxDeliveries,
			ClaimMinIdle:  time.Duration(cfg.Queue.ClaimMinIdleSecs) * time.Second,
			Block:         time.Duration(cfg.Queue.BlockSecs) * time.Second,
		}),
		Bus: events.NewBus(rdb, ""),
	}
	return env, nil
}

func newStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Pipeline.SnapshotStage, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL, cfg.Pipeline.SnapshotStage)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// consumerName identifies this process in the queue consumer group so
// pending-entry ownership survives restarts on the same host.
func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func (e *pipelineEnv) Close() {
	if e.Redis != nil {
		e.Redis.Close()
	}
	if e.Store != nil {
		e.Store.Close()
	}
}
