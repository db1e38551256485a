package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/statlinehq/props-engine/internal/predict"
	"github.com/statlinehq/props-engine/internal/worker"
)

var workerBatchSize int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the prediction worker loop",
	Long:  "Consumes prediction tasks from the queue, runs the ensemble against the feature snapshot, and persists results. Runs until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Queue.EnsureGroup(ctx); err != nil {
			return err
		}

		handler := worker.NewHandler(worker.HandlerConfig{
			PredictionStage: cfg.Pipeline.PredictionStage,
			PassMargin:      cfg.Ensemble.PassMargin,
		}, newEnsemble(env), env.Store, env.Store, env.Store, env.Breakers, env.Bus)

		runner := worker.NewRunner(worker.RunnerConfig{
			BatchSize:   workerBatchSize,
			TaskTimeout: time.Duration(cfg.Queue.TaskTimeoutSecs) * time.Second,
		}, env.Queue, handler, env.Store)

		zap.L().Info("worker: starting",
			zap.String("stream", cfg.Queue.Stream),
			zap.String("group", cfg.Queue.Group),
		)
		return runner.Run(ctx)
	},
}

// newEnsemble wires the full system registry. The learned system loads the
// champion for its configured family lazily, per task.
func newEnsemble(env *pipelineEnv) *predict.Ensemble {
	registry := predict.NewRegistry()
	registry.Register(predict.NewBaseline())
	registry.Register(predict.NewSimilarity())
	registry.Register(predict.NewZoneMatchup())
	registry.Register(predict.NewLearned(cfg.Ensemble.LearnedFamily, env.Store))
	return predict.NewEnsemble(registry, cfg.Ensemble.FallbackConfidence)
}

func init() {
	workerCmd.Flags().IntVar(&workerBatchSize, "batch", 10, "fetch batch size per loop iteration")
	rootCmd.AddCommand(workerCmd)
}
