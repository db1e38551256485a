package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/statlinehq/props-engine/internal/coordinator"
	"github.com/statlinehq/props-engine/internal/model"
	"github.com/statlinehq/props-engine/internal/schedule"
)

var (
	dispatchDate     string
	dispatchForce    bool
	dispatchEntities []string
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Queue prediction tasks for a date's slate",
	Long:  "Enumerates the slate and publishes one prediction task per entity whose feature snapshot is ready. --force re-dispatches past the idempotency check but never past readiness or an open breaker.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "dispatch")
		if err != nil {
			return err
		}
		defer env.Close()

		date, err := resolveDate(dispatchDate)
		if err != nil {
			return err
		}

		if err := env.Queue.EnsureGroup(ctx); err != nil {
			return err
		}

		coord := coordinator.New(coordinator.Config{
			SnapshotStage:   cfg.Pipeline.SnapshotStage,
			PredictionStage: cfg.Pipeline.PredictionStage,
			RatePerSec:      cfg.Dispatch.RatePerSec,
			Burst:           cfg.Dispatch.Burst,
		}, schedule.NewStoreProvider(env.Store), env.Store, env.Store, env.Store, env.Breakers, env.Queue)

		run, err := env.Store.CreateRun(ctx, "dispatch", date)
		if err != nil {
			return err
		}

		summary, err := coord.Dispatch(ctx, date, coordinator.Filter{
			EntityIDs: dispatchEntities,
			Force:     dispatchForce,
		})

		counts := map[string]int{
			"queued":             summary.EntitiesQueued,
			"skipped_idempotent": summary.SkippedIdempotent,
			"blocked":            summary.Blocked,
			"circuit_open":       summary.CircuitOpen,
		}
		status := model.RunStatusComplete
		errMsg := ""
		if err != nil {
			status = model.RunStatusFailed
			errMsg = err.Error()
		}
		if finErr := env.Store.FinishRun(ctx, run.ID, status, counts, errMsg); finErr != nil {
			zap.L().Error("dispatch: finish run", zap.String("run_id", run.ID), zap.Error(finErr))
		}
		return err
	},
}

func init() {
	dispatchCmd.Flags().StringVar(&dispatchDate, "date", "", "slate date YYYY-MM-DD (default today)")
	dispatchCmd.Flags().BoolVar(&dispatchForce, "force", false, "re-dispatch even when the snapshot hash already has a result")
	dispatchCmd.Flags().StringSliceVar(&dispatchEntities, "entity", nil, "restrict dispatch to specific entity IDs")
	rootCmd.AddCommand(dispatchCmd)
}
