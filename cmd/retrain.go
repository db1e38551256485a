package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/statlinehq/props-engine/internal/model"
	"github.com/statlinehq/props-engine/internal/monitoring"
	"github.com/statlinehq/props-engine/internal/retrain"
)

var retrainFamilies []string

var retrainCmd = &cobra.Command{
	Use:   "retrain",
	Short: "Evaluate retraining triggers for model families",
	Long:  "Compares each family's production accuracy and live feature distributions against the champion's validation baseline, records the decision, and posts an alert when retraining is recommended.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "retrain")
		if err != nil {
			return err
		}
		defer env.Close()

		monitor := retrain.NewMonitor(retrain.Config{
			MAEDegradationPct: cfg.Retrain.MAEDegradationPct,
			HitRateDropPct:    cfg.Retrain.HitRateDropPct,
			DriftStddevs:      cfg.Retrain.DriftStddevs,
			WindowDays:        cfg.Retrain.WindowDays,
			MinSamples:        cfg.Retrain.MinSamples,
		}, env.Store, env.Store, env.Store)

		alerter := monitoring.NewAlerter(cfg.Monitoring)

		run, err := env.Store.CreateRun(ctx, "retrain", model.Today())
		if err != nil {
			return err
		}

		counts := map[string]int{"evaluated": 0, "triggered": 0}
		var firstErr error
		for _, family := range retrainFamilies {
			decision, err := monitor.Evaluate(ctx, family)
			if err != nil {
				zap.L().Error("retrain: evaluate family", zap.String("family", family), zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			counts["evaluated"]++
			if decision.Retrain {
				counts["triggered"]++
				alerter.SendAlerts(ctx, []monitoring.Alert{
					monitoring.RetrainAlert(family, decision.Reasons, decision.EvaluatedAt),
				})
			}
		}

		status := model.RunStatusComplete
		errMsg := ""
		if firstErr != nil {
			status = model.RunStatusFailed
			errMsg = firstErr.Error()
		}
		if finErr := env.Store.FinishRun(ctx, run.ID, status, counts, errMsg); finErr != nil {
			zap.L().Error("retrain: finish run", zap.String("run_id", run.ID), zap.Error(finErr))
		}
		return firstErr
	},
}

func init() {
	retrainCmd.Flags().StringSliceVar(&retrainFamilies, "family", []string{"points"}, "model families to evaluate")
	rootCmd.AddCommand(retrainCmd)
}
