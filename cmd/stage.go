package main

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/statlinehq/props-engine/internal/cascade"
	"github.com/statlinehq/props-engine/internal/model"
	"github.com/statlinehq/props-engine/internal/stage"
)

var (
	stageDate     string
	stageName     string
	stageEntities []string
)

var stageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Run stage computes for a date",
	Long:  "Processes one stage, or every stage in dependency order, for the date's slate. Entities whose upstreams are incomplete are blocked, not failed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "stage")
		if err != nil {
			return err
		}
		defer env.Close()

		date, err := resolveDate(stageDate)
		if err != nil {
			return err
		}

		specs := env.Graph.Stages()
		if stageName != "" {
			spec, ok := env.Graph.Stage(stageName)
			if !ok {
				return eris.Errorf("unknown stage %q", stageName)
			}
			specs = []cascade.StageSpec{spec}
		}

		entityIDs := stageEntities
		if len(entityIDs) == 0 {
			entries, err := env.Store.ListSlate(ctx, date)
			if err != nil {
				return err
			}
			for _, e := range entries {
				entityIDs = append(entityIDs, e.Entity.ID)
			}
		}
		if len(entityIDs) == 0 {
			zap.L().Warn("stage: empty slate, nothing to process", zap.String("date", date.String()))
			return nil
		}

		sources := stage.ComputeSources{
			Observations: env.Store,
			Slate:        env.Store,
			Outputs:      env.Store,
		}

		for _, spec := range specs {
			if err := runStage(ctx, env, spec, sources, date, entityIDs); err != nil {
				return err
			}
		}
		return nil
	},
}

func runStage(ctx context.Context, env *pipelineEnv, spec cascade.StageSpec, sources stage.ComputeSources, date model.Date, entityIDs []string) error {
	compute, err := stage.BuildCompute(spec, sources)
	if err != nil {
		return err
	}

	proc := stage.New(spec.Name, env.Graph, env.Checker, env.Gate, env.Breakers, env.Store, env.Store, env.Bus, compute, cfg.Pipeline.Concurrency)

	run, err := env.Store.CreateRun(ctx, "stage:"+spec.Name, date)
	if err != nil {
		return err
	}

	summary, err := proc.ProcessDate(ctx, date, entityIDs)
	counts := make(map[string]int, len(summary.Counts))
	for state, n := range summary.Counts {
		counts[strings.ToLower(string(state))] = n
	}

	status := model.RunStatusComplete
	errMsg := ""
	if err != nil {
		status = model.RunStatusFailed
		errMsg = err.Error()
	}
	if finErr := env.Store.FinishRun(ctx, run.ID, status, counts, errMsg); finErr != nil {
		zap.L().Error("stage: finish run", zap.String("run_id", run.ID), zap.Error(finErr))
	}
	return err
}

func resolveDate(raw string) (model.Date, error) {
	if raw == "" {
		return model.Today(), nil
	}
	return model.ParseDate(raw)
}

func init() {
	stageCmd.Flags().StringVar(&stageDate, "date", "", "slate date YYYY-MM-DD (default today)")
	stageCmd.Flags().StringVar(&stageName, "stage", "", "single stage to run (default all, in dependency order)")
	stageCmd.Flags().StringSliceVar(&stageEntities, "entity", nil, "restrict to specific entity IDs")
	rootCmd.AddCommand(stageCmd)
}
