package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/statlinehq/props-engine/internal/monitoring"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a pipeline health snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "stage")
		if err != nil {
			return err
		}
		defer env.Close()

		stages := make([]string, 0, len(env.Graph.Stages()))
		for _, spec := range env.Graph.Stages() {
			stages = append(stages, spec.Name)
		}

		collector := monitoring.NewCollector(env.Store, env.Queue, env.Breakers, stages)
		snap, err := collector.Collect(ctx, cfg.Monitoring.LookbackWindowHours)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
