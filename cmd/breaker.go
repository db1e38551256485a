package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/statlinehq/props-engine/internal/model"
)

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect and reset entity circuit breakers",
}

var breakerShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List tripped breakers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "stage")
		if err != nil {
			return err
		}
		defer env.Close()

		states, err := env.Breakers.Snapshot(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(states)
	},
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset <stage> <entity-id>",
	Short: "Clear a breaker so the entity is retried immediately",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "stage")
		if err != nil {
			return err
		}
		defer env.Close()

		stage := args[0]
		entityID := model.NormalizeEntityID(args[1])
		if err := env.Breakers.Reset(ctx, entityID, stage); err != nil {
			return err
		}
		zap.L().Info("breaker: reset",
			zap.String("stage", stage),
			zap.String("entity_id", entityID),
		)
		return nil
	},
}

func init() {
	breakerCmd.AddCommand(breakerShowCmd, breakerResetCmd)
	rootCmd.AddCommand(breakerCmd)
}
