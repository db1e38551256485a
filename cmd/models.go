package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/statlinehq/props-engine/internal/model"
)

var (
	modelsFamily string
	modelsFile   string
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage model versions and champion promotion",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a family's model versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "retrain")
		if err != nil {
			return err
		}
		defer env.Close()

		versions, err := env.Store.ListModelVersions(ctx, modelsFamily)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(versions)
	},
}

var modelsImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Register a trained model version from a JSON file",
	Long:  "Reads one model version (weights, intercept, validation metrics, training window) produced by an offline training run and records it as a challenger. Promotion is a separate, explicit step.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "retrain")
		if err != nil {
			return err
		}
		defer env.Close()

		var version model.ModelVersion
		if err := readJSONFile(modelsFile, &version); err != nil {
			return err
		}
		version.IsChampion = false
		version.IsChallenger = true

		if err := env.Store.CreateModelVersion(ctx, version); err != nil {
			return err
		}
		zap.L().Info("models: version registered",
			zap.String("family", version.Family),
			zap.String("model_id", version.ModelID),
			zap.Float64("validation_mae", version.Validation.MAE),
		)
		return nil
	},
}

var modelsPromoteCmd = &cobra.Command{
	Use:   "promote <family> <model-id>",
	Short: "Promote a version to family champion",
	Long:  "Demotes the current champion and promotes the named version in one transaction, so the family never has zero or two champions.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "retrain")
		if err != nil {
			return err
		}
		defer env.Close()

		family, modelID := args[0], args[1]
		if err := env.Store.PromoteChampion(ctx, family, modelID); err != nil {
			return err
		}
		zap.L().Info("models: champion promoted",
			zap.String("family", family),
			zap.String("model_id", modelID),
		)
		return nil
	},
}

func init() {
	modelsCmd.PersistentFlags().StringVar(&modelsFamily, "family", "points", "model family")
	modelsImportCmd.Flags().StringVar(&modelsFile, "file", "", "model version JSON file")
	modelsCmd.AddCommand(modelsListCmd, modelsImportCmd, modelsPromoteCmd)
	rootCmd.AddCommand(modelsCmd)
}
