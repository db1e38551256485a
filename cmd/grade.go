package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/statlinehq/props-engine/internal/model"
)

var (
	gradeDate string
	gradeFile string
)

var gradeCmd = &cobra.Command{
	Use:   "grade",
	Short: "Grade a date's predictions against actual results",
	Long:  "Reads a JSON object of entity ID to actual value and stamps every matching prediction row for the date. Already-graded rows are re-graded; superseded rows were reset at upsert time.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "stage")
		if err != nil {
			return err
		}
		defer env.Close()

		date, err := resolveDate(gradeDate)
		if err != nil {
			return err
		}

		var raw map[string]float64
		if err := readJSONFile(gradeFile, &raw); err != nil {
			return err
		}
		actuals := make(map[string]float64, len(raw))
		for id, v := range raw {
			actuals[model.NormalizeEntityID(id)] = v
		}

		graded, err := env.Store.GradePredictions(ctx, date, actuals)
		if err != nil {
			return err
		}
		zap.L().Info("grade: predictions graded",
			zap.String("date", date.String()),
			zap.Int("actuals", len(actuals)),
			zap.Int("graded", graded),
		)
		return nil
	},
}

func init() {
	gradeCmd.Flags().StringVar(&gradeDate, "date", "", "slate date YYYY-MM-DD (default today)")
	gradeCmd.Flags().StringVar(&gradeFile, "file", "", "JSON file of entity ID to actual value")
	rootCmd.AddCommand(gradeCmd)
}
