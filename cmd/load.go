package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/statlinehq/props-engine/internal/model"
)

var loadFile string

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load slate, observation, or line data from JSON files",
}

var loadSlateCmd = &cobra.Command{
	Use:   "slate",
	Short: "Replace a date's slate from a JSON file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "stage")
		if err != nil {
			return err
		}
		defer env.Close()

		var entries []model.SlateEntry
		if err := readJSONFile(loadFile, &entries); err != nil {
			return err
		}
		if len(entries) == 0 {
			return eris.New("slate file contains no entries")
		}

		// All entries must share one date; the first entry's date wins and
		// mismatches are rejected rather than silently split.
		date := entries[0].Date
		for _, e := range entries {
			if e.Date != date {
				return eris.Errorf("slate entries span multiple dates (%s and %s)", date, e.Date)
			}
		}

		if err := env.Store.ReplaceSlate(ctx, date, entries); err != nil {
			return err
		}
		zap.L().Info("load: slate replaced",
			zap.String("date", date.String()),
			zap.Int("entries", len(entries)),
		)
		return nil
	},
}

var loadObservationsCmd = &cobra.Command{
	Use:   "observations",
	Short: "Ingest raw observations from a JSON file",
	Long:  "Inserts observation records idempotently; re-loading the same file is a no-op.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "stage")
		if err != nil {
			return err
		}
		defer env.Close()

		var obs []model.Observation
		if err := readJSONFile(loadFile, &obs); err != nil {
			return err
		}
		for i := range obs {
			obs[i].EntityID = model.NormalizeEntityID(obs[i].EntityID)
		}

		inserted, err := env.Store.InsertObservations(ctx, obs)
		if err != nil {
			return err
		}
		zap.L().Info("load: observations ingested",
			zap.Int("total", len(obs)),
			zap.Int("inserted", inserted),
			zap.Int("duplicates", len(obs)-inserted),
		)
		return nil
	},
}

var loadLinesCmd = &cobra.Command{
	Use:   "lines",
	Short: "Upsert target lines from a JSON file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "stage")
		if err != nil {
			return err
		}
		defer env.Close()

		var lines []model.TargetLine
		if err := readJSONFile(loadFile, &lines); err != nil {
			return err
		}
		for _, line := range lines {
			line.EntityID = model.NormalizeEntityID(line.EntityID)
			if err := env.Store.UpsertTargetLine(ctx, line); err != nil {
				return err
			}
		}
		zap.L().Info("load: target lines upserted", zap.Int("lines", len(lines)))
		return nil
	},
}

func readJSONFile(path string, v any) error {
	if path == "" {
		return eris.New("--file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "read %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return eris.Wrapf(err, "parse %s", path)
	}
	return nil
}

func init() {
	loadCmd.PersistentFlags().StringVar(&loadFile, "file", "", "input JSON file")
	loadCmd.AddCommand(loadSlateCmd, loadObservationsCmd, loadLinesCmd)
	rootCmd.AddCommand(loadCmd)
}
