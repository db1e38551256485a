package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/statlinehq/props-engine/internal/resilience"
)

var (
	dlqLimit      int
	dlqErrorClass string
	dlqDate       string
	dlqArchived   bool
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and manage dead-lettered prediction tasks",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered tasks",
	Long:  "Lists the queue's dead-letter stream by default. --archived lists the durable store archive instead, with error-class and date filters.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if dlqArchived {
			entries, err := env.Store.ListDeadLetters(ctx, resilience.DLQFilter{
				ErrorClass: dlqErrorClass,
				Date:       dlqDate,
				Limit:      dlqLimit,
			})
			if err != nil {
				return err
			}
			return enc.Encode(entries)
		}

		letters, err := env.Queue.ListDeadLetters(ctx, dlqLimit)
		if err != nil {
			return err
		}
		return enc.Encode(letters)
	},
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Requeue a dead-lettered task as fresh work",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Queue.RequeueDeadLetter(ctx, args[0]); err != nil {
			return err
		}
		zap.L().Info("dlq: requeued", zap.String("id", args[0]))
		return nil
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every entry in the dead-letter stream",
	Long:  "Purges the queue's dead-letter stream only; the durable store archive is kept for post-mortems.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		purged, err := env.Queue.PurgeDeadLetters(ctx)
		if err != nil {
			return err
		}
		zap.L().Info("dlq: purged", zap.Int64("entries", purged))
		return nil
	},
}

func init() {
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 100, "maximum entries to list")
	dlqListCmd.Flags().BoolVar(&dlqArchived, "archived", false, "list the durable archive instead of the live stream")
	dlqListCmd.Flags().StringVar(&dlqErrorClass, "error-class", "", "archive filter: error class")
	dlqListCmd.Flags().StringVar(&dlqDate, "date", "", "archive filter: task date YYYY-MM-DD")
	dlqCmd.AddCommand(dlqListCmd, dlqRequeueCmd, dlqPurgeCmd)
	rootCmd.AddCommand(dlqCmd)
}
