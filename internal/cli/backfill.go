package cli

import (
	"github.com/spf13/cobra"

	"engagement-pricer/internal/app"
)

var (
	backfillAssets  []string
	backfillDryRun  bool
	backfillWorkers int
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Register every contribution the ledger has published",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.BackfillOptions{
			Assets:  backfillAssets,
			DryRun:  backfillDryRun,
			Workers: backfillWorkers,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringSliceVar(&backfillAssets, "asset", nil, "Assets to backfill (defaults to every tracked asset)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Validate refs without writing to storage")
	backfillCmd.Flags().IntVar(&backfillWorkers, "workers", 4, "Number of concurrent blob fetches")
}
