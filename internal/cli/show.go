package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"engagement-pricer/internal/app"
)

var (
	showLimit   int
	showAsset   string
	showLatest  bool
	pendingSize int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent price bars",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			AssetID: showAsset,
			Limit:   showLimit,
			Latest:  showLatest,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List metric commits awaiting submission",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pendingSize <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Pending(cmd.Context(), pendingSize)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of bars to display")
	showCmd.Flags().StringVar(&showAsset, "asset", "", "Only show bars for this asset")
	showCmd.Flags().BoolVar(&showLatest, "latest", false, "Show the newest bar of every asset")
	pendingCmd.Flags().IntVar(&pendingSize, "limit", 50, "Number of commits to display")
}
