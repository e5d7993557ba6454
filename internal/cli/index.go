package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var indexAsset string

var indexCmd = &cobra.Command{
	Use:   "index REF [REF...]",
	Short: "Register stored contributions for an asset",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(indexAsset) == "" {
			return fmt.Errorf("--asset must be provided")
		}
		return getApp().Index(cmd.Context(), indexAsset, args)
	},
}

func init() {
	indexCmd.Flags().StringVar(&indexAsset, "asset", "", "Asset the contributions belong to")
}
