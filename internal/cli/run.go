package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pricing service and serve the live price stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one pricing pass and print the result without persisting it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Tick(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}
