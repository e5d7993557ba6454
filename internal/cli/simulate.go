package cli

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"
)

var (
	simulateAsset string
	simulateCause string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次资产定价失败并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(simulateAsset) == "" {
			return errors.New("--asset 不能为空")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateAsset, simulateCause)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateAsset, "asset", "", "被钉在地板价的资产")
	simulateCmd.Flags().StringVar(&simulateCause, "error", "", "失败原因")
}
