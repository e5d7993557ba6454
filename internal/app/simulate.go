package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"engagement-pricer/internal/alerting"
)

// SimulateAlert 模拟一次资产定价失败并通过已配置的通道发送告警。
func (a *App) SimulateAlert(ctx context.Context, assetID, cause string) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	assetID = strings.TrimSpace(assetID)
	if assetID == "" {
		return errors.New("asset id 不能为空")
	}
	if strings.TrimSpace(cause) == "" {
		cause = "simulated derivation failure"
	}

	note := alerting.Notification{
		TickID:    "simulated-" + uuid.NewString(),
		At:        time.Now().UTC(),
		Assets:    1,
		Succeeded: 0,
		Failed: []alerting.FailedAsset{{
			AssetID: assetID,
			Price:   a.Config.Pricing.FloorPrice,
			Error:   cause,
		}},
		Channels:      a.Config.Alerting.Channels,
		AdditionalMsg: "this alert was triggered manually",
	}

	a.Logger.Info().Str("asset_id", assetID).Str("tick_id", note.TickID).Msg("dispatching simulated alert")
	return notifier.Notify(ctx, note)
}
