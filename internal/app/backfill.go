package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"engagement-pricer/internal/contribution"
	"engagement-pricer/internal/ledger"
	"engagement-pricer/internal/storage"
)

// Backfill 将账本上公布的贡献引用逐条校验后写入 contribution_refs，
// 使重启后的进程无需再次向账本查询即可恢复索引。
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	led := a.newLedger()

	assets := opts.Assets
	if len(assets) == 0 {
		tracked, err := led.TrackedAssets(ctx)
		if err != nil {
			return fmt.Errorf("fetch tracked assets: %w", err)
		}
		assets = tracked
	}
	if len(assets) == 0 {
		return errors.New("没有可回填的资产")
	}

	var refs storage.RefStore
	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入数据库")
	} else {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn 未配置，无法回填")
		}
		defer closeStore()
		refs = store
	}

	chain, err := a.newBlobChain(ctx)
	if err != nil {
		return err
	}
	loader := contribution.NewBlobLoader(chain)

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	var registered, skipped, failed atomic.Int64
	for _, assetID := range assets {
		published, err := ledger.ContributionRefs(ctx, led, assetID)
		if errors.Is(err, ledger.ErrUnsupported) {
			return errors.New("账本未公布贡献引用，请配置 ledger.rpc_url")
		}
		if err != nil {
			failed.Add(1)
			a.Logger.Error().Err(err).Str("asset_id", assetID).Msg("获取贡献引用失败")
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for _, ref := range published {
			g.Go(func() error {
				c, err := loader.Load(gctx, ref)
				if err != nil {
					failed.Add(1)
					a.Logger.Warn().Err(err).Str("asset_id", assetID).Str("ref", ref).Msg("贡献不可读取，跳过")
					return nil
				}
				if c.AssetID != assetID {
					failed.Add(1)
					a.Logger.Warn().Str("asset_id", assetID).Str("ref", ref).Str("stored_asset", c.AssetID).Msg("贡献资产不匹配，跳过")
					return nil
				}
				if refs == nil {
					registered.Add(1)
					return nil
				}
				added, err := refs.InsertContributionRef(gctx, assetID, ref)
				if err != nil {
					return fmt.Errorf("persist %s/%s: %w", assetID, ref, err)
				}
				if added {
					registered.Add(1)
				} else {
					skipped.Add(1)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	a.Logger.Info().
		Int("assets", len(assets)).
		Int64("registered", registered.Load()).
		Int64("already_present", skipped.Load()).
		Int64("failed", failed.Load()).
		Bool("dry_run", opts.DryRun).
		Msg("回填完成")
	if failed.Load() > 0 {
		return errors.New("部分贡献回填失败，请检查日志")
	}
	return nil
}
