package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"engagement-pricer/internal/config"
)

func TestUnconfiguredStoreReturnsErrNotConfigured(t *testing.T) {
	ctx := context.Background()
	var s *Store

	if err := s.UpsertPriceBar(ctx, PriceBar{AssetID: "a1"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("期望 ErrNotConfigured, 实际 %v", err)
	}
	if _, err := s.ListRecentBars(ctx, "", 10); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("期望 ErrNotConfigured, 实际 %v", err)
	}
	if _, err := s.CommitMetrics(ctx, MetricCommit{AssetID: "a1"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("期望 ErrNotConfigured, 实际 %v", err)
	}
	if _, err := s.ContributionRefs(ctx, "a1"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("期望 ErrNotConfigured, 实际 %v", err)
	}
	if _, _, err := NewStore(nil).TryAdvisoryLock(ctx, 1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("期望 ErrNotConfigured, 实际 %v", err)
	}
	if _, err := NewStore(nil).Migrate(ctx); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("期望 ErrNotConfigured, 实际 %v", err)
	}
	s.Close()
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := Migrations()
	if err != nil {
		t.Fatalf("读取迁移失败: %v", err)
	}
	if len(names) == 0 || names[0] != "0001_init.sql" {
		t.Fatalf("迁移列表不正确: %v", names)
	}

	data, err := migrationsFS.ReadFile("migrations/" + names[0])
	if err != nil {
		t.Fatalf("读取迁移内容失败: %v", err)
	}
	for _, table := range []string{"price_bars", "aggregate_snapshots", "metric_commits", "contribution_refs"} {
		if !strings.Contains(string(data), "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("迁移缺少表 %s", table)
		}
	}
}

func TestNewPoolValidatesDSN(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := NewPool(ctx, config.DatabaseConfig{}); err == nil {
		t.Fatal("空 DSN 应返回错误")
	}
	if _, err := NewPool(ctx, config.DatabaseConfig{DSN: "://bad"}); err == nil {
		t.Fatal("非法 DSN 应返回错误")
	}
}
