package pricing

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"engagement-pricer/internal/aggregate"
	"engagement-pricer/internal/contribution"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FloorPrice = 1000
	cfg.EngagementMultiplier = 0.1
	cfg.ExternalBoostCap = 0.1
	cfg.DropThreshold = 0.5
	cfg.StagnationWindow = 24 * time.Hour
	cfg.DecayPerHour = 0.01
	cfg.MaxDecay = 0.5
	cfg.BarPeriod = time.Hour
	return cfg
}

func newTestEngine(cfg Config) (*Engine, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewEngine(cfg, zerolog.Nop(), WithClock(clock.now)), clock
}

func stakes(n int64) aggregate.Metrics {
	return aggregate.Metrics{Counts: map[contribution.EngagementType]int64{contribution.TypeStake: n}, Total: n}
}

func TestFirstTickForNewAssetIsFloor(t *testing.T) {
	e, _ := newTestEngine(testConfig())
	e.Observe("a1")

	d, err := e.Derive("a1", aggregate.Metrics{}, aggregate.External{})
	if err != nil {
		t.Fatalf("推导失败: %v", err)
	}
	st := e.Record("a1", d, 0)
	if st.Price != 1000 {
		t.Fatalf("首个价格应为地板价, 实际 %d", st.Price)
	}
	b := st.Bar
	if b.Open != 1000 || b.High != 1000 || b.Low != 1000 || b.Close != 1000 {
		t.Fatalf("OHLC 四个字段都应为地板价: %+v", b)
	}
}

func TestDrawdownClamp(t *testing.T) {
	e, clock := newTestEngine(testConfig())
	e.Seed("a1", Bar{Timestamp: clock.now(), Open: 1000, High: 1000, Low: 300, Close: 300}, 300)

	d, err := e.Derive("a1", aggregate.Metrics{}, aggregate.External{})
	if err != nil {
		t.Fatalf("推导失败: %v", err)
	}
	if d.Price != 500 || !d.Clamped {
		t.Fatalf("价格应被钳制到 500, 实际 %d clamped=%v", d.Price, d.Clamped)
	}
}

func TestEngagementMovesOnlyOnNewScore(t *testing.T) {
	e, _ := newTestEngine(testConfig())
	e.Observe("a1")

	d, _ := e.Derive("a1", stakes(10), aggregate.External{})
	if d.Score != 50 || d.Price != 1050 {
		t.Fatalf("10 个质押应得到 1050, 实际 score=%d price=%d", d.Score, d.Price)
	}
	e.Record("a1", d, 10)

	d, _ = e.Derive("a1", stakes(10), aggregate.External{})
	if d.Delta != 0 || d.Price != 1050 {
		t.Fatalf("无新增互动时价格应不变, 实际 delta=%d price=%d", d.Delta, d.Price)
	}
}

func TestExternalBoostIsBounded(t *testing.T) {
	cfg := testConfig()
	d, err := DerivePrice(cfg, Inputs{External: aggregate.External{Popularity: 5000, Sources: 1}})
	if err != nil || d.Price != 1050 || !d.Boosted {
		t.Fatalf("热度 5000 应加成 5%%, 实际 %d err=%v", d.Price, err)
	}

	d, _ = DerivePrice(cfg, Inputs{External: aggregate.External{Popularity: 250_000, Sources: 1}})
	if d.Price != 1100 {
		t.Fatalf("加成上限为 10%%, 实际 %d", d.Price)
	}

	d, _ = DerivePrice(cfg, Inputs{External: aggregate.External{Popularity: 5000}})
	if d.Price != 1000 || d.Boosted {
		t.Fatalf("无外部来源时不应加成, 实际 %d", d.Price)
	}
}

func TestStagnationDecayAfterClamp(t *testing.T) {
	e, clock := newTestEngine(testConfig())
	e.Observe("a1")

	d, _ := e.Derive("a1", stakes(10), aggregate.External{})
	e.Record("a1", d, 10)

	clock.advance(34 * time.Hour)
	d, _ = e.Derive("a1", stakes(10), aggregate.External{})
	if d.Undecayed != 1050 || d.Price != 945 {
		t.Fatalf("超出窗口 10 小时应衰减 10%%, 实际 undecayed=%d price=%d", d.Undecayed, d.Price)
	}
	st := e.Record("a1", d, 0)
	if !st.LastChange.Equal(clock.now().Add(-34 * time.Hour)) {
		t.Fatalf("衰减不应重置停滞计时: %v", st.LastChange)
	}

	clock.advance(66 * time.Hour)
	d, _ = e.Derive("a1", stakes(10), aggregate.External{})
	if d.Price != 1000 {
		t.Fatalf("衰减有上限且不低于地板价, 实际 %d", d.Price)
	}
}

func TestStagnationDecayIgnoresTickCadence(t *testing.T) {
	cfg := testConfig()
	cfg.FloorPrice = 100
	cfg.DropThreshold = 0.99

	run := func(step time.Duration) int64 {
		e, clock := newTestEngine(cfg)
		e.Seed("a1", Bar{Timestamp: clock.now(), Open: 1000, High: 1000, Low: 1000, Close: 1000}, 1000)
		clock.advance(24 * time.Hour)
		end := clock.now().Add(10 * time.Hour)
		var price int64
		for clock.now().Before(end) {
			clock.advance(step)
			d, err := e.Derive("a1", aggregate.Metrics{}, aggregate.External{})
			if err != nil {
				t.Fatalf("推导失败: %v", err)
			}
			if d.Moved {
				t.Fatalf("无互动时不应视为变动: %+v", d)
			}
			price = e.Record("a1", d, 0).Price
		}
		return price
	}

	hourly, minutely := run(time.Hour), run(time.Minute)
	if hourly != 900 || minutely != 900 {
		t.Fatalf("超出窗口 10 小时应衰减 10%%, 与 tick 频率无关, 实际 hourly=%d minutely=%d", hourly, minutely)
	}
}

func TestEngagementRestartsDecayFromNewPrice(t *testing.T) {
	e, clock := newTestEngine(testConfig())
	e.Seed("a1", Bar{Timestamp: clock.now(), Open: 2000, High: 2000, Low: 2000, Close: 2000}, 2000)

	clock.advance(34 * time.Hour)
	d, _ := e.Derive("a1", aggregate.Metrics{}, aggregate.External{})
	if d.Price != 1800 {
		t.Fatalf("停滞 10 小时应衰减到 1800, 实际 %d", d.Price)
	}
	e.Record("a1", d, 0)

	d, _ = e.Derive("a1", stakes(20), aggregate.External{})
	if !d.Moved || d.Decay != 0 || d.Price != 1980 {
		t.Fatalf("新增互动应从衰减后价格上涨且不再衰减, 实际 %+v", d)
	}
	st := e.Record("a1", d, 20)
	if !st.LastChange.Equal(clock.now()) {
		t.Fatalf("价格变动应重置停滞计时: %v", st.LastChange)
	}

	clock.advance(25 * time.Hour)
	d, _ = e.Derive("a1", stakes(20), aggregate.External{})
	if d.Undecayed != 1980 || d.Price != 1960 {
		t.Fatalf("衰减应以最近一次变动价格为基准, 实际 undecayed=%d price=%d", d.Undecayed, d.Price)
	}
}

func TestOHLCInvariantWithinBar(t *testing.T) {
	e, clock := newTestEngine(testConfig())
	e.Observe("a1")

	for i, p := range []int64{1200, 900, 1500, 1100, 700, 1300} {
		clock.advance(time.Minute)
		if err := e.UpdateOHLC("a1", p, int64(i)); err != nil {
			t.Fatalf("更新失败: %v", err)
		}
		b, _ := e.GetOHLC("a1")
		if b.High < max(b.Open, b.Close) || b.Low > min(b.Open, b.Close) {
			t.Fatalf("OHLC 不变量被破坏: %+v", b)
		}
	}

	b, _ := e.GetOHLC("a1")
	if b.Open != 1000 || b.High != 1500 || b.Low != 700 || b.Close != 1300 || b.Volume != 15 {
		t.Fatalf("bar 不正确: %+v", b)
	}
}

func TestBarRollAndHistoryEviction(t *testing.T) {
	cfg := testConfig()
	cfg.HistorySize = 3
	e, clock := newTestEngine(cfg)
	e.Observe("a1")

	for i := int64(1); i <= 5; i++ {
		clock.advance(time.Hour)
		if err := e.UpdateOHLC("a1", 1000+i, 1); err != nil {
			t.Fatalf("更新失败: %v", err)
		}
	}

	history, err := e.GetHistory("a1", 0)
	if err != nil {
		t.Fatalf("读取历史失败: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("历史应保留 3 条, 实际 %d", len(history))
	}
	if history[0].Close != 1002 || history[2].Close != 1004 {
		t.Fatalf("应按 FIFO 淘汰最旧的 bar: %+v", history)
	}

	latest, _ := e.GetHistory("a1", 1)
	if len(latest) != 1 || latest[0].Close != 1004 {
		t.Fatalf("limit 应返回最新的 bar: %+v", latest)
	}

	b, _ := e.GetOHLC("a1")
	if b.Open != 1005 || b.High != 1005 || b.Low != 1005 || b.Close != 1005 {
		t.Fatalf("新 bar 应以新价格为种子: %+v", b)
	}
}

func TestFailPinsToFloorAndRecordClears(t *testing.T) {
	e, _ := newTestEngine(testConfig())
	e.Seed("a1", Bar{Open: 1800, High: 1800, Low: 1800, Close: 1800}, 1800)

	st := e.Fail("a1", errors.New("boom"))
	if st.Price != 1000 || st.Error != "boom" {
		t.Fatalf("失败后应固定为地板价并带错误标记: %+v", st)
	}
	if price, _ := e.GetCurrentPrice("a1"); price != 1000 {
		t.Fatalf("当前价格应为地板价, 实际 %d", price)
	}

	d, _ := e.Derive("a1", aggregate.Metrics{}, aggregate.External{})
	st = e.Record("a1", d, 0)
	if st.Error != "" {
		t.Fatalf("成功推导后应清除错误标记: %q", st.Error)
	}
}

func TestUnknownAssetAndOverflow(t *testing.T) {
	e, clock := newTestEngine(testConfig())
	if _, err := e.GetCurrentPrice("nope"); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("应返回 ErrUnknownAsset, 实际 %v", err)
	}
	if _, err := e.Derive("nope", aggregate.Metrics{}, aggregate.External{}); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("应返回 ErrUnknownAsset, 实际 %v", err)
	}
	if err := e.UpdateOHLC("nope", 1, 0); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("应返回 ErrUnknownAsset, 实际 %v", err)
	}

	big := int64(math.MaxInt64 / 2)
	e.Seed("whale", Bar{Timestamp: clock.now(), Open: big, High: big, Low: big, Close: big}, big)
	if _, err := e.Derive("whale", stakes(1000), aggregate.External{}); !errors.Is(err, ErrPriceOverflow) {
		t.Fatalf("溢出应返回 ErrPriceOverflow, 实际 %v", err)
	}

	if got := e.Assets(); len(got) != 1 || got[0] != "whale" {
		t.Fatalf("资产列表不正确: %v", got)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("默认配置应合法: %v", err)
	}
	cfg := DefaultConfig()
	cfg.DropThreshold = 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("跌幅阈值为 1 应报错")
	}
	cfg = DefaultConfig()
	cfg.Weights = map[contribution.EngagementType]int64{"like": 1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("未知互动类型应报错")
	}
}
