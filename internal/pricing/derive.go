package pricing

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"engagement-pricer/internal/aggregate"
	"engagement-pricer/internal/contribution"
)

var (
	decOne      = decimal.NewFromInt(1)
	decHundred  = decimal.NewFromInt(100)
	decTenK     = decimal.NewFromInt(10_000)
	decMaxInt64 = decimal.NewFromInt(math.MaxInt64)
)

// Inputs is everything a single derivation reads.
type Inputs struct {
	// Prior is the last recorded price; HasPrior is false for a new asset.
	Prior    int64
	HasPrior bool
	// PriorHigh is the high of the current bar.
	PriorHigh int64
	// AppliedScore is the engagement score already reflected in Prior.
	AppliedScore int64
	// Anchor is the price recorded at LastChange. Stagnation decay is measured
	// from it, never from an already decayed Prior.
	Anchor     int64
	LastChange time.Time
	Now        time.Time
	Metrics    aggregate.Metrics
	External   aggregate.External
}

// Derivation is the outcome of DerivePrice.
type Derivation struct {
	Base  int64 `json:"base"`
	Price int64 `json:"price"`
	// Undecayed is the floored price before stagnation decay. While decaying
	// it is the anchor the decay is measured from.
	Undecayed int64 `json:"undecayed"`
	// Score is the total weighted engagement score.
	Score int64 `json:"score"`
	// Delta is the score not yet reflected in the prior price.
	Delta   int64 `json:"delta"`
	Boosted bool  `json:"boosted"`
	Clamped bool  `json:"clamped"`
	// Moved is set when engagement, external data or the clamp changed the
	// price. It restarts the stagnation clock.
	Moved bool    `json:"moved"`
	Decay float64 `json:"decay"`
}

// EngagementScore is the weighted sum of engagement counts.
func EngagementScore(m aggregate.Metrics, weights map[contribution.EngagementType]int64) int64 {
	var score int64
	for t, n := range m.Counts {
		score += weights[t] * n
	}
	return score
}

// DerivePrice applies engagement growth, external boost, drawdown clamp and
// stagnation decay in that order, then floors the result. A price that has not
// moved for longer than the stagnation window decays linearly from its anchor.
func DerivePrice(cfg Config, in Inputs) (Derivation, error) {
	cfg = cfg.withDefaults()
	floor := decimal.NewFromInt(cfg.FloorPrice)

	d := Derivation{Base: cfg.FloorPrice}
	if in.HasPrior {
		d.Base = in.Prior
	}

	d.Score = EngagementScore(in.Metrics, cfg.Weights)
	d.Delta = d.Score - in.AppliedScore
	if d.Delta < 0 {
		d.Delta = 0
	}

	delta := decimal.NewFromInt(d.Delta).Mul(decimal.NewFromFloat(cfg.EngagementMultiplier))
	price := decimal.NewFromInt(d.Base).Mul(decOne.Add(delta.Div(decHundred)))

	if in.External.Present() {
		popularity := decimal.Min(decimal.NewFromInt(in.External.Popularity).Div(decTenK), decOne)
		if popularity.IsPositive() {
			price = price.Mul(decOne.Add(popularity.Mul(decimal.NewFromFloat(cfg.ExternalBoostCap))))
			d.Boosted = true
		}
	}

	if in.PriorHigh > 0 {
		limit := decimal.NewFromInt(in.PriorHigh).Mul(decOne.Sub(decimal.NewFromFloat(cfg.DropThreshold)))
		if price.LessThan(limit) {
			price = limit
			d.Clamped = true
		}
	}

	undecayed, err := finalise(price, floor)
	if err != nil {
		return Derivation{}, err
	}
	d.Undecayed = undecayed
	d.Moved = !in.HasPrior || d.Delta > 0 || d.Boosted || d.Clamped

	if !d.Moved && !in.LastChange.IsZero() {
		if stale := in.Now.Sub(in.LastChange); stale > cfg.StagnationWindow {
			anchor := in.Anchor
			if anchor <= 0 {
				anchor = d.Base
			}
			hours := decimal.NewFromFloat((stale - cfg.StagnationWindow).Hours())
			decay := decimal.Min(hours.Mul(decimal.NewFromFloat(cfg.DecayPerHour)), decimal.NewFromFloat(cfg.MaxDecay))
			price = decimal.NewFromInt(anchor).Mul(decOne.Sub(decay))
			d.Undecayed = anchor
			d.Decay = decay.InexactFloat64()
		}
	}

	d.Price, err = finalise(price, floor)
	if err != nil {
		return Derivation{}, err
	}
	return d, nil
}

func finalise(price, floor decimal.Decimal) (int64, error) {
	price = decimal.Max(price, floor).Floor()
	if price.GreaterThan(decMaxInt64) {
		return 0, ErrPriceOverflow
	}
	return price.IntPart(), nil
}
