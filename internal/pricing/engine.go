package pricing

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"engagement-pricer/internal/aggregate"
)

var (
	// ErrUnknownAsset is returned for assets the engine has never observed.
	ErrUnknownAsset = errors.New("pricing: unknown asset")
	// ErrPriceOverflow is returned when a derived price exceeds int64.
	ErrPriceOverflow = errors.New("pricing: price overflow")
)

// Bar is one OHLC period.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      int64     `json:"open"`
	High      int64     `json:"high"`
	Low       int64     `json:"low"`
	Close     int64     `json:"close"`
	Volume    int64     `json:"volume"`
}

// State is a read-only view of one asset's price state.
type State struct {
	AssetID    string    `json:"asset_id"`
	Price      int64     `json:"price"`
	Bar        Bar       `json:"ohlc"`
	Derived    bool      `json:"derived"`
	LastChange time.Time `json:"last_change"`
	UpdatedAt  time.Time `json:"updated_at"`
	// Error is set while the asset is pinned to the floor after a failure.
	Error      string `json:"error,omitempty"`
	HistoryLen int    `json:"history_len"`
}

type assetState struct {
	price        int64
	bar          Bar
	derived      bool
	appliedScore int64
	anchor       int64
	lastChange   time.Time
	updatedAt    time.Time
	err          string
	history      *ring
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine holds per-asset price state.
type Engine struct {
	cfg    Config
	mu     sync.RWMutex
	states map[string]*assetState
	now    func() time.Time
	logger zerolog.Logger
}

// NewEngine constructs an Engine.
func NewEngine(cfg Config, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg.withDefaults(),
		states: make(map[string]*assetState),
		now:    time.Now,
		logger: logger.With().Str("component", "pricing").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine's parameters.
func (e *Engine) Config() Config {
	return e.cfg
}

// Observe starts tracking an asset at the floor price. It is a no-op for
// assets already tracked.
func (e *Engine) Observe(assetID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observeLocked(assetID)
}

func (e *Engine) observeLocked(assetID string) *assetState {
	if st, ok := e.states[assetID]; ok {
		return st
	}
	now := e.now()
	floor := e.cfg.FloorPrice
	st := &assetState{
		price:     floor,
		anchor:    floor,
		bar:       Bar{Timestamp: now, Open: floor, High: floor, Low: floor, Close: floor},
		updatedAt: now,
		history:   newRing(e.cfg.HistorySize),
	}
	e.states[assetID] = st
	return st
}

// Seed installs a known state, replacing any existing one.
func (e *Engine) Seed(assetID string, bar Bar, price int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	e.states[assetID] = &assetState{
		price:      price,
		anchor:     price,
		bar:        bar,
		derived:    true,
		lastChange: now,
		updatedAt:  now,
		history:    newRing(e.cfg.HistorySize),
	}
}

// Derive computes the next price for an observed asset without mutating it.
func (e *Engine) Derive(assetID string, metrics aggregate.Metrics, ext aggregate.External) (Derivation, error) {
	e.mu.RLock()
	st, ok := e.states[assetID]
	if !ok {
		e.mu.RUnlock()
		return Derivation{}, fmt.Errorf("%w: %s", ErrUnknownAsset, assetID)
	}
	in := Inputs{
		Prior:        st.price,
		HasPrior:     st.derived,
		PriorHigh:    st.bar.High,
		AppliedScore: st.appliedScore,
		Anchor:       st.anchor,
		LastChange:   st.lastChange,
		Now:          e.now(),
		Metrics:      metrics,
		External:     ext,
	}
	e.mu.RUnlock()

	return DerivePrice(e.cfg, in)
}

// Record applies a derivation: the bar is updated, the error flag cleared and
// the stagnation clock and anchor reset when the price moved.
func (e *Engine) Record(assetID string, d Derivation, volume int64) State {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.observeLocked(assetID)
	now := e.now()
	if !st.derived || d.Moved {
		st.lastChange = now
		st.anchor = d.Price
	}
	e.applyLocked(st, d.Price, volume, now)
	st.derived = true
	st.appliedScore = d.Score
	st.err = ""
	return e.viewLocked(assetID, st)
}

// UpdateOHLC folds price into the asset's current bar, rolling to a new bar
// once the current one is older than the bar period.
func (e *Engine) UpdateOHLC(assetID string, price, volume int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[assetID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, assetID)
	}
	e.applyLocked(st, price, volume, e.now())
	return nil
}

func (e *Engine) applyLocked(st *assetState, price, volume int64, now time.Time) {
	if now.Sub(st.bar.Timestamp) >= e.cfg.BarPeriod {
		st.history.push(st.bar)
		st.bar = Bar{Timestamp: now, Open: price, High: price, Low: price, Close: price}
	}
	st.bar.Close = price
	if price > st.bar.High {
		st.bar.High = price
	}
	if price < st.bar.Low {
		st.bar.Low = price
	}
	st.bar.Volume += volume
	st.price = price
	st.updatedAt = now
}

// Fail pins the asset to the floor price and flags it with cause.
func (e *Engine) Fail(assetID string, cause error) State {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.observeLocked(assetID)
	e.applyLocked(st, e.cfg.FloorPrice, 0, e.now())
	st.anchor = e.cfg.FloorPrice
	st.derived = true
	if cause != nil {
		st.err = cause.Error()
	} else {
		st.err = "derivation failed"
	}
	e.logger.Warn().Str("asset_id", assetID).Str("error", st.err).Int64("floor", e.cfg.FloorPrice).Msg("asset pinned to floor price")
	return e.viewLocked(assetID, st)
}

// Snapshot returns the asset's state.
func (e *Engine) Snapshot(assetID string) (State, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[assetID]
	if !ok {
		return State{}, false
	}
	return e.viewLocked(assetID, st), true
}

// Assets lists tracked asset ids in sorted order.
func (e *Engine) Assets() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.states))
	for id := range e.states {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// GetCurrentPrice returns the latest price.
func (e *Engine) GetCurrentPrice(assetID string) (int64, error) {
	st, ok := e.Snapshot(assetID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAsset, assetID)
	}
	return st.Price, nil
}

// GetOHLC returns the current bar.
func (e *Engine) GetOHLC(assetID string) (Bar, error) {
	st, ok := e.Snapshot(assetID)
	if !ok {
		return Bar{}, fmt.Errorf("%w: %s", ErrUnknownAsset, assetID)
	}
	return st.Bar, nil
}

// GetHistory returns up to limit closed bars, oldest first. limit <= 0 returns all.
func (e *Engine) GetHistory(assetID string, limit int) ([]Bar, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[assetID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, assetID)
	}
	return st.history.last(limit), nil
}

func (e *Engine) viewLocked(assetID string, st *assetState) State {
	return State{
		AssetID:    assetID,
		Price:      st.price,
		Bar:        st.bar,
		Derived:    st.derived,
		LastChange: st.lastChange,
		UpdatedAt:  st.updatedAt,
		Error:      st.err,
		HistoryLen: st.history.len(),
	}
}
