package pricing

import (
	"errors"
	"fmt"
	"time"

	"engagement-pricer/internal/contribution"
)

// DefaultHistorySize bounds the closed-bar history per asset.
const DefaultHistorySize = 1000

// DefaultWeights rank engagement types by commitment.
var DefaultWeights = map[contribution.EngagementType]int64{
	contribution.TypeRating:            1,
	contribution.TypeMeme:              2,
	contribution.TypePost:              2,
	contribution.TypeEpisodePrediction: 3,
	contribution.TypePricePrediction:   4,
	contribution.TypeStake:             5,
}

// Config holds the derivation parameters.
type Config struct {
	FloorPrice int64
	// EngagementMultiplier scales the weighted score into a percentage move.
	EngagementMultiplier float64
	// ExternalBoostCap is the largest fractional boost from external popularity.
	ExternalBoostCap float64
	// DropThreshold is the largest fractional fall below the bar high per update.
	DropThreshold    float64
	StagnationWindow time.Duration
	DecayPerHour     float64
	MaxDecay         float64
	BarPeriod        time.Duration
	HistorySize      int
	Weights          map[contribution.EngagementType]int64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FloorPrice:           100,
		EngagementMultiplier: 0.1,
		ExternalBoostCap:     0.10,
		DropThreshold:        0.5,
		StagnationWindow:     24 * time.Hour,
		DecayPerHour:         0.001,
		MaxDecay:             0.5,
		BarPeriod:            time.Hour,
		HistorySize:          DefaultHistorySize,
		Weights:              DefaultWeights,
	}
}

// Validate checks parameter ranges.
func (c Config) Validate() error {
	if c.FloorPrice <= 0 {
		return errors.New("floor price must be positive")
	}
	if c.EngagementMultiplier < 0 {
		return errors.New("engagement multiplier must not be negative")
	}
	if c.ExternalBoostCap < 0 || c.ExternalBoostCap > 1 {
		return fmt.Errorf("external boost cap %.4f out of range [0,1]", c.ExternalBoostCap)
	}
	if c.DropThreshold <= 0 || c.DropThreshold >= 1 {
		return fmt.Errorf("drop threshold %.4f out of range (0,1)", c.DropThreshold)
	}
	if c.StagnationWindow <= 0 {
		return errors.New("stagnation window must be positive")
	}
	if c.DecayPerHour < 0 || c.MaxDecay < 0 || c.MaxDecay >= 1 {
		return errors.New("decay parameters out of range")
	}
	if c.BarPeriod <= 0 {
		return errors.New("bar period must be positive")
	}
	if c.HistorySize <= 0 {
		return errors.New("history size must be positive")
	}
	for t, w := range c.Weights {
		if _, err := contribution.ParseType(string(t)); err != nil {
			return err
		}
		if w < 0 {
			return fmt.Errorf("weight for %s must not be negative", t)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.BarPeriod <= 0 {
		c.BarPeriod = time.Hour
	}
	if c.Weights == nil {
		c.Weights = DefaultWeights
	}
	return c
}
