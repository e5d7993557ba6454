package aggregate

import (
	"time"

	"github.com/shopspring/decimal"

	"engagement-pricer/internal/contribution"
)

const (
	// Week is the growth comparison window.
	Week = 7 * 24 * time.Hour

	maxViralScore = 10_000
	growthScale   = 10_000
	ratingScale   = 100
)

var (
	decRatingScale = decimal.NewFromInt(ratingScale)
	decGrowthScale = decimal.NewFromInt(growthScale)
	decTen         = decimal.NewFromInt(10)
	decMaxViral    = decimal.NewFromInt(maxViralScore)
	decDay         = decimal.NewFromInt(int64(24 * time.Hour))
)

// Metrics are statistics derived from one asset's verified contributions.
type Metrics struct {
	// AverageRating is floor(mean rating * 100), within [0, 1000].
	AverageRating      int64                                 `json:"average_rating"`
	RatingCount        int64                                 `json:"rating_count"`
	UniqueContributors int64                                 `json:"unique_contributors"`
	Counts             map[contribution.EngagementType]int64 `json:"counts"`
	Total              int64                                 `json:"total"`
	ViralScore         int64                                 `json:"viral_score"`
	// GrowthRate is the week-over-week change scaled by 10000.
	GrowthRate      int64 `json:"growth_rate"`
	Velocity        int64 `json:"velocity"`
	NewContributors int64 `json:"new_contributors"`
}

// Count returns the tally for one engagement type.
func (m Metrics) Count(t contribution.EngagementType) int64 {
	return m.Counts[t]
}

// Aggregate derives Metrics from vs relative to now. An empty input yields
// zero metrics.
func Aggregate(vs []contribution.Verified, now time.Time) Metrics {
	m := Metrics{Counts: make(map[contribution.EngagementType]int64, len(contribution.Types))}
	if len(vs) == 0 {
		return m
	}

	var (
		ratingSum  = decimal.Zero
		engagement int64
		thisWeek   int64
		lastWeek   int64
		minTS      time.Time
		maxTS      time.Time
		firstSeen  = make(map[string]time.Time)
	)
	weekStart := now.Add(-Week)
	prevWeekStart := now.Add(-2 * Week)

	for i, v := range vs {
		m.Counts[v.Type]++
		m.Total++

		if score, ok := v.Rating(); ok {
			ratingSum = ratingSum.Add(decimal.NewFromFloat(score))
			m.RatingCount++
		}
		if v.Type == contribution.TypeMeme || v.Type == contribution.TypePost {
			engagement += v.EngagementCount()
		}

		ts := v.Timestamp
		switch {
		case !ts.Before(weekStart):
			thisWeek++
		case !ts.Before(prevWeekStart):
			lastWeek++
		}
		if i == 0 || ts.Before(minTS) {
			minTS = ts
		}
		if i == 0 || ts.After(maxTS) {
			maxTS = ts
		}

		if v.Author != "" {
			if seen, ok := firstSeen[v.Author]; !ok || ts.Before(seen) {
				firstSeen[v.Author] = ts
			}
		}
	}

	if m.RatingCount > 0 {
		m.AverageRating = ratingSum.
			Div(decimal.NewFromInt(m.RatingCount)).
			Mul(decRatingScale).
			Floor().
			IntPart()
	}

	m.UniqueContributors = int64(len(firstSeen))
	for _, ts := range firstSeen {
		if !ts.Before(weekStart) {
			m.NewContributors++
		}
	}

	m.ViralScore = decimal.Min(decimal.NewFromInt(engagement).Div(decTen), decMaxViral).Floor().IntPart()
	m.GrowthRate = GrowthRate(thisWeek, lastWeek)
	m.Velocity = velocity(m.Total, len(vs), maxTS.Sub(minTS))
	return m
}

// GrowthRate compares two window counts, scaled by 10000. A previous window
// of zero yields 10000 when the current one is positive.
func GrowthRate(thisWeek, lastWeek int64) int64 {
	if lastWeek == 0 {
		if thisWeek > 0 {
			return growthScale
		}
		return 0
	}
	return decimal.NewFromInt(thisWeek - lastWeek).
		Div(decimal.NewFromInt(lastWeek)).
		Mul(decGrowthScale).
		Floor().
		IntPart()
}

// velocity is contributions per day over the observed span. Spans shorter
// than a day count as one day.
func velocity(count int64, timestamps int, span time.Duration) int64 {
	if timestamps < 2 {
		return count
	}
	days := decimal.NewFromInt(int64(span)).Div(decDay)
	if days.LessThan(decimal.NewFromInt(1)) {
		days = decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(count).Div(days).Floor().IntPart()
}
