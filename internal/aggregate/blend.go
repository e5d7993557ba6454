package aggregate

import (
	"github.com/shopspring/decimal"

	"engagement-pricer/internal/attestation"
)

// DefaultUserWeight is the share of community metrics in a blend.
const DefaultUserWeight = 0.6

// External combines attested metrics across sources.
type External struct {
	Rating      int64 `json:"rating"`
	Popularity  int64 `json:"popularity"`
	MemberCount int64 `json:"member_count"`
	Trending    int64 `json:"trending"`
	// Sources is the number of records combined.
	Sources int `json:"sources"`
}

// Present reports whether any source contributed.
func (e External) Present() bool {
	return e.Sources > 0
}

type averager struct {
	sum decimal.Decimal
	n   int64
}

func (a *averager) add(v int64) {
	if v == 0 {
		return
	}
	a.sum = a.sum.Add(decimal.NewFromInt(v))
	a.n++
}

func (a averager) value() int64 {
	if a.n == 0 {
		return 0
	}
	return a.sum.Div(decimal.NewFromInt(a.n)).Floor().IntPart()
}

// CombineExternal averages non-zero ratings, popularity and trending across
// records and sums member counts. Zero fields do not count toward an average.
func CombineExternal(records []attestation.Record) External {
	var rating, popularity, trending averager
	var out External
	for _, r := range records {
		rating.add(r.Metrics.Rating)
		popularity.add(r.Metrics.Popularity)
		trending.add(r.Metrics.Trending)
		out.MemberCount += r.Metrics.MemberCount
		out.Sources++
	}
	out.Rating = rating.value()
	out.Popularity = popularity.value()
	out.Trending = trending.value()
	return out
}

// Combined is the community aggregate with its paired fields blended against
// external data.
type Combined struct {
	Metrics
	External External `json:"external"`
}

// Blend mixes user and external metrics pairwise: average rating with
// external rating, viral score with popularity, contributors with members.
func Blend(user Metrics, ext External, userWeight float64) Combined {
	w := decimal.NewFromFloat(userWeight)
	out := Combined{Metrics: user, External: ext}
	out.AverageRating = BlendValue(user.AverageRating, ext.Rating, w)
	out.ViralScore = BlendValue(user.ViralScore, ext.Popularity, w)
	out.UniqueContributors = BlendValue(user.UniqueContributors, ext.MemberCount, w)
	return out
}

// BlendValue returns the other side unchanged when either side is zero,
// otherwise floor(user*w + external*(1-w)).
func BlendValue(user, external int64, w decimal.Decimal) int64 {
	if user == 0 {
		return external
	}
	if external == 0 {
		return user
	}
	u := decimal.NewFromInt(user).Mul(w)
	e := decimal.NewFromInt(external).Mul(decimal.NewFromInt(1).Sub(w))
	return u.Add(e).Floor().IntPart()
}
