package aggregate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"engagement-pricer/internal/attestation"
	"engagement-pricer/internal/contribution"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func rating(author string, score float64, at time.Time) contribution.Verified {
	return contribution.Verified{Contribution: contribution.Contribution{
		Author:    author,
		Type:      contribution.TypeRating,
		Payload:   contribution.RatingPayload{Score: &score},
		Timestamp: at,
	}}
}

func meme(author string, reach int64, at time.Time) contribution.Verified {
	return contribution.Verified{Contribution: contribution.Contribution{
		Author:    author,
		Type:      contribution.TypeMeme,
		Payload:   contribution.MemePayload{ImageRef: "img", EngagementCount: reach},
		Timestamp: at,
	}}
}

func TestAverageRatingScenario(t *testing.T) {
	var vs []contribution.Verified
	for i, score := range []float64{6, 7, 8, 9, 10, 6, 7, 8, 9, 10} {
		vs = append(vs, rating("alice", score, now.Add(-time.Duration(i)*time.Hour)))
	}

	m := Aggregate(vs, now)
	if m.AverageRating != 800 {
		t.Fatalf("平均评分应为 800, 实际 %d", m.AverageRating)
	}
	if m.Count(contribution.TypeRating) != 10 || m.Total != 10 {
		t.Fatalf("计数不正确: %+v", m.Counts)
	}
	if m.UniqueContributors != 1 {
		t.Fatalf("唯一贡献者应为 1, 实际 %d", m.UniqueContributors)
	}
}

func TestAverageRatingBounds(t *testing.T) {
	m := Aggregate([]contribution.Verified{rating("a", 10, now), rating("b", 10, now)}, now)
	if m.AverageRating != 1000 {
		t.Fatalf("满分应为 1000, 实际 %d", m.AverageRating)
	}

	noScore := contribution.Verified{Contribution: contribution.Contribution{
		Type: contribution.TypeRating, Payload: contribution.RatingPayload{}, Timestamp: now,
	}}
	m = Aggregate([]contribution.Verified{noScore}, now)
	if m.AverageRating != 0 || m.RatingCount != 0 {
		t.Fatalf("无评分值时平均分应为 0: %+v", m)
	}
}

func TestEmptyAggregateIsZero(t *testing.T) {
	m := Aggregate(nil, now)
	if m.Total != 0 || m.AverageRating != 0 || m.GrowthRate != 0 || m.Velocity != 0 || m.ViralScore != 0 {
		t.Fatalf("空输入应得到零值: %+v", m)
	}
	if m.Counts == nil {
		t.Fatal("计数表不应为 nil")
	}
}

func TestGrowthRate(t *testing.T) {
	cases := []struct {
		this, last, want int64
	}{
		{0, 0, 0},
		{5, 0, 10_000},
		{3, 2, 5_000},
		{1, 4, -7_500},
		{2, 3, -3_334},
	}
	for _, tc := range cases {
		if got := GrowthRate(tc.this, tc.last); got != tc.want {
			t.Fatalf("GrowthRate(%d,%d) = %d, 期望 %d", tc.this, tc.last, got, tc.want)
		}
	}

	vs := []contribution.Verified{
		rating("a", 5, now.Add(-time.Hour)),
		rating("b", 5, now.Add(-2*24*time.Hour)),
		rating("c", 5, now.Add(-8*24*time.Hour)),
		rating("d", 5, now.Add(-20*24*time.Hour)),
	}
	m := Aggregate(vs, now)
	if m.GrowthRate != 10_000 {
		t.Fatalf("本周 2 上周 1 增长应为 10000, 实际 %d", m.GrowthRate)
	}
	if m.NewContributors != 2 {
		t.Fatalf("本周新贡献者应为 2, 实际 %d", m.NewContributors)
	}
}

func TestViralScoreAndVelocity(t *testing.T) {
	vs := []contribution.Verified{
		meme("a", 55, now),
		meme("b", 40, now.Add(-48*time.Hour)),
		meme("", 1, now.Add(-24*time.Hour)),
	}
	m := Aggregate(vs, now)
	if m.ViralScore != 9 {
		t.Fatalf("病毒分应为 floor(96/10)=9, 实际 %d", m.ViralScore)
	}
	if m.Velocity != 1 {
		t.Fatalf("3 条跨 2 天速度应为 1, 实际 %d", m.Velocity)
	}
	if m.UniqueContributors != 2 {
		t.Fatalf("空作者不应计入, 实际 %d", m.UniqueContributors)
	}

	m = Aggregate([]contribution.Verified{meme("a", 1_000_000, now)}, now)
	if m.ViralScore != 10_000 {
		t.Fatalf("病毒分上限为 10000, 实际 %d", m.ViralScore)
	}
	if m.Velocity != 1 {
		t.Fatalf("单个时间戳时速度等于数量, 实际 %d", m.Velocity)
	}

	burst := []contribution.Verified{meme("a", 0, now), meme("b", 0, now.Add(-time.Minute)), meme("c", 0, now.Add(-2*time.Minute))}
	if got := Aggregate(burst, now).Velocity; got != 3 {
		t.Fatalf("不足一天按一天计算, 实际 %d", got)
	}
}

func TestCombineExternalExcludesZero(t *testing.T) {
	ext := CombineExternal([]attestation.Record{
		{Source: "a", Metrics: attestation.Metrics{Rating: 800, Popularity: 100, MemberCount: 10}},
		{Source: "b", Metrics: attestation.Metrics{Rating: 0, Popularity: 301, MemberCount: 5}},
	})
	if ext.Rating != 800 {
		t.Fatalf("零值不应计入平均, 实际 %d", ext.Rating)
	}
	if ext.Popularity != 200 {
		t.Fatalf("热度平均应为 200, 实际 %d", ext.Popularity)
	}
	if ext.MemberCount != 15 || ext.Sources != 2 || !ext.Present() {
		t.Fatalf("成员数求和不正确: %+v", ext)
	}

	if CombineExternal(nil).Present() {
		t.Fatal("无来源时不应视为存在")
	}
}

func TestBlendAsymmetry(t *testing.T) {
	w := decimal.NewFromFloat(DefaultUserWeight)
	if got := BlendValue(0, 80, w); got != 80 {
		t.Fatalf("blend(0,80) 应为 80, 实际 %d", got)
	}
	if got := BlendValue(80, 0, w); got != 80 {
		t.Fatalf("blend(80,0) 应为 80, 实际 %d", got)
	}
	if got := BlendValue(100, 50, w); got != 80 {
		t.Fatalf("blend(100,50) 应为 80, 实际 %d", got)
	}
	if got := BlendValue(7, 3, w); got != 5 {
		t.Fatalf("blend(7,3) 应为 floor(5.4)=5, 实际 %d", got)
	}

	user := Metrics{AverageRating: 700, ViralScore: 0, UniqueContributors: 4, Total: 9}
	c := Blend(user, External{Rating: 900, Popularity: 120, Sources: 1}, DefaultUserWeight)
	if c.AverageRating != 780 || c.ViralScore != 120 || c.UniqueContributors != 4 || c.Total != 9 {
		t.Fatalf("混合结果不正确: %+v", c)
	}
}
