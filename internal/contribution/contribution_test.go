package contribution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"engagement-pricer/internal/blob"
)

func TestDecodeVariants(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		typ  EngagementType
	}{
		{"rating", `{"asset_id":"a1","author":"0xabc","engagement_type":"rating","payload":{"rating":8.5},"signature":"0x1","timestamp":1700000000000}`, TypeRating},
		{"meme", `{"asset_id":"a1","author":"0xabc","engagement_type":"meme","payload":{"image_ref":"img","engagement_count":12},"signature":"0x1","timestamp":1700000000000}`, TypeMeme},
		{"post", `{"asset_id":"a1","author":"0xabc","engagement_type":"POST","payload":{"body":"hi"},"signature":"0x1","timestamp":1700000000000}`, TypePost},
		{"episode", `{"asset_id":"a1","author":"0xabc","engagement_type":"episode_prediction","payload":{"episode":3,"outcome":"win"},"signature":"0x1","timestamp":1700000000000}`, TypeEpisodePrediction},
		{"price", `{"asset_id":"a1","author":"0xabc","engagement_type":"price_prediction","payload":{"target_price":1200},"signature":"0x1","timestamp":1700000000000}`, TypePricePrediction},
		{"stake", `{"asset_id":"a1","author":"0xabc","engagement_type":"stake","payload":{"amount":5},"signature":"0x1","timestamp":1700000000000}`, TypeStake},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := Decode("ref", []byte(tc.raw))
			if err != nil {
				t.Fatalf("解码失败: %v", err)
			}
			if c.Type != tc.typ || c.Payload.Type() != tc.typ {
				t.Fatalf("类型不匹配: %s / %s", c.Type, c.Payload.Type())
			}
			if c.Timestamp.UnixMilli() != 1700000000000 {
				t.Fatalf("时间戳不正确: %v", c.Timestamp)
			}
		})
	}
}

func TestDecodeRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown type":    `{"asset_id":"a1","engagement_type":"like","timestamp":1}`,
		"rating too high": `{"asset_id":"a1","engagement_type":"rating","payload":{"rating":11},"timestamp":1}`,
		"meme no image":   `{"asset_id":"a1","engagement_type":"meme","payload":{},"timestamp":1}`,
		"no asset":        `{"engagement_type":"stake","payload":{"amount":1},"timestamp":1}`,
		"no timestamp":    `{"asset_id":"a1","engagement_type":"stake","payload":{"amount":1}}`,
		"zero stake":      `{"asset_id":"a1","engagement_type":"stake","payload":{"amount":0},"timestamp":1}`,
		"not json":        `{`,
	}
	for name, raw := range cases {
		if _, err := Decode("ref", []byte(raw)); err == nil {
			t.Fatalf("%s: 应返回错误", name)
		}
	}

	_, err := Decode("ref", []byte(`{"asset_id":"a1","engagement_type":"like","timestamp":1}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("未知类型应返回 ErrUnknownType, 实际 %v", err)
	}
}

func TestRatingWithoutScore(t *testing.T) {
	c, err := Decode("ref", []byte(`{"asset_id":"a1","engagement_type":"rating","payload":{"review":"meh"},"timestamp":1}`))
	if err != nil {
		t.Fatalf("无评分的 rating 应可解码: %v", err)
	}
	if _, ok := c.Rating(); ok {
		t.Fatal("无评分时 Rating 应返回 false")
	}
}

func TestIndexIsIdempotentAndRefreshesCache(t *testing.T) {
	store := NewStore(StoreOptions{}, zerolog.Nop())
	first := Metadata{AssetID: "a1", Author: "alice", Type: TypeRating, Timestamp: time.Unix(100, 0)}
	second := Metadata{AssetID: "a1", Author: "alice", Type: TypePost, Timestamp: time.Unix(200, 0)}

	if !store.Index("a1", "ref-1", first) {
		t.Fatal("首次索引应追加")
	}
	if store.Index("a1", "ref-1", second) {
		t.Fatal("重复索引不应追加")
	}

	res, err := store.Query(context.Background(), "a1", nil)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(res.Refs) != 1 {
		t.Fatalf("列表长度应为 1, 实际 %d", len(res.Refs))
	}

	meta, ok := store.Metadata("ref-1")
	if !ok || meta.Type != TypePost || !meta.Timestamp.Equal(second.Timestamp) {
		t.Fatalf("缓存应反映第二次写入: %#v", meta)
	}
}

func TestQueryPreservesOrderAndFilters(t *testing.T) {
	store := NewStore(StoreOptions{}, zerolog.Nop())
	base := time.Unix(1_000, 0)
	store.Index("a1", "r1", Metadata{Type: TypeRating, Timestamp: base})
	store.Index("a1", "r2", Metadata{Type: TypeMeme, Timestamp: base.Add(time.Hour)})
	store.Index("a1", "r3", Metadata{Type: TypeRating, Timestamp: base.Add(2 * time.Hour)})

	res, _ := store.Query(context.Background(), "a1", &Filter{Type: TypeRating})
	if len(res.Refs) != 2 || res.Refs[0] != "r1" || res.Refs[1] != "r3" {
		t.Fatalf("类型过滤结果不正确: %v", res.Refs)
	}

	res, _ = store.Query(context.Background(), "a1", &Filter{From: base.Add(time.Hour), To: base.Add(2 * time.Hour)})
	if len(res.Refs) != 1 || res.Refs[0] != "r2" {
		t.Fatalf("时间窗口应为左闭右开: %v", res.Refs)
	}
}

func TestQueryFallsBackToBlobStore(t *testing.T) {
	mem := blob.NewMemory()
	raw := []byte(`{"asset_id":"a1","author":"0xabc","engagement_type":"stake","payload":{"amount":5},"signature":"0x1","timestamp":1700000000000}`)
	ref := mem.Put(raw)

	store := NewStore(StoreOptions{Loader: NewBlobLoader(mem), LoadTimeout: time.Second}, zerolog.Nop())

	store.mu.Lock()
	store.refs["a1"] = []string{ref, "missing"}
	store.indexed["a1"] = map[string]struct{}{ref: {}, "missing": {}}
	store.mu.Unlock()

	res, err := store.Query(context.Background(), "a1", &Filter{Type: TypeStake})
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(res.Refs) != 1 || res.Refs[0] != ref {
		t.Fatalf("应从 blob 读取元数据: %v", res.Refs)
	}
	if len(res.Omitted) != 1 || res.Omitted[0] != "missing" {
		t.Fatalf("读取失败的 ref 应作为软缺失报告: %v", res.Omitted)
	}
	if _, ok := store.Metadata(ref); !ok {
		t.Fatal("读取的元数据应写回缓存")
	}
	if !store.Contains("a1", "missing") {
		t.Fatal("读取失败的 ref 应保留在索引中")
	}
}
