package broadcast

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"engagement-pricer/internal/pricing"
)

func snapshot(tick string, price int64) Message {
	return Message{
		TickID:    tick,
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
		Updates: []Update{{
			AssetID: "a1",
			Price:   price,
			OHLC:    pricing.Bar{Open: price, High: price, Low: price, Close: price},
		}},
	}
}

func decode(t *testing.T, raw []byte) Message {
	t.Helper()
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("解码消息失败: %v", err)
	}
	return msg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("等待条件超时")
}

func TestPublishDeliversAndDropsBusySubscriber(t *testing.T) {
	b := New(zerolog.Nop())
	fast := NewChanSubscriber(4)
	slow := NewChanSubscriber(1)
	if _, err := b.Subscribe(fast); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	if _, err := b.Subscribe(slow); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}

	if delivered, removed, _ := b.Publish(snapshot("t1", 100)); delivered != 2 || removed != 0 {
		t.Fatalf("首次发布应送达 2 个, 实际 %d/%d", delivered, removed)
	}
	delivered, removed, _ := b.Publish(snapshot("t2", 110))
	if delivered != 1 || removed != 1 {
		t.Fatalf("缓冲已满的订阅者应被移除, 实际 delivered=%d removed=%d", delivered, removed)
	}
	if b.Len() != 1 {
		t.Fatalf("剩余订阅者应为 1, 实际 %d", b.Len())
	}

	if got := decode(t, <-fast.C()); got.TickID != "t1" || got.Type != MessageTypePrices {
		t.Fatalf("消息内容不正确: %+v", got)
	}
	if got := decode(t, <-fast.C()); got.TickID != "t2" {
		t.Fatalf("第二条消息不正确: %+v", got)
	}

	<-slow.C()
	if _, ok := <-slow.C(); ok {
		t.Fatal("被移除的订阅者应被关闭")
	}
}

func TestLateJoinerReceivesLatestSnapshot(t *testing.T) {
	b := New(zerolog.Nop())
	if _, _, err := b.Publish(snapshot("t1", 100)); err != nil {
		t.Fatalf("发布失败: %v", err)
	}

	late := NewChanSubscriber(2)
	if _, err := b.Subscribe(late); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	select {
	case raw := <-late.C():
		if got := decode(t, raw); got.TickID != "t1" || got.Updates[0].Price != 100 {
			t.Fatalf("应立即收到最新快照: %+v", got)
		}
	default:
		t.Fatal("新订阅者应立即收到快照")
	}
}

func TestDisconnectedSubscriberRemovedWithoutAffectingOthers(t *testing.T) {
	b := New(zerolog.Nop())
	gone := NewChanSubscriber(2)
	stay := NewChanSubscriber(2)
	b.Subscribe(gone)
	b.Subscribe(stay)

	_ = gone.Close()

	delivered, removed, err := b.Publish(snapshot("t1", 100))
	if err != nil {
		t.Fatalf("发布不应报错: %v", err)
	}
	if delivered != 1 || removed != 1 || b.Len() != 1 {
		t.Fatalf("断开的订阅者应被移除: delivered=%d removed=%d len=%d", delivered, removed, b.Len())
	}
	if got := decode(t, <-stay.C()); got.TickID != "t1" {
		t.Fatalf("其他订阅者应正常收到: %+v", got)
	}
}

func TestUnsubscribeAndFailedInitialSend(t *testing.T) {
	b := New(zerolog.Nop())
	s := NewChanSubscriber(1)
	unsubscribe, err := b.Subscribe(s)
	if err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	unsubscribe()
	unsubscribe()
	if b.Len() != 0 || s.Receptive() {
		t.Fatal("取消订阅后应移除并关闭")
	}

	b.Publish(snapshot("t1", 100))
	closed := NewChanSubscriber(1)
	_ = closed.Close()
	if _, err := b.Subscribe(closed); err == nil {
		t.Fatal("无法接收快照的订阅者不应注册")
	}
	if b.Len() != 0 {
		t.Fatalf("注册表应为空, 实际 %d", b.Len())
	}
}

func TestWebsocketHandler(t *testing.T) {
	b := New(zerolog.Nop())
	b.Publish(snapshot("t0", 90))

	srv := httptest.NewServer(NewHandler(b, nil, zerolog.Nop()))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("读取初始快照失败: %v", err)
	}
	if got := decode(t, raw); got.TickID != "t0" {
		t.Fatalf("初始快照不正确: %+v", got)
	}

	waitFor(t, func() bool { return b.Len() == 1 })
	b.Publish(snapshot("t1", 100))
	_, raw, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("读取快照失败: %v", err)
	}
	if got := decode(t, raw); got.TickID != "t1" || got.Updates[0].Price != 100 {
		t.Fatalf("快照不正确: %+v", got)
	}

	_ = conn.Close()
	waitFor(t, func() bool { return b.Len() == 0 })
}

func TestRedisSubscriberRelays(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	pubsub := rdb.Subscribe(ctx, "prices")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		t.Fatalf("订阅 Redis 频道失败: %v", err)
	}

	b := New(zerolog.Nop())
	relay := NewRedisSubscriber(rdb, RedisOptions{Channel: "prices", SnapshotKey: "prices:latest"}, zerolog.Nop())
	if _, err := b.Subscribe(relay); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	b.Publish(snapshot("t1", 100))

	select {
	case msg := <-pubsub.Channel():
		if got := decode(t, []byte(msg.Payload)); got.TickID != "t1" {
			t.Fatalf("Redis 消息不正确: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("未收到 Redis 消息")
	}

	b.Close()
	<-relay.Done()
	latest, err := mr.Get("prices:latest")
	if err != nil {
		t.Fatalf("读取快照键失败: %v", err)
	}
	if got := decode(t, []byte(latest)); got.TickID != "t1" {
		t.Fatalf("快照键内容不正确: %+v", got)
	}
}

func TestRedisSubscriberKeepsNewestWhenLagging(t *testing.T) {
	relay := &RedisSubscriber{
		id:     "redis-lagging",
		queue:  make(chan []byte, 1),
		done:   make(chan struct{}),
		logger: zerolog.Nop(),
	}
	b := New(zerolog.Nop())
	if _, err := b.Subscribe(relay); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}

	for i, tick := range []string{"t1", "t2", "t3"} {
		b.Publish(snapshot(tick, int64(100+i)))
	}
	if b.Len() != 1 {
		t.Fatalf("Redis 中继积压时不应被移除, 实际订阅数 %d", b.Len())
	}
	if got := decode(t, <-relay.queue); got.TickID != "t3" {
		t.Fatalf("积压时应保留最新快照, 实际 %+v", got)
	}
}
