package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func failureNote() Notification {
	return Notification{
		TickID:    "tick-1",
		At:        time.Now(),
		Assets:    3,
		Succeeded: 2,
		Failed:    []FailedAsset{{AssetID: "a2", Price: 100, Error: "pricing: price overflow"}},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Errorf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), failureNote()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "a2 pinned at 100") {
		t.Fatalf("text 应包含失败资产: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), failureNote()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

type countingNotifier struct {
	calls int
}

func (c *countingNotifier) Notify(context.Context, Notification) error {
	c.calls++
	return nil
}

func TestThrottledSuppressesRepeats(t *testing.T) {
	inner := &countingNotifier{}
	throttled := NewThrottled(inner, time.Hour)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	throttled.now = func() time.Time { return now }

	ctx := context.Background()
	throttled.Notify(ctx, failureNote())
	throttled.Notify(ctx, failureNote())
	if inner.calls != 1 {
		t.Fatalf("冷却期内重复告警应被抑制, 实际 %d 次", inner.calls)
	}

	other := failureNote()
	other.Failed = append(other.Failed, FailedAsset{AssetID: "a3"})
	throttled.Notify(ctx, other)
	if inner.calls != 2 {
		t.Fatalf("失败集合变化应立即告警, 实际 %d 次", inner.calls)
	}

	now = now.Add(2 * time.Hour)
	throttled.Notify(ctx, other)
	if inner.calls != 3 {
		t.Fatalf("冷却期后应再次告警, 实际 %d 次", inner.calls)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
