package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FailedAsset 描述一个被钉在地板价的资产。
type FailedAsset struct {
	AssetID string
	Price   int64
	Error   string
}

// Notification 封装告警上下文。
type Notification struct {
	TickID        string
	At            time.Time
	Assets        int
	Succeeded     int
	Failed        []FailedAsset
	CommitFailed  int
	Channels      []string
	AdditionalMsg string
}

// Key identifies the failure set, ignoring ordering.
func (n Notification) Key() string {
	ids := make([]string, 0, len(n.Failed))
	for _, f := range n.Failed {
		ids = append(ids, f.AssetID)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("tick_id", note.TickID).
		Int("failed", len(note.Failed)).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("告警已发送 (Telegram)")
	return nil
}

// Throttled suppresses a notification whose failure set matches the last one
// sent within the cooldown.
type Throttled struct {
	inner    Notifier
	cooldown time.Duration
	now      func() time.Time

	mu       sync.Mutex
	lastKey  string
	lastSent time.Time
}

// NewThrottled wraps inner. A non-positive cooldown disables suppression.
func NewThrottled(inner Notifier, cooldown time.Duration) *Throttled {
	return &Throttled{inner: inner, cooldown: cooldown, now: time.Now}
}

// Notify forwards note unless it repeats the previous failure set too soon.
func (t *Throttled) Notify(ctx context.Context, note Notification) error {
	key := note.Key()
	now := t.now()

	t.mu.Lock()
	if t.cooldown > 0 && key == t.lastKey && !t.lastSent.IsZero() && now.Sub(t.lastSent) < t.cooldown {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.inner.Notify(ctx, note); err != nil {
		return err
	}

	t.mu.Lock()
	t.lastKey = key
	t.lastSent = now
	t.mu.Unlock()
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Engagement Pricer Alert]\n")
	builder.WriteString(fmt.Sprintf("Tick: %s at %s UTC\n", note.TickID, note.At.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Assets: %d ok / %d failed of %d\n", note.Succeeded, len(note.Failed), note.Assets))
	for _, f := range note.Failed {
		builder.WriteString(fmt.Sprintf("- %s pinned at %d: %s\n", f.AssetID, f.Price, f.Error))
	}
	if note.CommitFailed > 0 {
		builder.WriteString(fmt.Sprintf("Metric commits failed: %d\n", note.CommitFailed))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*Throttled)(nil)
)
