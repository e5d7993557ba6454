package broadcast

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"engagement-pricer/internal/pricing"
)

var (
	// ErrSubscriberBusy is returned when a subscriber cannot take a message without blocking.
	ErrSubscriberBusy = errors.New("broadcast: subscriber busy")
	// ErrSubscriberClosed is returned when sending to a closed subscriber.
	ErrSubscriberClosed = errors.New("broadcast: subscriber closed")
)

// MessageTypePrices tags price snapshot messages.
const MessageTypePrices = "prices"

// Update is one asset's entry in a snapshot.
type Update struct {
	AssetID string      `json:"asset_id"`
	Price   int64       `json:"price"`
	OHLC    pricing.Bar `json:"ohlc"`
	Error   string      `json:"error,omitempty"`
}

// UpdateFromState converts engine state into a broadcast entry.
func UpdateFromState(st pricing.State) Update {
	return Update{AssetID: st.AssetID, Price: st.Price, OHLC: st.Bar, Error: st.Error}
}

// Message is the snapshot delivered to subscribers.
type Message struct {
	Type      string    `json:"type"`
	TickID    string    `json:"tick_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Updates   []Update  `json:"updates"`
}

// Subscriber is a push channel. Send must not block.
type Subscriber interface {
	ID() string
	Send(msg []byte) error
	Close() error
}

// Receptive is implemented by subscribers that can report they are no longer
// able to receive.
type Receptive interface {
	Receptive() bool
}

// Broadcaster fans snapshots out to registered subscribers.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]Subscriber
	latest []byte
	logger zerolog.Logger
}

// New constructs an empty Broadcaster.
func New(logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[string]Subscriber),
		logger: logger.With().Str("component", "broadcast").Logger(),
	}
}

// Publish encodes msg, stores it as the latest snapshot and attempts a
// non-blocking send to every subscriber. Subscribers that fail or are not
// receptive are removed and closed.
func (b *Broadcaster) Publish(msg Message) (delivered, removed int, err error) {
	if msg.Type == "" {
		msg.Type = MessageTypePrices
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, 0, err
	}

	b.mu.Lock()
	b.latest = payload
	targets := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		if r, ok := s.(Receptive); ok && !r.Receptive() {
			b.drop(s, errors.New("not receptive"))
			removed++
			continue
		}
		if err := s.Send(payload); err != nil {
			b.drop(s, err)
			removed++
			continue
		}
		delivered++
	}

	b.logger.Debug().
		Str("tick_id", msg.TickID).
		Int("updates", len(msg.Updates)).
		Int("delivered", delivered).
		Int("removed", removed).
		Msg("snapshot published")
	return delivered, removed, nil
}

// Subscribe registers s after delivering the latest snapshot, if any. A
// subscriber that cannot take the snapshot is not registered.
func (b *Broadcaster) Subscribe(s Subscriber) (func(), error) {
	b.mu.Lock()
	if b.latest != nil {
		if err := s.Send(b.latest); err != nil {
			b.mu.Unlock()
			return nil, err
		}
	}
	b.subs[s.ID()] = s
	total := len(b.subs)
	b.mu.Unlock()

	b.logger.Info().Str("subscriber", s.ID()).Int("total", total).Msg("subscriber added")

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(s)
			_ = s.Close()
		})
	}, nil
}

// Len returns the number of registered subscribers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Latest returns the last published snapshot.
func (b *Broadcaster) Latest() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest
}

// Close removes and closes every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]Subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
}

func (b *Broadcaster) drop(s Subscriber, cause error) {
	if b.remove(s) {
		b.logger.Info().Str("subscriber", s.ID()).Err(cause).Msg("subscriber removed")
	}
	_ = s.Close()
}

// remove deletes s only if it is still the registered subscriber for its id.
func (b *Broadcaster) remove(s Subscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.subs[s.ID()]; ok && cur == s {
		delete(b.subs, s.ID())
		return true
	}
	return false
}
