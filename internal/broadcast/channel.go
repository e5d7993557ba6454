package broadcast

import (
	"sync"

	"github.com/google/uuid"
)

// ChanSubscriber delivers snapshots on a buffered Go channel.
type ChanSubscriber struct {
	id     string
	ch     chan []byte
	mu     sync.Mutex
	closed bool
}

// NewChanSubscriber builds a subscriber with the given buffer size.
func NewChanSubscriber(buffer int) *ChanSubscriber {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChanSubscriber{id: uuid.NewString(), ch: make(chan []byte, buffer)}
}

// ID implements Subscriber.
func (c *ChanSubscriber) ID() string { return c.id }

// C is closed when the subscriber is closed.
func (c *ChanSubscriber) C() <-chan []byte { return c.ch }

// Send enqueues msg or fails when the buffer is full.
func (c *ChanSubscriber) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSubscriberClosed
	}
	select {
	case c.ch <- msg:
		return nil
	default:
		return ErrSubscriberBusy
	}
}

// Receptive reports whether the subscriber is open.
func (c *ChanSubscriber) Receptive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close closes the channel. It is idempotent.
func (c *ChanSubscriber) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	return nil
}

var (
	_ Subscriber = (*ChanSubscriber)(nil)
	_ Receptive  = (*ChanSubscriber)(nil)
)
