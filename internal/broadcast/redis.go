package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisOptions configure the Redis relay.
type RedisOptions struct {
	Channel     string
	SnapshotKey string
	Buffer      int
	Timeout     time.Duration
}

// RedisSubscriber relays snapshots to a Redis pub/sub channel and keeps the
// latest one under a key for readers that connect between ticks.
type RedisSubscriber struct {
	id     string
	client redis.Cmdable
	opts   RedisOptions
	queue  chan []byte
	done   chan struct{}
	mu     sync.Mutex
	closed bool
	logger zerolog.Logger
}

// NewRedisSubscriber starts the relay goroutine.
func NewRedisSubscriber(client redis.Cmdable, opts RedisOptions, logger zerolog.Logger) *RedisSubscriber {
	if opts.Channel == "" {
		opts.Channel = "engagement-pricer:prices"
	}
	if opts.SnapshotKey == "" {
		opts.SnapshotKey = opts.Channel + ":latest"
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 8
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	s := &RedisSubscriber{
		id:     "redis-" + uuid.NewString(),
		client: client,
		opts:   opts,
		queue:  make(chan []byte, opts.Buffer),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "broadcast_redis").Str("channel", opts.Channel).Logger(),
	}
	go s.run()
	return s
}

// ID implements Subscriber.
func (s *RedisSubscriber) ID() string { return s.id }

// Send queues msg for the relay. When Redis falls behind the oldest queued
// snapshot is discarded, so the relay never reports busy and stays subscribed.
func (s *RedisSubscriber) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	for {
		select {
		case s.queue <- msg:
			return nil
		default:
		}
		select {
		case <-s.queue:
			s.logger.Warn().Msg("redis relay lagging; dropped oldest snapshot")
		default:
		}
	}
}

// Close stops accepting messages; queued ones are still relayed.
func (s *RedisSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	return nil
}

// Done is closed once the relay has drained.
func (s *RedisSubscriber) Done() <-chan struct{} {
	return s.done
}

func (s *RedisSubscriber) run() {
	defer close(s.done)
	for msg := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, s.opts.SnapshotKey, msg, 0)
		pipe.Publish(ctx, s.opts.Channel, msg)
		if _, err := pipe.Exec(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("redis relay failed")
		}
		cancel()
	}
}

var _ Subscriber = (*RedisSubscriber)(nil)
