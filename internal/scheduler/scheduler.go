package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrRunning is returned by Start when the scheduler already has a loop.
var ErrRunning = errors.New("scheduler already running")

// TickFunc is invoked on every aligned interval.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// TickTimeout bounds a single tick. Zero leaves ticks unbounded.
	TickTimeout time.Duration
}

// Scheduler drives aligned execution of pipeline ticks. Ticks run on their own
// goroutine with a context detached from the loop, so stopping the loop never
// aborts a tick that is already in flight.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger

	inflight sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Interval returns the configured tick interval.
func (s *Scheduler) Interval() time.Duration {
	return s.opts.Interval
}

// Run blocks, invoking the tick function at each aligned interval until ctx is
// cancelled. It returns after every tick it started has finished.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	defer s.inflight.Wait()

	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		bucket := s.bucketStart(next)
		s.fire(ctx, tick, bucket)

		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) fire(ctx context.Context, tick TickFunc, bucket time.Time) {
	s.logger.Debug().Time("bucket", bucket).Msg("executing scheduled tick")

	tickCtx := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if s.opts.TickTimeout > 0 {
		tickCtx, cancel = context.WithTimeout(tickCtx, s.opts.TickTimeout)
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer cancel()
		if err := tick(tickCtx, bucket); err != nil {
			s.logger.Error().Err(err).Time("bucket", bucket).Msg("tick execution failed")
		}
	}()
}

// Start launches Run in the background. The loop ends when ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context, tick TickFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return ErrRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		if err := s.Run(loopCtx, tick); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("scheduler loop stopped")
		}
	}()
	return nil
}

// Stop prevents further ticks and waits for in-flight ones to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Wait blocks until every started tick has returned.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
