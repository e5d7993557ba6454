package blob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Transport is a named Getter tried by a Chain.
type Transport struct {
	Name   string
	Getter Getter
}

// Policy is applied uniformly to every transport in a Chain.
type Policy struct {
	Timeout time.Duration
	Retries int
	Backoff time.Duration
}

// Chain tries an ordered list of transports and returns the first success.
type Chain struct {
	transports []Transport
	policy     Policy
	logger     zerolog.Logger
}

// NewChain constructs a Chain. Transports are tried in the given order.
func NewChain(policy Policy, logger zerolog.Logger, transports ...Transport) *Chain {
	if policy.Timeout <= 0 {
		policy.Timeout = 10 * time.Second
	}
	if policy.Retries < 0 {
		policy.Retries = 0
	}
	return &Chain{
		transports: transports,
		policy:     policy,
		logger:     logger.With().Str("component", "blob_chain").Logger(),
	}
}

// Len reports how many transports are configured.
func (c *Chain) Len() int {
	return len(c.transports)
}

// Get fetches ref. ErrNotFound is returned only when every transport reports
// the content missing; otherwise the last transport error is returned.
func (c *Chain) Get(ctx context.Context, ref string) ([]byte, error) {
	if len(c.transports) == 0 {
		return nil, errors.New("blob: no transports configured")
	}

	var lastErr error
	notFound := 0
	for _, t := range c.transports {
		data, err := c.tryTransport(ctx, t, ref)
		if err == nil {
			return data, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, ErrNotFound) {
			notFound++
		} else {
			c.logger.Debug().Err(err).Str("transport", t.Name).Str("ref", ref).Msg("blob transport failed")
		}
		lastErr = err
	}

	if notFound == len(c.transports) {
		return nil, fmt.Errorf("blob %s: %w", ref, ErrNotFound)
	}
	return nil, fmt.Errorf("blob %s: %w", ref, lastErr)
}

func (c *Chain) tryTransport(ctx context.Context, t Transport, ref string) ([]byte, error) {
	var err error
	for attempt := 0; attempt <= c.policy.Retries; attempt++ {
		if attempt > 0 && c.policy.Backoff > 0 {
			timer := time.NewTimer(c.policy.Backoff * time.Duration(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		var data []byte
		data, err = c.attempt(ctx, t, ref)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s: %w", t.Name, err)
}

func (c *Chain) attempt(ctx context.Context, t Transport, ref string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
	defer cancel()
	return t.Getter.Get(attemptCtx, ref)
}

var _ Getter = (*Chain)(nil)
