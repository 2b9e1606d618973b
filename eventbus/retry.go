package eventbus

import (
	"context"

	"github.com/ethereum-optimism/optimism/op-service/retry"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/op-suite-runner/metrics"
	"github.com/ethereum-optimism/op-suite-runner/types"
)

const DefaultMaxAttempts = 5

// RetryingChannel retries publish and subscribe on the wrapped channel with backoff and
// reports a TransportError once the attempts are exhausted.
type RetryingChannel struct {
	inner       Channel
	maxAttempts int
	strategy    retry.Strategy
	log         log.Logger
}

// NewRetryingChannel wraps inner. A nil strategy uses exponential backoff.
func NewRetryingChannel(inner Channel, maxAttempts int, strategy retry.Strategy, logger log.Logger) *RetryingChannel {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if strategy == nil {
		strategy = retry.Exponential()
	}
	if logger == nil {
		logger = log.New()
	}
	return &RetryingChannel{
		inner:       inner,
		maxAttempts: maxAttempts,
		strategy:    strategy,
		log:         logger,
	}
}

// Ping checks the wrapped channel once, without retries.
func (c *RetryingChannel) Ping(ctx context.Context) error {
	return Ping(ctx, c.inner)
}

func (c *RetryingChannel) Publish(ctx context.Context, ev types.Event) error {
	attempt := 0
	err := retry.Do0(ctx, c.maxAttempts, c.strategy, func() error {
		attempt++
		err := c.inner.Publish(ctx, ev)
		if err != nil {
			c.log.Debug("Publish failed", "kind", ev.Kind, "attempt", attempt, "err", err)
		}
		return err
	})
	if err != nil {
		metrics.RecordErrorDetails("publish", err)
		return &TransportError{Op: "publish", Err: err}
	}
	return nil
}

func (c *RetryingChannel) Subscribe(ctx context.Context, pred Predicate) (Subscription, error) {
	attempt := 0
	sub, err := retry.Do(ctx, c.maxAttempts, c.strategy, func() (Subscription, error) {
		attempt++
		sub, err := c.inner.Subscribe(ctx, pred)
		if err != nil {
			c.log.Debug("Subscribe failed", "attempt", attempt, "err", err)
		}
		return sub, err
	})
	if err != nil {
		metrics.RecordErrorDetails("subscribe", err)
		return nil, &TransportError{Op: "subscribe", Err: err}
	}
	return sub, nil
}

func (c *RetryingChannel) Close() error {
	return c.inner.Close()
}
