package envclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/retry"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/op-suite-runner/metrics"
	"github.com/ethereum-optimism/op-suite-runner/types"
)

const (
	DefaultMaxAttempts      = 3
	maxConsecutivePollFails = 3
)

// Config configures a Client.
type Config struct {
	// MaxAttempts caps how many allocation requests are made for retryable failures.
	MaxAttempts int
	// Backoff spaces out both status polls and allocation retries.
	Backoff retry.Strategy
	Log     log.Logger
}

// Client turns the provider's request/poll protocol into a single blocking Allocate call.
type Client struct {
	provider    Provider
	maxAttempts int
	backoff     retry.Strategy
	log         log.Logger
}

func New(provider Provider, cfg Config) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff == nil {
		cfg.Backoff = &retry.ExponentialStrategy{Min: 500 * time.Millisecond, Max: 10 * time.Second, MaxJitter: 250 * time.Millisecond}
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	return &Client{
		provider:    provider,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		log:         cfg.Log.New("component", "environment-client"),
	}
}

// Allocate requests an environment for spec and waits for it, at most timeout (0 for no limit).
// Terminal failures return immediately; retryable ones are retried up to the attempt cap.
func (c *Client) Allocate(ctx context.Context, spec types.SubSuiteSpec, timeout time.Duration) (types.EnvironmentDescriptor, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	logger := c.log.New("sub_suite", spec.ID, "correlation_id", spec.CorrelationID)

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		attempts = attempt
		env, err := c.allocateOnce(ctx, spec, logger)
		if err == nil {
			logger.Info("Environment allocated", "environment", env.ID, "attempt", attempt)
			metrics.RecordAllocation("success", attempt)
			return env, nil
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			metrics.RecordAllocation("timeout", attempt)
			return types.EnvironmentDescriptor{}, &ProvisioningError{
				SubSuiteID: spec.ID,
				Retryable:  true,
				Attempts:   attempt,
				Err:        fmt.Errorf("allocation did not complete: %w", errors.Join(ctxErr, err)),
			}
		}
		if !isRetryable(err) {
			logger.Warn("Terminal provisioning failure", "attempt", attempt, "err", err)
			metrics.RecordAllocation("terminal_failure", attempt)
			return types.EnvironmentDescriptor{}, &ProvisioningError{
				SubSuiteID: spec.ID,
				Attempts:   attempt,
				Err:        err,
			}
		}

		logger.Warn("Retryable provisioning failure", "attempt", attempt, "max_attempts", c.maxAttempts, "err", err)
		if attempt < c.maxAttempts {
			if err := sleepContext(ctx, c.backoff.Duration(attempt-1)); err != nil {
				lastErr = errors.Join(err, lastErr)
				break
			}
		}
	}

	metrics.RecordAllocation("retryable_failure", attempts)
	return types.EnvironmentDescriptor{}, &ProvisioningError{
		SubSuiteID: spec.ID,
		Retryable:  true,
		Attempts:   attempts,
		Err:        lastErr,
	}
}

func (c *Client) allocateOnce(ctx context.Context, spec types.SubSuiteSpec, logger log.Logger) (types.EnvironmentDescriptor, error) {
	ticket, err := c.provider.Request(ctx, spec)
	if err != nil {
		return types.EnvironmentDescriptor{}, err
	}
	logger.Debug("Allocation requested", "ticket", ticket)

	pollFails := 0
	for poll := 0; ; poll++ {
		if err := sleepContext(ctx, c.backoff.Duration(poll)); err != nil {
			return types.EnvironmentDescriptor{}, err
		}

		status, err := c.provider.Status(ctx, ticket)
		if err != nil {
			if !isRetryable(err) {
				return types.EnvironmentDescriptor{}, err
			}
			pollFails++
			if pollFails >= maxConsecutivePollFails {
				return types.EnvironmentDescriptor{}, fmt.Errorf("polling ticket %s: %w", ticket, err)
			}
			logger.Debug("Status poll failed", "ticket", ticket, "err", err)
			continue
		}
		pollFails = 0

		switch status.State {
		case TicketReady:
			if status.Environment == nil {
				return types.EnvironmentDescriptor{}, fmt.Errorf("ticket %s is ready without an environment", ticket)
			}
			return *status.Environment, nil
		case TicketFailed:
			if status.Retryable {
				return types.EnvironmentDescriptor{}, fmt.Errorf("%w: %s", ErrResourcesExhausted, status.Error)
			}
			return types.EnvironmentDescriptor{}, fmt.Errorf("%w: %s", ErrInvalidSpecification, status.Error)
		case TicketPending:
		default:
			logger.Warn("Unknown ticket state", "ticket", ticket, "state", status.State)
		}
	}
}

// Release returns an environment to the provider. Failures are logged and returned but
// never affect a verdict.
func (c *Client) Release(ctx context.Context, env types.EnvironmentDescriptor) error {
	if err := c.provider.Release(ctx, env); err != nil {
		c.log.Warn("Failed to release environment", "environment", env.ID, "err", err)
		metrics.RecordErrorDetails("release", err)
		return err
	}
	c.log.Debug("Environment released", "environment", env.ID)
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
