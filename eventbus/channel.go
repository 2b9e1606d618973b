package eventbus

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ethereum-optimism/op-suite-runner/types"
)

// ErrClosed is returned when publishing to or subscribing on a closed channel.
var ErrClosed = errors.New("event channel closed")

// Predicate selects the events a subscription receives.
type Predicate func(types.Event) bool

// ByCorrelation matches events belonging to one execution.
func ByCorrelation(correlationID string) Predicate {
	return func(ev types.Event) bool {
		return ev.CorrelationID == correlationID
	}
}

// ByKinds matches events of any of the given kinds.
func ByKinds(kinds ...types.EventKind) Predicate {
	return func(ev types.Event) bool {
		return slices.Contains(kinds, ev.Kind)
	}
}

// And matches events accepted by every predicate.
func And(preds ...Predicate) Predicate {
	return func(ev types.Event) bool {
		for _, p := range preds {
			if p != nil && !p(ev) {
				return false
			}
		}
		return true
	}
}

// Subscription is a stream of events matching a predicate. The Events channel is closed when
// the subscription ends; Err then reports why, or nil if it was closed by its owner.
type Subscription interface {
	Events() <-chan types.Event
	Err() error
	Close() error
}

// Channel is the publish/subscribe transport used between the orchestrator, the test runners
// and the log listener. Delivery is at-least-once with no ordering across publishers.
type Channel interface {
	Publish(ctx context.Context, ev types.Event) error
	Subscribe(ctx context.Context, pred Predicate) (Subscription, error)
	Close() error
}

// Pinger is implemented by channels that can check their transport is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks the transport behind ch. Channels without a Pinger are assumed reachable.
func Ping(ctx context.Context, ch Channel) error {
	if p, ok := ch.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// TransportError reports that the event channel could not be used.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("event channel %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError checks if the error is or wraps a TransportError
func IsTransportError(err error) bool {
	var transportErr *TransportError
	return err != nil && errors.As(err, &transportErr)
}
