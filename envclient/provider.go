package envclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum-optimism/op-suite-runner/types"
)

var (
	// ErrInvalidSpecification is a terminal provisioning failure: retrying cannot succeed.
	ErrInvalidSpecification = errors.New("invalid environment specification")
	// ErrResourcesExhausted is a transient provisioning failure.
	ErrResourcesExhausted = errors.New("environment resources exhausted")
)

// TicketState is the provider-side state of an allocation request.
type TicketState string

const (
	TicketPending TicketState = "PENDING"
	TicketReady   TicketState = "READY"
	TicketFailed  TicketState = "FAILED"
)

// TicketStatus is the answer to a status poll.
type TicketStatus struct {
	State       TicketState                  `json:"status"`
	Environment *types.EnvironmentDescriptor `json:"environment,omitempty"`
	Error       string                       `json:"error,omitempty"`
	Retryable   bool                         `json:"retryable,omitempty"`
}

// Provider is the request/poll interface of an environment provider. Errors wrapping
// ErrInvalidSpecification are terminal, every other error is treated as transient.
type Provider interface {
	Request(ctx context.Context, spec types.SubSuiteSpec) (ticket string, err error)
	Status(ctx context.Context, ticket string) (TicketStatus, error)
	Release(ctx context.Context, env types.EnvironmentDescriptor) error
}

// ProvisioningError is returned when no environment could be allocated for a sub-suite.
type ProvisioningError struct {
	SubSuiteID string
	Retryable  bool
	Attempts   int
	Err        error
}

func (e *ProvisioningError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("provisioning environment for %s failed (%s, %d attempts): %v", e.SubSuiteID, kind, e.Attempts, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// IsProvisioningError checks if the error is or wraps a ProvisioningError
func IsProvisioningError(err error) bool {
	var provErr *ProvisioningError
	return err != nil && errors.As(err, &provErr)
}

func isRetryable(err error) bool {
	return !errors.Is(err, ErrInvalidSpecification)
}
