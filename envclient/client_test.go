package envclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/retry"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/op-suite-runner/types"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Request(ctx context.Context, spec types.SubSuiteSpec) (string, error) {
	args := m.Called(ctx, spec)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) Status(ctx context.Context, ticket string) (TicketStatus, error) {
	args := m.Called(ctx, ticket)
	return args.Get(0).(TicketStatus), args.Error(1)
}

func (m *mockProvider) Release(ctx context.Context, env types.EnvironmentDescriptor) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

var testSpec = types.SubSuiteSpec{ID: "smoke_SubSuite_0", CorrelationID: "exec-1", Suite: "smoke"}

func newTestClient(p Provider, attempts int) *Client {
	return New(p, Config{
		MaxAttempts: attempts,
		Backoff:     retry.Fixed(time.Millisecond),
		Log:         log.NewLogger(log.DiscardHandler()),
	})
}

func pending() TicketStatus { return TicketStatus{State: TicketPending} }

func ready(id string) TicketStatus {
	return TicketStatus{State: TicketReady, Environment: &types.EnvironmentDescriptor{ID: id}}
}

func TestClient_AllocatePollsUntilReady(t *testing.T) {
	p := new(mockProvider)
	p.On("Request", mock.Anything, testSpec).Return("ticket-1", nil).Once()
	p.On("Status", mock.Anything, "ticket-1").Return(pending(), nil).Twice()
	p.On("Status", mock.Anything, "ticket-1").Return(ready("env-1"), nil).Once()

	env, err := newTestClient(p, 3).Allocate(context.Background(), testSpec, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "env-1", env.ID)
	p.AssertExpectations(t)
}

func TestClient_TerminalFailureIsNotRetried(t *testing.T) {
	t.Run("rejected request", func(t *testing.T) {
		p := new(mockProvider)
		p.On("Request", mock.Anything, testSpec).Return("", ErrInvalidSpecification).Once()

		_, err := newTestClient(p, 5).Allocate(context.Background(), testSpec, time.Second)
		var provErr *ProvisioningError
		require.ErrorAs(t, err, &provErr)
		assert.False(t, provErr.Retryable)
		assert.Equal(t, 1, provErr.Attempts)
		assert.Equal(t, testSpec.ID, provErr.SubSuiteID)
		assert.ErrorIs(t, err, ErrInvalidSpecification)
		p.AssertNumberOfCalls(t, "Request", 1)
	})

	t.Run("failed ticket", func(t *testing.T) {
		p := new(mockProvider)
		p.On("Request", mock.Anything, testSpec).Return("ticket-1", nil).Once()
		p.On("Status", mock.Anything, "ticket-1").Return(TicketStatus{State: TicketFailed, Error: "unknown image"}, nil).Once()

		_, err := newTestClient(p, 5).Allocate(context.Background(), testSpec, time.Second)
		assert.ErrorIs(t, err, ErrInvalidSpecification)
		assert.Contains(t, err.Error(), "unknown image")
		p.AssertNumberOfCalls(t, "Request", 1)
	})
}

func TestClient_RetryableFailureIsRetried(t *testing.T) {
	p := new(mockProvider)
	p.On("Request", mock.Anything, testSpec).Return("", ErrResourcesExhausted).Once()
	p.On("Request", mock.Anything, testSpec).Return("ticket-2", nil).Once()
	p.On("Status", mock.Anything, "ticket-2").Return(TicketStatus{State: TicketFailed, Retryable: true, Error: "no capacity"}, nil).Once()
	p.On("Request", mock.Anything, testSpec).Return("ticket-3", nil).Once()
	p.On("Status", mock.Anything, "ticket-3").Return(ready("env-3"), nil).Once()

	env, err := newTestClient(p, 3).Allocate(context.Background(), testSpec, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "env-3", env.ID)
	p.AssertNumberOfCalls(t, "Request", 3)
}

func TestClient_RetryCap(t *testing.T) {
	p := new(mockProvider)
	p.On("Request", mock.Anything, testSpec).Return("", ErrResourcesExhausted)

	_, err := newTestClient(p, 4).Allocate(context.Background(), testSpec, time.Second)
	var provErr *ProvisioningError
	require.ErrorAs(t, err, &provErr)
	assert.True(t, provErr.Retryable)
	assert.Equal(t, 4, provErr.Attempts)
	assert.ErrorIs(t, err, ErrResourcesExhausted)
	p.AssertNumberOfCalls(t, "Request", 4)
}

func TestClient_StatusErrorsAreTolerated(t *testing.T) {
	p := new(mockProvider)
	p.On("Request", mock.Anything, testSpec).Return("ticket-1", nil).Once()
	p.On("Status", mock.Anything, "ticket-1").Return(TicketStatus{}, errors.New("connection reset")).Twice()
	p.On("Status", mock.Anything, "ticket-1").Return(ready("env-1"), nil).Once()

	env, err := newTestClient(p, 1).Allocate(context.Background(), testSpec, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "env-1", env.ID)
}

func TestClient_AllocationTimeout(t *testing.T) {
	p := new(mockProvider)
	p.On("Request", mock.Anything, testSpec).Return("ticket-1", nil)
	p.On("Status", mock.Anything, "ticket-1").Return(pending(), nil)

	start := time.Now()
	_, err := newTestClient(p, 3).Allocate(context.Background(), testSpec, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsProvisioningError(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_Release(t *testing.T) {
	env := types.EnvironmentDescriptor{ID: "env-1"}
	p := new(mockProvider)
	p.On("Release", mock.Anything, env).Return(nil).Once()
	require.NoError(t, newTestClient(p, 1).Release(context.Background(), env))

	failing := new(mockProvider)
	failing.On("Release", mock.Anything, env).Return(errors.New("gone")).Once()
	require.Error(t, newTestClient(failing, 1).Release(context.Background(), env))
}
