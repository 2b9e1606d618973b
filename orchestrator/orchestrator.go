package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/op-suite-runner/eventbus"
	"github.com/ethereum-optimism/op-suite-runner/types"
)

var (
	// ErrExecutionTimeout is recorded on sub-suites still pending when the execution deadline fires.
	ErrExecutionTimeout = errors.New("execution deadline exceeded")
	// ErrExecutionCancelled is recorded on sub-suites still pending when the caller aborts the execution.
	ErrExecutionCancelled = errors.New("execution cancelled")
	// ErrAborted is recorded on sub-suites aborted because a sibling failed under fail-fast.
	ErrAborted = errors.New("aborted after sibling failure")
)

// Allocator provisions and releases environments for sub-suites.
type Allocator interface {
	Allocate(ctx context.Context, spec types.SubSuiteSpec, timeout time.Duration) (types.EnvironmentDescriptor, error)
	Release(ctx context.Context, env types.EnvironmentDescriptor) error
}

// Orchestrator runs execution requests. Every call to Run owns its own trackers, so
// concurrent executions share nothing but the event channel and the allocator.
type Orchestrator struct {
	cfg       Config
	channel   eventbus.Channel
	allocator Allocator
	log       log.Logger
	tracer    trace.Tracer
}

func New(cfg Config, channel eventbus.Channel, allocator Allocator) (*Orchestrator, error) {
	if channel == nil {
		return nil, errors.New("event channel is required")
	}
	if allocator == nil {
		return nil, errors.New("allocator is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	cfg.Log.Debug("New orchestrator", "execution_timeout", cfg.ExecutionTimeout, "sub_suite_timeout", cfg.SubSuiteTimeout,
		"allocation_timeout", cfg.AllocationTimeout, "max_concurrent", cfg.MaxConcurrentSubSuites, "fail_fast", cfg.FailFast)

	return &Orchestrator{
		cfg:       cfg,
		channel:   channel,
		allocator: allocator,
		log:       cfg.Log,
		tracer:    cfg.TracerProvider.Tracer("suite orchestrator"),
	}, nil
}

// Run executes one request and returns its verdict. Sub-suite failures only ever show up in
// the verdict. An error is returned for an invalid request (with a nil verdict), for a
// subscription that cannot be established, and when the verdict could not be published; in
// the last case the verdict is returned as well.
func (o *Orchestrator) Run(ctx context.Context, req *types.ExecutionRequest) (*types.Verdict, error) {
	specs, err := types.Partition(req, o.cfg.Partition)
	if err != nil {
		return nil, err
	}
	return newExecution(o, req, specs).run(ctx)
}
