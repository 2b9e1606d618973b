package suiterunner

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum-optimism/optimism/op-service/retry"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/op-suite-runner/envclient"
	"github.com/ethereum-optimism/op-suite-runner/eventbus"
	"github.com/ethereum-optimism/op-suite-runner/orchestrator"
	"github.com/ethereum-optimism/op-suite-runner/service"
	"github.com/ethereum-optimism/op-suite-runner/types"
)

var _ service.Executor = (*Executor)(nil)

// Executor resolves and runs execution requests against the configured orchestrator.
type Executor struct {
	orchestrator *orchestrator.Orchestrator
	resolver     *RequestResolver
	log          log.Logger
}

// NewExecutor wires an orchestrator to the event channel and an environment client for the
// given provider.
func NewExecutor(cfg *Config, channel eventbus.Channel, provider envclient.Provider) (*Executor, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}

	client := envclient.New(provider, envclient.Config{
		MaxAttempts: cfg.AllocationMaxAttempts,
		Backoff: &retry.ExponentialStrategy{
			Min:       cfg.AllocationBackoffMin,
			Max:       cfg.AllocationBackoffMax,
			MaxJitter: cfg.AllocationBackoffMin / 2,
		},
		Log: cfg.Log,
	})

	orch, err := orchestrator.New(orchestrator.Config{
		ExecutionTimeout:       cfg.ExecutionTimeout,
		SubSuiteTimeout:        cfg.SubSuiteTimeout,
		AllocationTimeout:      cfg.AllocationTimeout,
		MaxConcurrentSubSuites: cfg.MaxConcurrentSubSuites,
		FailFast:               cfg.FailFast,
		Partition:              types.PartitionOptions{MaxRecipesPerSubSuite: cfg.MaxRecipesPerSubSuite},
		Log:                    cfg.Log,
	}, channel, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	return &Executor{
		orchestrator: orch,
		resolver:     NewRequestResolver(nil, cfg.Log),
		log:          cfg.Log,
	}, nil
}

// Resolve implements service.Executor.
func (e *Executor) Resolve(ctx context.Context, req *types.ExecutionRequest) error {
	return e.resolver.Resolve(ctx, req)
}

// Execute implements service.Executor. Remote batches are fetched first if the request still
// references them.
func (e *Executor) Execute(ctx context.Context, req *types.ExecutionRequest) (*types.Verdict, error) {
	if req.BatchesURI != "" {
		if err := e.Resolve(ctx, req); err != nil {
			return nil, err
		}
	}
	e.log.Info("Running execution", "correlation_id", req.CorrelationID, "suites", len(req.Batches))
	return e.orchestrator.Run(ctx, req)
}
