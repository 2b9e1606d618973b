package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/op-suite-runner/types"
)

const (
	DefaultExecutionTimeout = 24 * time.Hour
	DefaultSubSuiteTimeout  = 12 * time.Hour
	DefaultCleanupTimeout   = 30 * time.Second
	DefaultPublishTimeout   = time.Minute
)

// Config holds the concurrency and timeout policy of an orchestrator.
type Config struct {
	// ExecutionTimeout is the execution-wide deadline.
	ExecutionTimeout time.Duration
	// SubSuiteTimeout bounds a sub-suite once it has left the requested state. 0 disables it.
	SubSuiteTimeout time.Duration
	// AllocationTimeout bounds the wait for an environment. 0 uses SubSuiteTimeout.
	AllocationTimeout time.Duration
	// MaxConcurrentSubSuites caps sub-suites holding an environment at once. 0 means unlimited.
	MaxConcurrentSubSuites int
	// FailFast aborts the remaining sub-suites as soon as one ends without success.
	FailFast bool
	Partition types.PartitionOptions
	// CleanupTimeout bounds each best-effort cancel request and environment release.
	CleanupTimeout time.Duration
	// PublishTimeout bounds publishing the verdict.
	PublishTimeout time.Duration
	// TracerProvider creates the execution and sub-suite spans. nil uses the global provider.
	TracerProvider trace.TracerProvider
	Log            log.Logger
}

func (c *Config) setDefaults() {
	if c.ExecutionTimeout == 0 {
		c.ExecutionTimeout = DefaultExecutionTimeout
	}
	if c.AllocationTimeout == 0 {
		c.AllocationTimeout = c.SubSuiteTimeout
	}
	if c.CleanupTimeout == 0 {
		c.CleanupTimeout = DefaultCleanupTimeout
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.TracerProvider == nil {
		c.TracerProvider = otel.GetTracerProvider()
	}
	if c.Log == nil {
		c.Log = log.New()
		c.Log.Error("No logger provided, using default")
	}
}

// Validate checks the timeout and concurrency policy for consistency.
func (c *Config) Validate() error {
	var errs []error
	if c.ExecutionTimeout < 0 {
		errs = append(errs, fmt.Errorf("execution timeout must be positive, got %s", c.ExecutionTimeout))
	}
	if c.SubSuiteTimeout < 0 {
		errs = append(errs, fmt.Errorf("sub-suite timeout cannot be negative, got %s", c.SubSuiteTimeout))
	}
	if c.ExecutionTimeout > 0 && c.SubSuiteTimeout > c.ExecutionTimeout {
		errs = append(errs, fmt.Errorf("sub-suite timeout %s exceeds execution timeout %s", c.SubSuiteTimeout, c.ExecutionTimeout))
	}
	if c.AllocationTimeout < 0 {
		errs = append(errs, fmt.Errorf("allocation timeout cannot be negative, got %s", c.AllocationTimeout))
	}
	if c.MaxConcurrentSubSuites < 0 {
		errs = append(errs, fmt.Errorf("max concurrent sub-suites cannot be negative, got %d", c.MaxConcurrentSubSuites))
	}
	if c.Partition.MaxRecipesPerSubSuite < 0 {
		errs = append(errs, fmt.Errorf("max recipes per sub-suite cannot be negative, got %d", c.Partition.MaxRecipesPerSubSuite))
	}
	return errors.Join(errs...)
}
