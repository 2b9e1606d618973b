package suiterunner

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/op-suite-runner/flags"
)

// Config holds the application configuration
type Config struct {
	EnvironmentProviderURL string
	RequestFile            string        // Execution request to run. Empty serves the submission API.
	RunInterval            time.Duration // Interval between executions of RequestFile
	RunOnce                bool          // Exit after one execution of RequestFile
	APIAddr                string

	ExecutionTimeout       time.Duration
	SubSuiteTimeout        time.Duration
	AllocationTimeout      time.Duration
	AllocationMaxAttempts  int
	AllocationBackoffMin   time.Duration
	AllocationBackoffMax   time.Duration
	MaxConcurrentSubSuites int
	MaxRecipesPerSubSuite  int
	FailFast               bool

	RedisURL    string // Empty selects the in-process event channel
	EventPrefix string

	InProcessLogListener bool
	Listener             ListenerConfig

	Log log.Logger
}

// ListenerConfig holds the log listener configuration, shared by the log-listener command and
// the in-process listener.
type ListenerConfig struct {
	RedisURL     string
	EventPrefix  string
	PatternsFile string
	BufferSize   int
	Log          log.Logger
}

// Serve reports whether the submission API is served instead of running a request file.
func (c *Config) Serve() bool {
	return c.RequestFile == ""
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	listener, err := NewListenerConfig(ctx, log)
	if err != nil {
		return nil, err
	}

	requestFile := ctx.String(flags.Request.Name)
	if requestFile != "" {
		requestFile, err = filepath.Abs(requestFile)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for request file '%s': %w", ctx.String(flags.Request.Name), err)
		}
	}
	runInterval := ctx.Duration(flags.RunInterval.Name)

	cfg := &Config{
		EnvironmentProviderURL: ctx.String(flags.EnvironmentProviderURL.Name),
		RequestFile:            requestFile,
		RunInterval:            runInterval,
		RunOnce:                requestFile != "" && runInterval == 0,
		APIAddr:                ctx.String(flags.APIAddr.Name),
		ExecutionTimeout:       ctx.Duration(flags.ExecutionTimeout.Name),
		SubSuiteTimeout:        ctx.Duration(flags.SubSuiteTimeout.Name),
		AllocationTimeout:      ctx.Duration(flags.AllocationTimeout.Name),
		AllocationMaxAttempts:  ctx.Int(flags.AllocationMaxAttempts.Name),
		AllocationBackoffMin:   ctx.Duration(flags.AllocationBackoffMin.Name),
		AllocationBackoffMax:   ctx.Duration(flags.AllocationBackoffMax.Name),
		MaxConcurrentSubSuites: ctx.Int(flags.MaxConcurrentSubSuites.Name),
		MaxRecipesPerSubSuite:  ctx.Int(flags.MaxRecipesPerSubSuite.Name),
		FailFast:               ctx.Bool(flags.FailFast.Name),
		RedisURL:               listener.RedisURL,
		EventPrefix:            listener.EventPrefix,
		InProcessLogListener:   ctx.Bool(flags.InProcessLogListener.Name),
		Listener:               *listener,
		Log:                    log,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewListenerConfig reads the log listener flags from cli context
func NewListenerConfig(ctx *cli.Context, log log.Logger) (*ListenerConfig, error) {
	patterns := ctx.String(flags.LogPatterns.Name)
	if patterns != "" {
		abs, err := filepath.Abs(patterns)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for log patterns '%s': %w", patterns, err)
		}
		patterns = abs
	}
	cfg := &ListenerConfig{
		RedisURL:     ctx.String(flags.RedisURL.Name),
		EventPrefix:  ctx.String(flags.EventPrefix.Name),
		PatternsFile: patterns,
		BufferSize:   ctx.Int(flags.LogBufferSize.Name),
		Log:          log,
	}
	if cfg.BufferSize < 1 {
		return nil, fmt.Errorf("log buffer size must be at least 1, got %d", cfg.BufferSize)
	}
	if cfg.EventPrefix == "" {
		return nil, errors.New("event prefix cannot be empty")
	}
	return cfg, nil
}

// Validate checks the timeout, retry and concurrency settings for consistency.
func (c *Config) Validate() error {
	var errs []error
	if c.EnvironmentProviderURL == "" {
		errs = append(errs, errors.New("environment provider url is required"))
	} else if u, err := url.Parse(c.EnvironmentProviderURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid environment provider url %q", c.EnvironmentProviderURL))
	}
	if c.ExecutionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("execution timeout must be positive, got %s", c.ExecutionTimeout))
	}
	if c.SubSuiteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sub-suite timeout must be positive, got %s", c.SubSuiteTimeout))
	} else if c.SubSuiteTimeout > c.ExecutionTimeout {
		errs = append(errs, fmt.Errorf("sub-suite timeout %s exceeds execution timeout %s", c.SubSuiteTimeout, c.ExecutionTimeout))
	}
	if c.AllocationTimeout < 0 {
		errs = append(errs, fmt.Errorf("allocation timeout cannot be negative, got %s", c.AllocationTimeout))
	}
	if c.AllocationMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("allocation max attempts must be at least 1, got %d", c.AllocationMaxAttempts))
	}
	if c.AllocationBackoffMin <= 0 || c.AllocationBackoffMax < c.AllocationBackoffMin {
		errs = append(errs, fmt.Errorf("invalid allocation backoff range [%s, %s]", c.AllocationBackoffMin, c.AllocationBackoffMax))
	}
	if c.MaxConcurrentSubSuites < 0 {
		errs = append(errs, fmt.Errorf("max concurrent sub-suites cannot be negative, got %d", c.MaxConcurrentSubSuites))
	}
	if c.MaxRecipesPerSubSuite < 0 {
		errs = append(errs, fmt.Errorf("max recipes per sub-suite cannot be negative, got %d", c.MaxRecipesPerSubSuite))
	}
	if c.RunInterval < 0 {
		errs = append(errs, fmt.Errorf("run interval cannot be negative, got %s", c.RunInterval))
	}
	if c.Serve() && c.APIAddr == "" {
		errs = append(errs, errors.New("api address is required when no request file is given"))
	}
	return errors.Join(errs...)
}
