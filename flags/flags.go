package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const EnvVarPrefix = "OP_SUITE_RUNNER"

var (
	EnvironmentProviderURL = &cli.StringFlag{
		Name:    "environment-provider-url",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ENVIRONMENT_PROVIDER_URL"),
		Usage:   "Base URL of the environment provider HTTP API",
	}
	Request = &cli.StringFlag{
		Name:    "request",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "REQUEST"),
		Usage:   "Path to an execution request file (YAML or JSON). Without it the submission API is served.",
	}
	ExecutionTimeout = &cli.DurationFlag{
		Name:    "execution-timeout",
		Value:   24 * time.Hour,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "EXECUTION_TIMEOUT"),
		Usage:   "Execution-wide deadline after which stragglers are marked timed out",
		Action:  positiveDuration("execution-timeout"),
	}
	SubSuiteTimeout = &cli.DurationFlag{
		Name:    "sub-suite-timeout",
		Value:   12 * time.Hour,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SUB_SUITE_TIMEOUT"),
		Usage:   "Per sub-suite timeout, must not exceed the execution timeout",
		Action:  positiveDuration("sub-suite-timeout"),
	}
	AllocationTimeout = &cli.DurationFlag{
		Name:    "allocation-timeout",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ALLOCATION_TIMEOUT"),
		Usage:   "Bounded wait for an environment allocation. 0 uses the sub-suite timeout.",
	}
	AllocationMaxAttempts = &cli.IntFlag{
		Name:    "allocation-max-attempts",
		Value:   3,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ALLOCATION_MAX_ATTEMPTS"),
		Usage:   "Attempt cap for retryable provisioning failures",
		Action:  atLeastOne("allocation-max-attempts"),
	}
	AllocationBackoffMin = &cli.DurationFlag{
		Name:    "allocation-backoff-min",
		Value:   500 * time.Millisecond,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ALLOCATION_BACKOFF_MIN"),
		Usage:   "Minimum backoff between allocation polls and attempts",
	}
	AllocationBackoffMax = &cli.DurationFlag{
		Name:    "allocation-backoff-max",
		Value:   10 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ALLOCATION_BACKOFF_MAX"),
		Usage:   "Maximum backoff between allocation polls and attempts",
	}
	MaxConcurrentSubSuites = &cli.IntFlag{
		Name:    "max-concurrent-sub-suites",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MAX_CONCURRENT_SUB_SUITES"),
		Usage:   "Maximum sub-suites allocated or running at once per execution. 0 means unlimited.",
	}
	MaxRecipesPerSubSuite = &cli.IntFlag{
		Name:    "max-recipes-per-sub-suite",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MAX_RECIPES_PER_SUB_SUITE"),
		Usage:   "Split suites into sub-suites of at most this many recipes. 0 means one sub-suite per test runner.",
	}
	FailFast = &cli.BoolFlag{
		Name:    "fail-fast",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FAIL_FAST"),
		Usage:   "Abort the remaining sub-suites as soon as one ends without success",
	}
	RedisURL = &cli.StringFlag{
		Name:    "redis-url",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "REDIS_URL"),
		Usage:   "Redis URL of the event channel. Without it an in-process channel is used.",
	}
	EventPrefix = &cli.StringFlag{
		Name:    "event-prefix",
		Value:   "suite-runner",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "EVENT_PREFIX"),
		Usage:   "Prefix of the event channel names",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_INTERVAL"),
		Usage:   "Interval between executions of --request (e.g. '1h', '30m'). Set to 0 or omit for run-once mode.",
	}
	APIAddr = &cli.StringFlag{
		Name:    "api-addr",
		Value:   "0.0.0.0:8090",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "API_ADDR"),
		Usage:   "Listen address of the submission API",
	}
	InProcessLogListener = &cli.BoolFlag{
		Name:    "in-process-log-listener",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "IN_PROCESS_LOG_LISTENER"),
		Usage:   "Run the log listener inside the suite runner process",
	}
	LogPatterns = &cli.StringFlag{
		Name:    "log-patterns",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOG_PATTERNS"),
		Usage:   "Path to a TOML file of log classification patterns. Built-in patterns are used when empty.",
	}
	LogBufferSize = &cli.IntFlag{
		Name:    "log-buffer-size",
		Value:   10000,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOG_BUFFER_SIZE"),
		Usage:   "Raw log records buffered by the log listener before the oldest are dropped",
		Action:  atLeastOne("log-buffer-size"),
	}
)

var requiredFlags = []cli.Flag{
	EnvironmentProviderURL,
}

var optionalFlags = []cli.Flag{
	Request,
	ExecutionTimeout,
	SubSuiteTimeout,
	AllocationTimeout,
	AllocationMaxAttempts,
	AllocationBackoffMin,
	AllocationBackoffMax,
	MaxConcurrentSubSuites,
	MaxRecipesPerSubSuite,
	FailFast,
	RedisURL,
	EventPrefix,
	RunInterval,
	APIAddr,
	InProcessLogListener,
	LogPatterns,
	LogBufferSize,
}

// Flags are the flags of the suite runner. The log-listener command only reads the event
// channel and log listener flags.
var Flags []cli.Flag

// ListenerFlags are the flags of the log-listener command.
var ListenerFlags = []cli.Flag{
	RedisURL,
	EventPrefix,
	LogPatterns,
	LogBufferSize,
}

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
	ListenerFlags = append(ListenerFlags, oplog.CLIFlags(EnvVarPrefix)...)
}

// CheckRequired reports the first required flag that is not set. Required flags are not marked
// Required on the cli.Flag itself so that the log-listener command can run without them.
func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}

func positiveDuration(name string) func(*cli.Context, time.Duration) error {
	return func(_ *cli.Context, d time.Duration) error {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
		return nil
	}
}

func atLeastOne(name string) func(*cli.Context, int) error {
	return func(_ *cli.Context, v int) error {
		if v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, v)
		}
		return nil
	}
}
