package suiterunner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/google/uuid"

	"github.com/ethereum-optimism/op-suite-runner/envclient"
	"github.com/ethereum-optimism/op-suite-runner/eventbus"
	"github.com/ethereum-optimism/op-suite-runner/exitcodes"
	"github.com/ethereum-optimism/op-suite-runner/loglistener"
	"github.com/ethereum-optimism/op-suite-runner/service"
	"github.com/ethereum-optimism/op-suite-runner/types"
)

var _ cliapp.Lifecycle = &suiteRunner{}

// suiteRunner runs execution requests in one of three modes: once from a request file, the
// same file periodically, or on demand through the submission API.
type suiteRunner struct {
	config    *Config
	version   string
	channel   eventbus.Channel
	executor  *Executor
	formatter VerdictFormatter
	scheduler *ExecutionScheduler
	api       *service.APIServer
	listener  *loglistener.Listener
	request   *types.ExecutionRequest

	verdict atomic.Pointer[types.Verdict]

	running atomic.Bool
	cancel  context.CancelFunc

	shutdownCallback func(error) // Callback to signal application shutdown
}

// New wires the suite runner from its configuration. The event channel is owned by the
// returned service and closed on Stop.
func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*suiteRunner, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Creating suite runner with config",
		"requestFile", config.RequestFile,
		"runInterval", config.RunInterval,
		"runOnce", config.RunOnce,
		"serve", config.Serve(),
		"failFast", config.FailFast)

	channel, err := NewEventChannel(ctx, config.RedisURL, config.EventPrefix, config.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect event channel: %w", err)
	}
	provider, err := envclient.NewHTTPProvider(config.EnvironmentProviderURL, nil)
	if err != nil {
		_ = channel.Close()
		return nil, fmt.Errorf("failed to create environment provider: %w", err)
	}
	return newSuiteRunner(config, version, channel, provider, shutdownCallback)
}

func newSuiteRunner(config *Config, version string, channel eventbus.Channel, provider envclient.Provider, shutdownCallback func(error)) (*suiteRunner, error) {
	executor, err := NewExecutor(config, channel, provider)
	if err != nil {
		return nil, err
	}

	s := &suiteRunner{
		config:           config,
		version:          version,
		channel:          channel,
		executor:         executor,
		formatter:        NewConsoleVerdictFormatter(config.Log, nil),
		shutdownCallback: shutdownCallback,
	}

	if config.Serve() {
		s.api, err = service.NewAPIServer(executor, 0, config.Log)
		if err != nil {
			return nil, err
		}
	} else {
		s.request, err = LoadRequest(config.RequestFile)
		if err != nil {
			return nil, err
		}
		if err := s.request.ValidateSource(); err != nil {
			return nil, err
		}
		s.scheduler = NewExecutionScheduler(config.RunInterval, config.RunOnce, config.Log)
		s.scheduler.RegisterCallback(s.runExecution)
	}

	if config.InProcessLogListener {
		s.listener, err = NewLogListener(config.Listener, channel)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// CheckEventChannel reports whether the event channel's transport is reachable.
func (s *suiteRunner) CheckEventChannel(ctx context.Context) error {
	return eventbus.Ping(ctx, s.channel)
}

// NewLogListener creates a log listener on channel from its configuration.
func NewLogListener(cfg ListenerConfig, channel eventbus.Channel) (*loglistener.Listener, error) {
	patterns := loglistener.DefaultPatterns()
	if cfg.PatternsFile != "" {
		var err error
		patterns, err = loglistener.LoadPatterns(cfg.PatternsFile)
		if err != nil {
			return nil, err
		}
	}
	classifier, err := loglistener.NewClassifier(patterns)
	if err != nil {
		return nil, fmt.Errorf("invalid log patterns: %w", err)
	}
	return loglistener.New(loglistener.Config{
		Channel:    channel,
		Classifier: classifier,
		BufferSize: cfg.BufferSize,
		Log:        cfg.Log,
	})
}

// Start implements the cliapp.Lifecycle interface.
func (s *suiteRunner) Start(ctx context.Context) error {
	// Set up panic recovery to ensure we exit with code 2 for runtime errors
	defer func() {
		if r := recover(); r != nil {
			s.config.Log.Error("Runtime error occurred", "error", r)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	s.running.Store(true)

	if s.listener != nil {
		if err := s.listener.Start(ctx); err != nil {
			return NewRuntimeError(fmt.Errorf("failed to start log listener: %w", err))
		}
	}

	switch {
	case s.config.Serve():
		s.config.Log.Info("Starting op-suite-runner in serve mode", "addr", s.config.APIAddr, "version", s.version)
		go func() {
			if err := s.api.Start(s.config.APIAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.config.Log.Error("API server failed", "err", err)
				s.shutdownCallback(NewRuntimeError(err))
			}
		}()
		return nil

	case s.config.RunOnce:
		s.config.Log.Info("Starting op-suite-runner in run-once mode", "version", s.version)
		if err := s.scheduler.Start(ctx); err != nil {
			return err
		}
		verdict := s.verdict.Load()
		if verdict == nil {
			return NewRuntimeError(errors.New("execution finished without a verdict"))
		}
		if !verdict.Success() {
			s.config.Log.Warn("Run-once execution did not succeed, returning exit code 1")
			return NewExecutionFailureError(verdict.CorrelationID, verdict.Description)
		}
		go func() {
			s.shutdownCallback(nil)
		}()
		return nil

	default:
		s.config.Log.Info("Starting op-suite-runner in continuous mode", "interval", s.config.RunInterval, "version", s.version)
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.cancel = cancel
		return s.scheduler.Start(runCtx)
	}
}

// runExecution runs one execution of the request file and prints its verdict.
func (s *suiteRunner) runExecution(ctx context.Context) error {
	req := *s.request
	if req.CorrelationID == "" || !s.config.RunOnce {
		req.CorrelationID = uuid.New().String()
	}

	if err := s.executor.Resolve(ctx, &req); err != nil {
		return NewRuntimeError(fmt.Errorf("execution request rejected: %w", err))
	}
	verdict, err := s.executor.Execute(ctx, &req)
	if verdict != nil {
		s.verdict.Store(verdict)
		if ferr := s.formatter.FormatVerdict(verdict); ferr != nil {
			s.config.Log.Error("Failed to print verdict", "err", ferr)
		}
		s.config.Log.Info("Execution completed", "correlation_id", verdict.CorrelationID,
			"verdict", verdict.Label, "outcome", verdict.Outcome, "duration", verdict.Duration())
	}
	if err != nil {
		return NewRuntimeError(err)
	}
	return nil
}

// Stop implements the cliapp.Lifecycle interface.
func (s *suiteRunner) Stop(ctx context.Context) error {
	s.config.Log.Info("Stopping op-suite-runner")
	if !s.running.CompareAndSwap(true, false) {
		s.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}

	var errs []error
	if s.scheduler != nil {
		errs = append(errs, s.scheduler.Stop())
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.api != nil {
		errs = append(errs, s.api.Shutdown(ctx))
	}
	if s.scheduler != nil {
		errs = append(errs, s.scheduler.WaitForShutdown(ctx))
	}
	if s.listener != nil {
		errs = append(errs, s.listener.Stop(ctx))
	}
	errs = append(errs, s.channel.Close())

	s.config.Log.Info("op-suite-runner stopped")
	return errors.Join(errs...)
}

// Stopped implements the cliapp.Lifecycle interface.
func (s *suiteRunner) Stopped() bool {
	return !s.running.Load()
}

// LastVerdict returns the verdict of the most recent execution of the request file.
func (s *suiteRunner) LastVerdict() *types.Verdict {
	return s.verdict.Load()
}
