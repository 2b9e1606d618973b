package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"

	suiterunner "github.com/ethereum-optimism/op-suite-runner"
	"github.com/ethereum-optimism/op-suite-runner/eventbus"
	"github.com/ethereum-optimism/op-suite-runner/exitcodes"
	"github.com/ethereum-optimism/op-suite-runner/flags"
	"github.com/ethereum-optimism/op-suite-runner/loglistener"
	"github.com/ethereum-optimism/op-suite-runner/service"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	svc := service.New(log.Root())

	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "op-suite-runner"
	app.Usage = "Distributed Test Suite Runner"
	app.Description = "op-suite-runner partitions test suites into sub-suites, runs them in provisioned environments and publishes one verdict per execution"
	app.Flags = cliapp.ProtectFlags(flags.Flags)
	app.Action = cliapp.LifecycleCmd(func(ctx *cli.Context, closeApp context.CancelCauseFunc) (cliapp.Lifecycle, error) {
		return run(ctx, closeApp, svc.Healthz)
	})
	app.Commands = []*cli.Command{
		{
			Name:        "log-listener",
			Usage:       "Classify raw sub-suite logs into activity events",
			Description: "Runs the log listener on its own, independent of any execution",
			Flags:       cliapp.ProtectFlags(flags.ListenerFlags),
			Action: cliapp.LifecycleCmd(func(ctx *cli.Context, closeApp context.CancelCauseFunc) (cliapp.Lifecycle, error) {
				return runListener(ctx, closeApp, svc.Healthz)
			}),
		},
	}
	app.ExitErrHandler = exitErrHandler

	// Start telemetry
	ctx, shutdown, err := telemetry.SetupOpenTelemetry(
		context.Background(),
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Crit("Failed to setup open telemetry", "message", err)
	}
	defer shutdown()

	// Start server
	svc.Start(ctx)
	defer svc.Shutdown()

	// Start CLI
	ctx = ctxinterrupt.WithSignalWaiterMain(ctx)
	err = app.RunContext(ctx, os.Args)
	if err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	var exitErr cli.ExitCoder
	switch {
	case errors.As(err, &exitErr):
		cli.HandleExitCoder(exitErr)
	case suiterunner.IsRuntimeError(err):
		cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.RuntimeErr))
	case suiterunner.IsExecutionFailureError(err):
		cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.ExecutionFailure))
	default:
		// For other unspecified errors, default to exit code 1
		cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.ExecutionFailure))
	}
}

func setupLogging(ctx *cli.Context) log.Logger {
	logCfg := oplog.ReadCLIConfig(ctx)
	logger := oplog.NewLogger(oplog.AppOut(ctx), logCfg)
	oplog.SetGlobalLogHandler(logger.Handler())
	oplog.SetupDefaults()
	return logger
}

func run(ctx *cli.Context, closeApp context.CancelCauseFunc, healthz *service.HealthzServer) (cliapp.Lifecycle, error) {
	logger := setupLogging(ctx)

	cfg, err := suiterunner.NewConfig(ctx, logger)
	if err != nil {
		// Wrap in RuntimeError to signal this should exit with code 2
		return nil, suiterunner.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}
	cfg.Log.Debug("Config", "config", cfg)

	runner, err := suiterunner.New(ctx.Context, cfg, Version, closeApp)
	if err != nil {
		return nil, suiterunner.NewRuntimeError(fmt.Errorf("failed to create suite runner: %w", err))
	}
	healthz.AddCheck("event-channel", runner.CheckEventChannel)
	return runner, nil
}

func runListener(ctx *cli.Context, _ context.CancelCauseFunc, healthz *service.HealthzServer) (cliapp.Lifecycle, error) {
	logger := setupLogging(ctx)

	cfg, err := suiterunner.NewListenerConfig(ctx, logger)
	if err != nil {
		return nil, suiterunner.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}
	channel, err := suiterunner.NewEventChannel(ctx.Context, cfg.RedisURL, cfg.EventPrefix, logger)
	if err != nil {
		return nil, suiterunner.NewRuntimeError(fmt.Errorf("failed to connect event channel: %w", err))
	}
	listener, err := suiterunner.NewLogListener(*cfg, channel)
	if err != nil {
		_ = channel.Close()
		return nil, suiterunner.NewRuntimeError(fmt.Errorf("failed to create log listener: %w", err))
	}
	healthz.AddCheck("event-channel", func(ctx context.Context) error {
		return eventbus.Ping(ctx, channel)
	})
	return &listenerService{Listener: listener, channel: channel}, nil
}

// listenerService closes the event channel once the listener has stopped.
type listenerService struct {
	*loglistener.Listener
	channel eventbus.Channel
}

func (l *listenerService) Stop(ctx context.Context) error {
	return errors.Join(l.Listener.Stop(ctx), l.channel.Close())
}
