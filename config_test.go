package suiterunner

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/op-suite-runner/flags"
)

func configFromArgs(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	var (
		cfg *Config
		err error
	)
	app := &cli.App{
		Flags: cliapp.ProtectFlags(flags.Flags),
		Action: func(ctx *cli.Context) error {
			cfg, err = NewConfig(ctx, log.NewLogger(log.DiscardHandler()))
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"op-suite-runner"}, args...)))
	return cfg, err
}

func TestNewConfig_Modes(t *testing.T) {
	t.Run("serve", func(t *testing.T) {
		cfg, err := configFromArgs(t, "--environment-provider-url", "http://provider:8080")
		require.NoError(t, err)
		assert.True(t, cfg.Serve())
		assert.False(t, cfg.RunOnce)
		assert.Equal(t, "0.0.0.0:8090", cfg.APIAddr)
	})

	t.Run("run once", func(t *testing.T) {
		cfg, err := configFromArgs(t, "--environment-provider-url", "http://provider:8080", "--request", "request.yaml")
		require.NoError(t, err)
		assert.False(t, cfg.Serve())
		assert.True(t, cfg.RunOnce)
		assert.True(t, filepath.IsAbs(cfg.RequestFile))
	})

	t.Run("periodic", func(t *testing.T) {
		cfg, err := configFromArgs(t, "--environment-provider-url", "http://provider:8080",
			"--request", "request.yaml", "--run-interval", "1h")
		require.NoError(t, err)
		assert.False(t, cfg.RunOnce)
		assert.Equal(t, time.Hour, cfg.RunInterval)
	})
}

func TestNewConfig_Values(t *testing.T) {
	cfg, err := configFromArgs(t,
		"--environment-provider-url", "http://provider:8080",
		"--execution-timeout", "2h",
		"--sub-suite-timeout", "30m",
		"--allocation-timeout", "5m",
		"--allocation-max-attempts", "5",
		"--max-concurrent-sub-suites", "4",
		"--max-recipes-per-sub-suite", "10",
		"--fail-fast",
		"--redis-url", "redis://localhost:6379/0",
		"--event-prefix", "etos",
		"--in-process-log-listener",
		"--log-patterns", "patterns.toml",
		"--log-buffer-size", "500",
	)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.ExecutionTimeout)
	assert.Equal(t, 30*time.Minute, cfg.SubSuiteTimeout)
	assert.Equal(t, 5*time.Minute, cfg.AllocationTimeout)
	assert.Equal(t, 5, cfg.AllocationMaxAttempts)
	assert.Equal(t, 4, cfg.MaxConcurrentSubSuites)
	assert.Equal(t, 10, cfg.MaxRecipesPerSubSuite)
	assert.True(t, cfg.FailFast)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, "etos", cfg.EventPrefix)
	assert.True(t, cfg.InProcessLogListener)
	assert.Equal(t, "etos", cfg.Listener.EventPrefix)
	assert.Equal(t, 500, cfg.Listener.BufferSize)
	assert.True(t, filepath.IsAbs(cfg.Listener.PatternsFile))
}

func TestNewConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing provider url", nil},
		{"malformed provider url", []string{"--environment-provider-url", "provider"}},
		{"sub-suite timeout above execution timeout", []string{
			"--environment-provider-url", "http://provider", "--execution-timeout", "1h", "--sub-suite-timeout", "2h",
		}},
		{"inverted backoff", []string{
			"--environment-provider-url", "http://provider", "--allocation-backoff-min", "10s", "--allocation-backoff-max", "1s",
		}},
		{"negative concurrency", []string{"--environment-provider-url", "http://provider", "--max-concurrent-sub-suites", "-1"}},
		{"empty event prefix", []string{"--environment-provider-url", "http://provider", "--event-prefix", ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := configFromArgs(t, tt.args...)
			require.Error(t, err)
		})
	}
}
