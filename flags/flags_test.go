package flags

import (
	"strings"
	"testing"
	"time"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

// TestOptionalFlagsDontSetRequired asserts that all flags deemed optional set
// the Required field to false.
func TestOptionalFlagsDontSetRequired(t *testing.T) {
	for _, flag := range optionalFlags {
		reqFlag, ok := flag.(cli.RequiredFlag)
		require.True(t, ok)
		require.False(t, reqFlag.IsRequired())
	}
}

// TestUniqueFlags asserts that all flag names are unique, to avoid accidental conflicts between the many flags.
func TestUniqueFlags(t *testing.T) {
	seenCLI := make(map[string]struct{})
	for _, flag := range Flags {
		name := flag.Names()[0]
		if _, ok := seenCLI[name]; ok {
			t.Errorf("duplicate flag %s", name)
			continue
		}
		seenCLI[name] = struct{}{}
	}
}

func TestListenerFlagsAreSuiteRunnerFlags(t *testing.T) {
	names := make(map[string]bool)
	for _, flag := range Flags {
		names[flag.Names()[0]] = true
	}
	for _, flag := range ListenerFlags {
		assert.True(t, names[flag.Names()[0]], "listener flag %s missing from Flags", flag.Names()[0])
	}
}

func TestEnvVarFormat(t *testing.T) {
	for _, flag := range Flags {
		flagName := flag.Names()[0]

		t.Run(flagName, func(t *testing.T) {
			envFlagGetter, ok := flag.(interface {
				GetEnvVars() []string
			})
			require.True(t, ok, "must be able to cast the flag to an EnvVar interface")
			envFlags := envFlagGetter.GetEnvVars()
			require.Equal(t, 1, len(envFlags), "flags should have exactly one env var")
			require.True(t, strings.HasPrefix(envFlags[0], EnvVarPrefix+"_"))

			expectedEnvVar := opservice.FlagNameToEnvVarName(flagName, EnvVarPrefix)
			require.Equal(t, expectedEnvVar, envFlags[0])
		})
	}
}

func TestCheckRequired(t *testing.T) {
	testCases := []struct {
		name        string
		args        []string
		shouldError bool
	}{
		{"provider url set", []string{"app", "--environment-provider-url", "http://provider"}, false},
		{"provider url missing", []string{"app", "--request", "request.yaml"}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			app := &cli.App{
				Flags: Flags,
				Action: func(ctx *cli.Context) error {
					return CheckRequired(ctx)
				},
			}
			err := app.Run(tc.args)
			if tc.shouldError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFlagValidation(t *testing.T) {
	testCases := []struct {
		name        string
		args        []string
		shouldError bool
	}{
		{"defaults", []string{"app"}, false},
		{"valid timeouts", []string{"app", "--execution-timeout", "1h", "--sub-suite-timeout", "30m"}, false},
		{"zero execution timeout", []string{"app", "--execution-timeout", "0s"}, true},
		{"negative sub-suite timeout", []string{"app", "--sub-suite-timeout", "-1m"}, true},
		{"zero attempts", []string{"app", "--allocation-max-attempts", "0"}, true},
		{"zero buffer", []string{"app", "--log-buffer-size", "0"}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			app := &cli.App{
				Flags: []cli.Flag{ExecutionTimeout, SubSuiteTimeout, AllocationMaxAttempts, LogBufferSize},
				Action: func(ctx *cli.Context) error {
					return nil
				},
			}
			err := app.Run(tc.args)
			if tc.shouldError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	app := &cli.App{
		Flags: Flags,
		Action: func(ctx *cli.Context) error {
			assert.Equal(t, 24*time.Hour, ctx.Duration(ExecutionTimeout.Name))
			assert.Equal(t, 12*time.Hour, ctx.Duration(SubSuiteTimeout.Name))
			assert.Equal(t, 3, ctx.Int(AllocationMaxAttempts.Name))
			assert.False(t, ctx.Bool(FailFast.Name))
			assert.Equal(t, "suite-runner", ctx.String(EventPrefix.Name))
			return nil
		},
	}
	require.NoError(t, app.Run([]string{"app"}))
}
