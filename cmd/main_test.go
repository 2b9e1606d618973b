package main

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/urfave/cli/v2"

	suiterunner "github.com/ethereum-optimism/op-suite-runner"
	"github.com/ethereum-optimism/op-suite-runner/exitcodes"
)

func TestExitErrHandler(t *testing.T) {
	var code int
	exiter := cli.OsExiter
	errWriter := cli.ErrWriter
	cli.OsExiter = func(c int) { code = c }
	cli.ErrWriter = io.Discard
	t.Cleanup(func() {
		cli.OsExiter = exiter
		cli.ErrWriter = errWriter
	})

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"runtime error", suiterunner.NewRuntimeError(errors.New("redis down")), exitcodes.RuntimeErr},
		{"wrapped runtime error", fmt.Errorf("failed to start: %w", suiterunner.NewRuntimeError(errors.New("x"))), exitcodes.RuntimeErr},
		{"execution failure", suiterunner.NewExecutionFailureError("exec-1", "1 of 2 sub suites failed."), exitcodes.ExecutionFailure},
		{"explicit exit code", cli.Exit("bye", 3), 3},
		{"unknown error", errors.New("unknown"), exitcodes.ExecutionFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code = -1
			exitErrHandler(nil, tt.err)
			assert.Equal(t, tt.want, code)
		})
	}

	code = -1
	exitErrHandler(nil, nil)
	assert.Equal(t, -1, code)
}
