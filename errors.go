package suiterunner

import (
	"errors"
	"fmt"
)

// RuntimeError represents an operational error that should lead to exit code 2.
// Examples include rejected execution requests and an unreachable event channel.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v", e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

// IsRuntimeError checks if the error is or wraps a RuntimeError
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return err != nil && errors.As(err, &runtimeErr)
}

// ExecutionFailureError is returned when an execution produced a verdict that is not a
// success (exit code 1).
type ExecutionFailureError struct {
	CorrelationID string
	Message       string
}

func (e *ExecutionFailureError) Error() string {
	return fmt.Sprintf("execution %s failed: %s", e.CorrelationID, e.Message)
}

func NewExecutionFailureError(correlationID, message string) *ExecutionFailureError {
	return &ExecutionFailureError{CorrelationID: correlationID, Message: message}
}

// IsExecutionFailureError checks if the error is or wraps an ExecutionFailureError
func IsExecutionFailureError(err error) bool {
	var failure *ExecutionFailureError
	return err != nil && errors.As(err, &failure)
}
