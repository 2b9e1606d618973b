// Package exitcodes defines the exit codes of op-suite-runner.
package exitcodes

// Exit codes reported when the process ends:
//
// * Success (0): the execution verdict is a success, or the service stopped cleanly
// * ExecutionFailure (1): the execution verdict is not a success
// * RuntimeErr (2): the request was rejected or the event channel could not be reached
const (
	Success          = 0
	ExecutionFailure = 1
	RuntimeErr       = 2
)
