package tracker

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum-optimism/op-suite-runner/types"
)

var (
	// ErrSubSuiteTimeout is recorded when a sub-suite exceeds its own timeout.
	ErrSubSuiteTimeout = errors.New("sub-suite timed out")
	// ErrMissingOutcome is recorded when a test runner reports completion without an outcome.
	ErrMissingOutcome = errors.New("sub-suite finished without an outcome")
)

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source, mostly useful in tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// Tracker owns the lifecycle state of a single sub-suite. It performs no I/O and is not safe
// for concurrent use; its owner must serialize every call.
type Tracker struct {
	spec    types.SubSuiteSpec
	timeout time.Duration
	now     func() time.Time

	state       types.State
	outcome     types.Outcome
	cause       error
	environment *types.EnvironmentDescriptor
	activities  []types.Activity
	seen        map[string]struct{}

	created  time.Time
	started  time.Time
	deadline time.Time
	ended    time.Time
}

// New creates a tracker in the requested state. A timeout of zero disables the per-sub-suite timeout.
func New(spec types.SubSuiteSpec, timeout time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		spec:    spec,
		timeout: timeout,
		now:     time.Now,
		state:   types.StateRequested,
		seen:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.created = t.now()
	return t
}

func (t *Tracker) ID() string { return t.spec.ID }

func (t *Tracker) Spec() types.SubSuiteSpec { return t.spec }

func (t *Tracker) State() types.State { return t.state }

func (t *Tracker) Outcome() types.Outcome { return t.outcome }

// Cause returns the error recorded with an error, timed-out or aborted state.
func (t *Tracker) Cause() error { return t.cause }

func (t *Tracker) Terminal() bool { return t.state.IsTerminal() }

func (t *Tracker) Activities() []types.Activity { return t.activities }

// Environment returns the allocated environment, or nil before allocation.
func (t *Tracker) Environment() *types.EnvironmentDescriptor {
	return t.environment
}

// Deadline returns when the per-sub-suite timeout fires. ok is false while the clock is not running.
func (t *Tracker) Deadline() (deadline time.Time, ok bool) {
	if t.Terminal() || t.deadline.IsZero() {
		return time.Time{}, false
	}
	return t.deadline, true
}

// Expired reports whether a non-terminal tracker is past its per-sub-suite deadline.
func (t *Tracker) Expired(now time.Time) bool {
	deadline, ok := t.Deadline()
	return ok && !now.Before(deadline)
}

// EnvironmentAllocated moves a requested sub-suite to environment-pending. It returns false
// when the transition does not apply.
func (t *Tracker) EnvironmentAllocated(env types.EnvironmentDescriptor) bool {
	if t.state != types.StateRequested {
		return false
	}
	t.environment = &env
	t.transition(types.StateEnvironmentPending)
	return true
}

// Dispatched moves an environment-pending sub-suite to running once its start event is published.
func (t *Tracker) Dispatched() bool {
	if t.state != types.StateEnvironmentPending {
		return false
	}
	t.transition(types.StateRunning)
	return true
}

// Fail terminates the sub-suite with an error.
func (t *Tracker) Fail(cause error) bool {
	return t.terminate(types.StateError, types.OutcomeError, cause)
}

// TimeOut terminates the sub-suite as timed out.
func (t *Tracker) TimeOut(cause error) bool {
	if cause == nil {
		cause = ErrSubSuiteTimeout
	}
	return t.terminate(types.StateTimedOut, types.OutcomeTimeout, cause)
}

// Abort terminates the sub-suite as aborted, e.g. after a sibling failed under fail-fast.
func (t *Tracker) Abort(cause error) bool {
	return t.terminate(types.StateAborted, types.OutcomeAborted, cause)
}

// Apply routes an event to the state machine and reports whether the state changed.
// Redelivered events and events inconsistent with the current state are ignored.
func (t *Tracker) Apply(ev types.Event) bool {
	if ev.SubSuiteID != t.spec.ID {
		return false
	}
	if ev.ID != "" {
		if _, dup := t.seen[ev.ID]; dup {
			return false
		}
		t.seen[ev.ID] = struct{}{}
	}

	switch ev.Kind {
	case types.KindSubSuiteActivity:
		if ev.Activity == nil {
			return false
		}
		return t.applyActivity(*ev.Activity)
	case types.KindAllocationResult:
		if ev.Allocation == nil {
			return false
		}
		return t.applyAllocation(*ev.Allocation)
	}
	return false
}

func (t *Tracker) applyActivity(a types.Activity) bool {
	if t.Terminal() {
		return false
	}
	t.activities = append(t.activities, a)

	switch a.Type {
	case types.ActivityStarted, types.ActivityTestCaseStarted:
		if t.state == types.StateEnvironmentPending {
			t.transition(types.StateRunning)
			return true
		}
	case types.ActivityFinished:
		if t.state != types.StateEnvironmentPending && t.state != types.StateRunning {
			return false
		}
		switch a.Outcome {
		case types.OutcomeSuccess, types.OutcomeFailure:
			return t.terminate(types.StateFinished, a.Outcome, nil)
		case types.OutcomeTimeout:
			return t.TimeOut(fmt.Errorf("%w: reported by test runner", ErrSubSuiteTimeout))
		case types.OutcomeAborted:
			return t.Abort(errors.New("aborted by test runner"))
		case types.OutcomeError:
			return t.Fail(fmt.Errorf("test runner reported an error: %s", a.Message))
		default:
			return t.Fail(ErrMissingOutcome)
		}
	}
	return false
}

func (t *Tracker) applyAllocation(a types.AllocationResult) bool {
	if t.state != types.StateRequested {
		return false
	}
	if a.Succeeded() {
		return t.EnvironmentAllocated(*a.Environment)
	}
	if a.Error != "" && !a.Retryable {
		return t.Fail(fmt.Errorf("environment provisioning failed: %s", a.Error))
	}
	return false
}

func (t *Tracker) transition(to types.State) {
	if t.state == types.StateRequested && to != types.StateRequested {
		t.started = t.now()
		if t.timeout > 0 {
			t.deadline = t.started.Add(t.timeout)
		}
	}
	t.state = to
}

func (t *Tracker) terminate(to types.State, outcome types.Outcome, cause error) bool {
	if t.Terminal() {
		return false
	}
	t.transition(to)
	t.outcome = outcome
	t.cause = cause
	t.ended = t.now()
	return true
}

// Result returns the tracker's view for the execution verdict.
func (t *Tracker) Result() types.SubSuiteResult {
	r := types.SubSuiteResult{
		ID:         t.spec.ID,
		Suite:      t.spec.Suite,
		State:      t.state,
		Outcome:    t.outcome,
		Activities: len(t.activities),
	}
	if t.cause != nil {
		r.Cause = t.cause.Error()
	}
	if t.environment != nil {
		r.Environment = t.environment.ID
	}
	if !t.ended.IsZero() {
		r.Duration = t.ended.Sub(t.created)
	}
	return r
}
