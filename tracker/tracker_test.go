package tracker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/op-suite-runner/types"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTracker(timeout time.Duration) (*Tracker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	spec := types.SubSuiteSpec{ID: "smoke_SubSuite_0", CorrelationID: "exec-1", Suite: "smoke"}
	return New(spec, timeout, WithClock(clock.Now)), clock
}

func activity(id string, typ types.ActivityType, outcome types.Outcome) types.Event {
	ev := types.NewEvent(types.KindSubSuiteActivity, "exec-1", "smoke_SubSuite_0")
	ev.ID = id
	ev.Activity = &types.Activity{Type: typ, Outcome: outcome}
	return ev
}

func running(t *testing.T, timeout time.Duration) (*Tracker, *fakeClock) {
	tr, clock := newTestTracker(timeout)
	require.True(t, tr.EnvironmentAllocated(types.EnvironmentDescriptor{ID: "env-1"}))
	require.True(t, tr.Dispatched())
	require.Equal(t, types.StateRunning, tr.State())
	return tr, clock
}

func TestTracker_HappyPath(t *testing.T) {
	tr, _ := newTestTracker(time.Minute)
	assert.Equal(t, types.StateRequested, tr.State())

	assert.True(t, tr.EnvironmentAllocated(types.EnvironmentDescriptor{ID: "env-1"}))
	assert.Equal(t, types.StateEnvironmentPending, tr.State())
	assert.True(t, tr.Dispatched())
	assert.Equal(t, types.StateRunning, tr.State())

	assert.False(t, tr.Apply(activity("a1", types.ActivityStarted, "")))
	assert.True(t, tr.Apply(activity("a2", types.ActivityFinished, types.OutcomeSuccess)))
	assert.Equal(t, types.StateFinished, tr.State())
	assert.Equal(t, types.OutcomeSuccess, tr.Outcome())
	assert.True(t, tr.Terminal())

	res := tr.Result()
	assert.Equal(t, "env-1", res.Environment)
	assert.Equal(t, 2, res.Activities)
}

func TestTracker_StartedActivityBeforeDispatch(t *testing.T) {
	tr, _ := newTestTracker(time.Minute)
	require.True(t, tr.EnvironmentAllocated(types.EnvironmentDescriptor{ID: "env-1"}))

	assert.True(t, tr.Apply(activity("a1", types.ActivityStarted, "")))
	assert.Equal(t, types.StateRunning, tr.State())
	assert.False(t, tr.Dispatched(), "dispatch after the runner already started must be a no-op")
}

func TestTracker_RedeliveryIsNoop(t *testing.T) {
	tr, _ := running(t, time.Minute)

	finished := activity("a1", types.ActivityFinished, types.OutcomeFailure)
	require.True(t, tr.Apply(finished))
	before := tr.Result()

	for i := 0; i < 3; i++ {
		assert.False(t, tr.Apply(finished))
	}
	assert.Equal(t, before, tr.Result())
}

func TestTracker_IgnoresInconsistentEvents(t *testing.T) {
	tr, _ := newTestTracker(time.Minute)

	assert.False(t, tr.Apply(activity("a1", types.ActivityFinished, types.OutcomeSuccess)),
		"finished before allocation is ignored")
	assert.Equal(t, types.StateRequested, tr.State())

	assert.False(t, tr.Dispatched())
	assert.Equal(t, types.StateRequested, tr.State())

	other := activity("a2", types.ActivityStarted, "")
	other.SubSuiteID = "smoke_SubSuite_9"
	assert.False(t, tr.Apply(other))

	noPayload := types.NewEvent(types.KindSubSuiteActivity, "exec-1", "smoke_SubSuite_0")
	assert.False(t, tr.Apply(noPayload))
}

func TestTracker_TerminalStatesAreFinal(t *testing.T) {
	tests := []struct {
		name      string
		terminate func(tr *Tracker) bool
		state     types.State
		outcome   types.Outcome
	}{
		{"error", func(tr *Tracker) bool { return tr.Fail(errors.New("boom")) }, types.StateError, types.OutcomeError},
		{"timeout", func(tr *Tracker) bool { return tr.TimeOut(nil) }, types.StateTimedOut, types.OutcomeTimeout},
		{"abort", func(tr *Tracker) bool { return tr.Abort(errors.New("sibling failed")) }, types.StateAborted, types.OutcomeAborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, start := range []types.State{types.StateRequested, types.StateEnvironmentPending, types.StateRunning} {
				tr, _ := newTestTracker(time.Minute)
				if start != types.StateRequested {
					tr.EnvironmentAllocated(types.EnvironmentDescriptor{ID: "env"})
				}
				if start == types.StateRunning {
					tr.Dispatched()
				}
				require.Equal(t, start, tr.State())

				require.True(t, tt.terminate(tr))
				assert.Equal(t, tt.state, tr.State())
				assert.Equal(t, tt.outcome, tr.Outcome())
				assert.Error(t, tr.Cause())

				assert.False(t, tr.Fail(errors.New("again")))
				assert.False(t, tr.TimeOut(nil))
				assert.False(t, tr.Abort(nil))
				assert.False(t, tr.Apply(activity("late", types.ActivityFinished, types.OutcomeSuccess)))
				assert.Equal(t, tt.state, tr.State())
			}
		})
	}
}

func TestTracker_FinishedOutcomes(t *testing.T) {
	tests := []struct {
		outcome types.Outcome
		state   types.State
	}{
		{types.OutcomeSuccess, types.StateFinished},
		{types.OutcomeFailure, types.StateFinished},
		{types.OutcomeError, types.StateError},
		{types.OutcomeTimeout, types.StateTimedOut},
		{types.OutcomeAborted, types.StateAborted},
		{types.OutcomeNone, types.StateError},
	}
	for _, tt := range tests {
		t.Run(string(tt.state)+"/"+string(tt.outcome), func(t *testing.T) {
			tr, _ := running(t, time.Minute)
			require.True(t, tr.Apply(activity("f", types.ActivityFinished, tt.outcome)))
			assert.Equal(t, tt.state, tr.State())
		})
	}
}

func TestTracker_Deadline(t *testing.T) {
	tr, clock := newTestTracker(5 * time.Second)

	_, ok := tr.Deadline()
	assert.False(t, ok, "clock does not run while requested")
	clock.Advance(time.Hour)
	assert.False(t, tr.Expired(clock.Now()))

	tr.EnvironmentAllocated(types.EnvironmentDescriptor{ID: "env"})
	deadline, ok := tr.Deadline()
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(5*time.Second), deadline)

	clock.Advance(4 * time.Second)
	assert.False(t, tr.Expired(clock.Now()))
	clock.Advance(time.Second)
	assert.True(t, tr.Expired(clock.Now()))

	require.True(t, tr.TimeOut(nil))
	assert.ErrorIs(t, tr.Cause(), ErrSubSuiteTimeout)
	assert.False(t, tr.Expired(clock.Now()), "terminal trackers never expire")
}

func TestTracker_NoTimeout(t *testing.T) {
	tr, clock := running(t, 0)
	clock.Advance(24 * time.Hour)
	assert.False(t, tr.Expired(clock.Now()))
}

func TestTracker_AllocationResultEvents(t *testing.T) {
	alloc := func(id string, res types.AllocationResult) types.Event {
		ev := types.NewEvent(types.KindAllocationResult, "exec-1", "smoke_SubSuite_0")
		ev.ID = id
		ev.Allocation = &res
		return ev
	}

	t.Run("success", func(t *testing.T) {
		tr, _ := newTestTracker(time.Minute)
		assert.True(t, tr.Apply(alloc("1", types.AllocationResult{Environment: &types.EnvironmentDescriptor{ID: "env"}})))
		assert.Equal(t, types.StateEnvironmentPending, tr.State())
		assert.False(t, tr.Apply(alloc("2", types.AllocationResult{Environment: &types.EnvironmentDescriptor{ID: "other"}})))
		assert.Equal(t, "env", tr.Environment().ID)
	})

	t.Run("retryable failure is ignored", func(t *testing.T) {
		tr, _ := newTestTracker(time.Minute)
		assert.False(t, tr.Apply(alloc("1", types.AllocationResult{Error: "busy", Retryable: true})))
		assert.Equal(t, types.StateRequested, tr.State())
	})

	t.Run("terminal failure", func(t *testing.T) {
		tr, _ := newTestTracker(time.Minute)
		assert.True(t, tr.Apply(alloc("1", types.AllocationResult{Error: "invalid spec"})))
		assert.Equal(t, types.StateError, tr.State())
		assert.Contains(t, tr.Result().Cause, "invalid spec")
	})
}

func TestTracker_ForwardOnly(t *testing.T) {
	tr, _ := running(t, time.Minute)
	assert.False(t, tr.EnvironmentAllocated(types.EnvironmentDescriptor{ID: "again"}))
	assert.False(t, tr.Dispatched())
	assert.Equal(t, types.StateRunning, tr.State())
	assert.Equal(t, "env-1", tr.Environment().ID)
}
