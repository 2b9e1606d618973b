package types

// State is the lifecycle state of a sub-suite.
type State string

const (
	StateRequested          State = "requested"
	StateEnvironmentPending State = "environment-pending"
	StateRunning            State = "running"
	StateFinished           State = "finished"
	StateError              State = "error"
	StateTimedOut           State = "timed-out"
	StateAborted            State = "aborted"
)

// stateOrder is the forward order of the lifecycle. Terminal states share the last rank.
var stateOrder = map[State]int{
	StateRequested:          0,
	StateEnvironmentPending: 1,
	StateRunning:            2,
	StateFinished:           3,
	StateError:              3,
	StateTimedOut:           3,
	StateAborted:            3,
}

// Rank returns the position of the state in the forward lifecycle order.
func (s State) Rank() int {
	return stateOrder[s]
}

// IsTerminal reports whether no transition can leave the state.
func (s State) IsTerminal() bool {
	switch s {
	case StateFinished, StateError, StateTimedOut, StateAborted:
		return true
	}
	return false
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	_, ok := stateOrder[s]
	return ok
}

// Outcome is the terminal result of a sub-suite, and of an execution as a whole.
type Outcome string

const (
	OutcomeNone    Outcome = ""
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeAborted Outcome = "aborted"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
)

// Severity orders outcomes for the dominance rule: success < failure < aborted < error < timeout.
func (o Outcome) Severity() int {
	switch o {
	case OutcomeSuccess:
		return 0
	case OutcomeFailure:
		return 1
	case OutcomeAborted:
		return 2
	case OutcomeError:
		return 3
	case OutcomeTimeout:
		return 4
	}
	return -1
}

// IsValid reports whether o is a known, non-empty outcome.
func (o Outcome) IsValid() bool {
	return o.Severity() >= 0
}

// OutcomeForState maps a non-finished terminal state onto its outcome.
func OutcomeForState(s State) Outcome {
	switch s {
	case StateError:
		return OutcomeError
	case StateTimedOut:
		return OutcomeTimeout
	case StateAborted:
		return OutcomeAborted
	}
	return OutcomeNone
}
