package types

import (
	"fmt"
	"sort"
	"time"
)

// Verdict labels, kept compatible with the event protocol consumers already understand.
const (
	VerdictPassed       = "PASSED"
	VerdictFailed       = "FAILED"
	VerdictInconclusive = "INCONCLUSIVE"
)

// SubSuiteResult is the final view of one sub-suite inside a verdict.
type SubSuiteResult struct {
	ID          string        `json:"id"`
	Suite       string        `json:"suite"`
	State       State         `json:"state"`
	Outcome     Outcome       `json:"outcome"`
	Cause       string        `json:"cause,omitempty"`
	Environment string        `json:"environment,omitempty"`
	Activities  int           `json:"activities"`
	Duration    time.Duration `json:"duration"`
}

// Verdict is the single aggregated outcome of an execution request.
type Verdict struct {
	CorrelationID    string           `json:"correlation_id"`
	Outcome          Outcome          `json:"outcome"`
	Label            string           `json:"label"`
	Description      string           `json:"description"`
	DeadlineExceeded bool             `json:"deadline_exceeded,omitempty"`
	SubSuites        []SubSuiteResult `json:"sub_suites"`
	StartTime        time.Time        `json:"start_time"`
	EndTime          time.Time        `json:"end_time"`
}

// Success reports whether every sub-suite succeeded.
func (v *Verdict) Success() bool {
	return v != nil && v.Outcome == OutcomeSuccess
}

// Duration returns the wall clock time of the execution.
func (v *Verdict) Duration() time.Duration {
	if v.EndTime.IsZero() || v.StartTime.IsZero() {
		return 0
	}
	return v.EndTime.Sub(v.StartTime)
}

// Count returns how many sub-suites ended with the given outcome.
func (v *Verdict) Count(outcome Outcome) int {
	n := 0
	for _, s := range v.SubSuites {
		if s.Outcome == outcome {
			n++
		}
	}
	return n
}

func (v *Verdict) String() string {
	return fmt.Sprintf("execution %s: %s (%s) - %s", v.CorrelationID, v.Label, v.Outcome, v.Description)
}

// DominantOutcome applies the dominance rule: success only if every outcome is success,
// otherwise the most severe outcome wins. An empty set is an error.
func DominantOutcome(outcomes []Outcome) Outcome {
	if len(outcomes) == 0 {
		return OutcomeError
	}
	dominant := OutcomeSuccess
	for _, o := range outcomes {
		if !o.IsValid() {
			// A sub-suite without an outcome never counts as a success.
			o = OutcomeError
		}
		if o.Severity() > dominant.Severity() {
			dominant = o
		}
	}
	return dominant
}

// LabelFor maps an aggregate outcome onto a verdict label.
func LabelFor(outcome Outcome) string {
	switch outcome {
	case OutcomeSuccess:
		return VerdictPassed
	case OutcomeFailure:
		return VerdictFailed
	default:
		return VerdictInconclusive
	}
}

// Aggregate builds the execution verdict from the terminal results of its sub-suites.
func Aggregate(correlationID string, results []SubSuiteResult, deadlineExceeded bool, start, end time.Time) *Verdict {
	sorted := make([]SubSuiteResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	outcomes := make([]Outcome, 0, len(sorted))
	for _, r := range sorted {
		outcomes = append(outcomes, r.Outcome)
	}
	outcome := DominantOutcome(outcomes)

	v := &Verdict{
		CorrelationID:    correlationID,
		Outcome:          outcome,
		Label:            LabelFor(outcome),
		DeadlineExceeded: deadlineExceeded,
		SubSuites:        sorted,
		StartTime:        start,
		EndTime:          end,
	}
	v.Description = describe(v)
	return v
}

func describe(v *Verdict) string {
	total := len(v.SubSuites)
	switch {
	case total == 0:
		return "No sub suites were started."
	case v.Outcome == OutcomeSuccess:
		return "All tests passed."
	}

	notStarted := 0
	for _, s := range v.SubSuites {
		if s.State == StateError && s.Environment == "" {
			notStarted++
		}
	}

	switch {
	case notStarted == total:
		return fmt.Sprintf("No sub suites started at all for %s.", v.CorrelationID)
	case v.DeadlineExceeded:
		return fmt.Sprintf("Did not receive test results from sub suites: %d of %d timed out before the execution deadline.",
			v.Count(OutcomeTimeout), total)
	case v.Count(OutcomeTimeout) > 0:
		return fmt.Sprintf("%d of %d sub suites timed out.", v.Count(OutcomeTimeout), total)
	case notStarted > 0:
		return fmt.Sprintf("%d sub suites failed to start.", notStarted)
	case v.Count(OutcomeError) > 0:
		return fmt.Sprintf("%d of %d sub suites ended in error.", v.Count(OutcomeError), total)
	case v.Count(OutcomeAborted) > 0:
		return fmt.Sprintf("%d of %d sub suites failed, %d aborted.", v.Count(OutcomeFailure), total, v.Count(OutcomeAborted))
	}
	return fmt.Sprintf("%d of %d sub suites failed.", v.Count(OutcomeFailure), total)
}
