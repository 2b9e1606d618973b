package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind identifies the kind of an event on the event channel.
type EventKind string

const (
	KindSubSuiteDispatched      EventKind = "sub-suite.dispatched"
	KindSubSuiteActivity        EventKind = "sub-suite.activity"
	KindSubSuiteCancelRequested EventKind = "sub-suite.cancel-requested"
	KindAllocationResult        EventKind = "sub-suite.allocation-result"
	KindRawLog                  EventKind = "sub-suite.raw-log"
	KindExecutionVerdict        EventKind = "execution.verdict"
	KindAnnouncement            EventKind = "execution.announcement"
)

// Event is the envelope carried by the event channel. Exactly one payload field is set,
// matching Kind.
type Event struct {
	ID            string    `json:"id"`
	Kind          EventKind `json:"kind"`
	CorrelationID string    `json:"correlation_id"`
	SubSuiteID    string    `json:"sub_suite_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`

	Dispatch     *Dispatch         `json:"dispatch,omitempty"`
	Activity     *Activity         `json:"activity,omitempty"`
	Cancel       *CancelRequest    `json:"cancel,omitempty"`
	Allocation   *AllocationResult `json:"allocation,omitempty"`
	Log          *LogRecord        `json:"log,omitempty"`
	Verdict      *Verdict          `json:"verdict,omitempty"`
	Announcement *Announcement     `json:"announcement,omitempty"`
}

// NewEvent creates an event envelope with a fresh identifier and timestamp.
func NewEvent(kind EventKind, correlationID, subSuiteID string) Event {
	return Event{
		ID:            uuid.New().String(),
		Kind:          kind,
		CorrelationID: correlationID,
		SubSuiteID:    subSuiteID,
		Timestamp:     time.Now().UTC(),
	}
}

// Marshal encodes the event for transports that carry bytes.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent decodes an event produced by Marshal.
func UnmarshalEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	if ev.Kind == "" {
		return Event{}, fmt.Errorf("event %q has no kind", ev.ID)
	}
	return ev, nil
}

// Dispatch asks a test runner to start a sub-suite inside an allocated environment.
type Dispatch struct {
	Spec        SubSuiteSpec          `json:"spec"`
	Environment EnvironmentDescriptor `json:"environment"`
}

// ActivityType classifies an activity event.
type ActivityType string

const (
	ActivityStarted          ActivityType = "started"
	ActivityTestCaseStarted  ActivityType = "test-case-started"
	ActivityTestCaseFinished ActivityType = "test-case-finished"
	ActivityLog              ActivityType = "log"
	ActivityFinished         ActivityType = "finished"
)

// Activity is a structured fact about sub-suite progress.
type Activity struct {
	Type ActivityType `json:"type"`
	// Sequence is monotonically increasing per sub-suite when the source guarantees it, 0 otherwise.
	Sequence       uint64  `json:"sequence,omitempty"`
	Source         string  `json:"source,omitempty"`
	Classification string  `json:"classification,omitempty"`
	TestCase       string  `json:"test_case,omitempty"`
	Result         string  `json:"result,omitempty"`
	Outcome        Outcome `json:"outcome,omitempty"`
	Message        string  `json:"message,omitempty"`
}

// CancelRequest is a best-effort request for a test runner to stop a sub-suite.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// AllocationResult reports the outcome of provisioning an environment for a sub-suite.
type AllocationResult struct {
	Environment *EnvironmentDescriptor `json:"environment,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Retryable   bool                   `json:"retryable,omitempty"`
}

// Succeeded reports whether the allocation produced an environment.
func (a *AllocationResult) Succeeded() bool {
	return a != nil && a.Error == "" && a.Environment != nil
}

// LogRecord is a raw, unstructured log line emitted while a sub-suite runs.
type LogRecord struct {
	Line   string `json:"line"`
	Stream string `json:"stream,omitempty"`
}

// Announcement is a human readable notice about an execution.
type Announcement struct {
	Header   string `json:"header"`
	Body     string `json:"body"`
	Severity string `json:"severity"`
}

// EnvironmentDescriptor is an opaque handle to where a sub-suite executes.
// It is owned by the environment provider.
type EnvironmentDescriptor struct {
	ID         string            `json:"id"`
	Provider   string            `json:"provider,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}
