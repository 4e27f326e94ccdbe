package harness

import (
	"time"

	"github.com/roach88/outboxd/internal/ops"
)

// Trace event types.
const (
	EventMutate       = "mutate"
	EventConnectivity = "connectivity"
	EventCall         = "call"
	EventChanged      = "changed"
	EventDrain        = "drain"
)

// TraceEvent is one observable occurrence during a scenario.
type TraceEvent struct {
	Seq  int    `json:"seq"`
	Type string `json:"type"`
	// At is the clock offset from the scenario start.
	At      string     `json:"at"`
	Record  string     `json:"record,omitempty"`
	Action  ops.Action `json:"action,omitempty"`
	Outcome string     `json:"outcome,omitempty"`
	Detail  string     `json:"detail,omitempty"`

	entity string
}

// RecordState is the final state of one record.
type RecordState struct {
	ID           string     `json:"id"`
	Status       ops.Status `json:"status"`
	Attempt      int        `json:"attempt"`
	SupersededBy string     `json:"superseded_by,omitempty"`
	LastError    string     `json:"last_error,omitempty"`

	entity string
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace holds events in the order they happened.
	Trace []TraceEvent `json:"trace"`

	// Records holds every record in creation order after the last step.
	Records []RecordState `json:"records"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Records: []RecordState{},
		Errors:  []string{},
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(ev TraceEvent, offset time.Duration) {
	ev.Seq = len(r.Trace) + 1
	ev.At = offset.String()
	r.Trace = append(r.Trace, ev)
}
