package harness

import (
	"github.com/roach88/signalflow/internal/engine"
	"github.com/roach88/signalflow/internal/model"
)

// Trace event kinds.
const (
	KindSignal = "signal"
	KindStep   = "step"
)

// TraceEvent is one entry in a scenario trace: a lamp change written by the
// engine, or the outcome of a scripted step.
type TraceEvent struct {
	Kind string `json:"kind"`

	// AtMillis is simulated time since the scenario start.
	AtMillis int64 `json:"at_ms"`

	// Signal events.
	Seq          int64              `json:"seq,omitempty"`
	Intersection string             `json:"intersection,omitempty"`
	Approach     string             `json:"approach,omitempty"`
	Phase        string             `json:"phase,omitempty"`
	From         model.SignalStatus `json:"from,omitempty"`
	To           model.SignalStatus `json:"to,omitempty"`
	Reason       string             `json:"reason,omitempty"`

	// Step events.
	Action  string `json:"action,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: every step matched its expectation,
	// every assertion held and no safety principle was violated.
	Pass bool `json:"pass"`

	// Trace contains signal changes and step outcomes in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Final holds each controller's status after the last step.
	Final map[string]engine.IntersectionStatus `json:"final,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Final:  make(map[string]engine.IntersectionStatus),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Signals returns only the signal events of the trace.
func (r *Result) Signals() []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Kind == KindSignal {
			out = append(out, ev)
		}
	}
	return out
}
