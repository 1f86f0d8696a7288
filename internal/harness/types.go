package harness

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TraceEvent records one thing that happened during a scenario.
type TraceEvent struct {
	Seq     int             `json:"seq"`
	Context string          `json:"context"`
	Op      string          `json:"op"`
	Key     string          `json:"key,omitempty"`
	Result  string          `json:"result,omitempty"`
	Version int64           `json:"version,omitempty"`
	TS      int64           `json:"ts,omitempty"`
	Writer  string          `json:"writer,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// String renders the event as one golden-file line.
func (e TraceEvent) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s %s", e.Seq, e.Context, e.Op)
	if e.Key != "" {
		fmt.Fprintf(&b, " %s", e.Key)
	}
	if e.Result != "" {
		fmt.Fprintf(&b, " %s", e.Result)
	}
	if e.Version != 0 {
		fmt.Fprintf(&b, " v%d ts=%d by %s", e.Version, e.TS, e.Writer)
	}
	if len(e.Payload) > 0 {
		fmt.Fprintf(&b, " %s", e.Payload)
	}
	return b.String()
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step outcome and assertion matched.
	Pass bool `json:"pass"`

	// Trace contains every step and delivery in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends e with the next sequence number.
func (r *Result) AddTrace(e TraceEvent) {
	e.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, e)
}
