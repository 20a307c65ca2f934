package harness

import (
	"fmt"
	"strings"
)

// TraceEvent records one executed step.
type TraceEvent struct {
	Step    int      `json:"step"`
	Op      string   `json:"op"`
	Subject string   `json:"subject"`
	Result  string   `json:"result"`
	Detail  []string `json:"detail,omitempty"`
}

// String renders the event as one trace line.
func (e TraceEvent) String() string {
	line := fmt.Sprintf("%02d %s %s: %s", e.Step, e.Op, e.Subject, e.Result)
	if len(e.Detail) > 0 {
		line += " " + strings.Join(e.Detail, " ")
	}
	return line
}

// Result is what a scenario run produced. Pass is false as soon as one
// expect clause or final assertion failed; Errors then says which.
type Result struct {
	Pass   bool         `json:"pass"`
	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult returns an empty passing Result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError records a failed expectation.
func (r *Result) AddError(msg string) {
	r.Pass = false
	r.Errors = append(r.Errors, msg)
}

// Render returns the trace as text, one line per event after a header.
func (r *Result) Render(scenarioName string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", scenarioName)
	for _, e := range r.Trace {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
