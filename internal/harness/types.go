package harness

import "github.com/roach88/threadkeep/internal/ir"

// Trace event types.
const (
	EventInvocation = "invocation"
	EventCompletion = "completion"
)

// CaseOK is the completion case of a step that returned no error. Failed
// steps complete with their ir.ErrorCode, or CaseError when the error
// carries none.
const (
	CaseOK    = "ok"
	CaseError = "error"
)

// TraceEvent is one invocation or completion in the trace.
type TraceEvent struct {
	Type   string      `json:"type"`
	Op     string      `json:"op,omitempty"`
	As     string      `json:"as,omitempty"`
	Args   ir.IRObject `json:"args,omitempty"`
	Case   string      `json:"case,omitempty"`
	Result ir.IRObject `json:"result,omitempty"`
	Seq    int64       `json:"seq"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds every invocation and completion in order. Results carry
	// no generated ids, so traces are stable across runs.
	Trace []TraceEvent `json:"trace"`

	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError records a failure and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddInvocationTrace appends an invocation.
func (r *Result) AddInvocationTrace(op, as string, args ir.IRObject, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{Type: EventInvocation, Op: op, As: as, Args: args, Seq: seq})
}

// AddCompletionTrace appends a completion.
func (r *Result) AddCompletionTrace(op, outcome string, result ir.IRObject, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{Type: EventCompletion, Op: op, Case: outcome, Result: result, Seq: seq})
}
