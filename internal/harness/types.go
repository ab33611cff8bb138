package harness

// TraceEvent is one request/reply pair, or one await, in execution order.
type TraceEvent struct {
	Seq       int            `json:"seq"`
	RequestID string         `json:"request_id,omitempty"`
	Action    string         `json:"action,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Status    string         `json:"status,omitempty"`
	Msg       string         `json:"msg,omitempty"`
	Data      map[string]any `json:"data,omitempty"`

	// Await is set for await steps; State is the state that was reached.
	Await string `json:"await,omitempty"`
	State string `json:"state,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Errors lists failed expectations and assertions. Empty if Pass.
	Errors []string `json:"errors,omitempty"`

	// Vars holds the values saved by steps, keyed by name without "$".
	Vars map[string]string `json:"vars,omitempty"`

	// States holds the final state of every saved query id.
	States map[string]string `json:"states,omitempty"`

	// Materializations counts materializer calls per query id.
	Materializations map[string]int `json:"materializations,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:             true,
		Trace:            []TraceEvent{},
		Errors:           []string{},
		Vars:             make(map[string]string),
		States:           make(map[string]string),
		Materializations: make(map[string]int),
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addEvent(ev TraceEvent) {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
}
