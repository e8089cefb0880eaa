package harness

// Trace event types.
const (
	EventMembership = "membership"
	EventCommand    = "command"
)

// TraceEvent is one observable effect of a scenario step: a membership
// change or a command received by the resource provider.
type TraceEvent struct {
	Seq      int64  `json:"seq"`
	Step     int    `json:"step"`
	Type     string `json:"type"`
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Tag      string `json:"tag,omitempty"`
	Arg      string `json:"arg,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every assertion holds.
	Pass bool `json:"pass"`

	// Trace contains every membership change and provider command in
	// step order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failure messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Members is the final membership of every tag, keyed by tag name,
	// in join order.
	Members map[string][]string `json:"members,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		Members: make(map[string][]string),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addEvents appends a step's events, numbering them after the existing
// trace.
func (r *Result) addEvents(step int, events []TraceEvent) {
	for _, ev := range events {
		ev.Step = step
		ev.Seq = int64(len(r.Trace) + 1)
		r.Trace = append(r.Trace, ev)
	}
}
