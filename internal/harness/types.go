package harness

// Event types.
const (
	EventStep    = "step"
	EventDisplay = "display"
)

// TraceEvent is one step or one displayed snapshot.
type TraceEvent struct {
	Type    string         `json:"type"`
	Seq     int            `json:"seq"`
	Op      string         `json:"op,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	Outcome string         `json:"outcome,omitempty"`
	Mode    string         `json:"mode,omitempty"`
	Cursor  int            `json:"cursor"`
	Len     int            `json:"len"`
	Text    string         `json:"text,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace is every step and display event, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds failed expectations and assertions.
	Errors []string `json:"errors,omitempty"`

	// History is the snapshot texts after the flow.
	History []string `json:"history"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		History: []string{},
	}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Steps returns only the step events.
func (r *Result) Steps() []TraceEvent {
	var out []TraceEvent
	for _, e := range r.Trace {
		if e.Type == EventStep {
			out = append(out, e)
		}
	}
	return out
}

// Displayed returns the texts of the display events.
func (r *Result) Displayed() []string {
	out := []string{}
	for _, e := range r.Trace {
		if e.Type == EventDisplay {
			out = append(out, e.Text)
		}
	}
	return out
}
