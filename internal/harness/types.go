package harness

import "github.com/roach88/derive/internal/ir"

// Trace event types.
const (
	EventCreate      = "create"
	EventSubscribe   = "subscribe"
	EventUpdate      = "update"
	EventUnsubscribe = "unsubscribe"
	EventSet         = "set"
	EventStart       = "start"
	EventFinish      = "finish"
	EventAbort       = "abort"
	EventError       = "error"
)

// TraceEvent is one entry in a scenario trace. Seq is the 1-based
// position in the trace.
type TraceEvent struct {
	Seq      int64
	Type     string
	Doc      string
	Sub      string
	Tx       uint64
	Fields   ir.Object
	State    string
	Computed *bool
	Message  string
}

// Value returns the event as an ir.Object for canonical encoding. Unset
// fields are omitted.
func (e TraceEvent) Value() ir.Object {
	obj := ir.Object{
		"seq":  ir.Int(e.Seq),
		"type": ir.String(e.Type),
	}
	if e.Doc != "" {
		obj["doc"] = ir.String(e.Doc)
	}
	if e.Sub != "" {
		obj["sub"] = ir.String(e.Sub)
	}
	if e.Tx != 0 {
		obj["tx"] = ir.Int(int64(e.Tx))
	}
	if e.Fields != nil {
		obj["fields"] = e.Fields
	}
	if e.State != "" {
		obj["state"] = ir.String(e.State)
	}
	if e.Computed != nil {
		obj["computed"] = ir.Bool(*e.Computed)
	}
	if e.Message != "" {
		obj["message"] = ir.String(e.Message)
	}
	return obj
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expectation held and no step failed.
	Pass bool

	// Trace lists creations, steps and delivered updates in order.
	Trace []TraceEvent

	// Errors contains expectation failures and step errors.
	Errors []string

	// Final holds the declared fields of every document after the run.
	Final map[string]ir.Object
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Final:  make(map[string]ir.Object),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Record appends e to the trace and assigns its Seq.
func (r *Result) Record(e TraceEvent) {
	e.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, e)
}

// Updates returns the update events delivered to subscription sub.
func (r *Result) Updates(sub string) []TraceEvent {
	var out []TraceEvent
	for _, e := range r.Trace {
		if e.Type == EventUpdate && e.Sub == sub {
			out = append(out, e)
		}
	}
	return out
}
