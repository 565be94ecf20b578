package harness

import (
	"github.com/roach88/branchline/internal/record"
	"github.com/roach88/branchline/internal/watermark"
)

// Trace event types.
const (
	EventRoute    = "route"
	EventDeliver  = "deliver"
	EventComplete = "complete"
	EventCommit   = "commit"
	EventClose    = "close"
	EventError    = "error"
)

// TraceEvent is one observable step of a scenario run.
type TraceEvent struct {
	Seq       int64  `json:"seq"`
	Type      string `json:"type"`
	Watermark string `json:"watermark,omitempty"`

	// Branch is set for deliver and complete events.
	Branch *int `json:"branch,omitempty"`

	// Routing is set for route events, as "[1 0 1]".
	Routing string `json:"routing,omitempty"`

	// Committable is the tracker's committable watermark for the source
	// after a complete event.
	Committable string `json:"committable,omitempty"`

	// Committed is the stored watermark set after commit and close events.
	Committed string `json:"committed,omitempty"`

	// Code and Error describe a failed step.
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// key identifies an event for trace_order assertions.
func (e TraceEvent) key() string {
	if e.Watermark == "" {
		return e.Type
	}
	return e.Type + " " + e.Watermark
}

// toValue converts the event to a record value for canonical encoding.
func (e TraceEvent) toValue() record.Object {
	obj := record.Object{
		"seq":  record.Int(e.Seq),
		"type": record.String(e.Type),
	}
	put := func(k, v string) {
		if v != "" {
			obj[k] = record.String(v)
		}
	}
	put("watermark", e.Watermark)
	put("routing", e.Routing)
	put("committable", e.Committable)
	put("committed", e.Committed)
	put("code", e.Code)
	put("error", e.Error)
	if e.Branch != nil {
		obj["branch"] = record.Int(*e.Branch)
	}
	return obj
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall scenario success: no unexpected error and
	// every assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion and step failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Committed is the stored watermark set after the final commit.
	Committed watermark.Set `json:"committed"`

	// Committable is the tracker's view after the last step.
	Committable watermark.Set `json:"committable"`

	// ForkError is the code of the fork failure, if any.
	ForkError string `json:"fork_error,omitempty"`

	seq int64
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:        true,
		Trace:       []TraceEvent{},
		Errors:      []string{},
		Committed:   watermark.NewSet(),
		Committable: watermark.NewSet(),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addEvent stamps e with the next sequence number and appends it.
func (r *Result) addEvent(e TraceEvent) {
	r.seq++
	e.Seq = r.seq
	r.Trace = append(r.Trace, e)
}
