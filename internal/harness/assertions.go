package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/branchline/internal/tracker"
	"github.com/roach88/branchline/internal/watermark"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", event.Seq, describeEvent(event))
		}
	}
	return buf.String()
}

func describeEvent(e TraceEvent) string {
	var b strings.Builder
	b.WriteString(e.key())
	if e.Branch != nil {
		fmt.Fprintf(&b, " branch=%d", *e.Branch)
	}
	if e.Routing != "" {
		fmt.Fprintf(&b, " routing=%s", e.Routing)
	}
	if e.Committed != "" {
		fmt.Fprintf(&b, " committed=%s", e.Committed)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	if e.Error != "" {
		fmt.Fprintf(&b, " error=%q", e.Error)
	}
	return b.String()
}

func matches(event TraceEvent, a Assertion) bool {
	if event.Type != a.Event {
		return false
	}
	if a.Watermark != "" && event.Watermark != a.Watermark {
		return false
	}
	if a.Branch != nil && (event.Branch == nil || *event.Branch != *a.Branch) {
		return false
	}
	return true
}

func describeFilter(a Assertion) string {
	desc := a.Event
	if a.Watermark != "" {
		desc += " " + a.Watermark
	}
	if a.Branch != nil {
		desc += fmt.Sprintf(" branch=%d", *a.Branch)
	}
	return desc
}

// assertTraceContains checks that some event matches the assertion filter.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if matches(event, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describeFilter(a),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the listed "type watermark" keys appear in
// the trace in order. Other events may appear between them.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, event := range trace {
		if next < len(a.Events) && event.key() == a.Events[next] {
			next++
		}
	}
	if next == len(a.Events) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: strings.Join(a.Events, " -> "),
		Actual:   fmt.Sprintf("%q not found after %d matching event(s)", a.Events[next], next),
		Trace:    trace,
	}
}

// assertTraceCount checks the number of events matching the filter.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if matches(event, a) {
			count++
		}
	}
	if count == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%s occurs %d time(s)", describeFilter(a), a.Count),
		Actual:   fmt.Sprintf("occurs %d time(s)", count),
		Trace:    trace,
	}
}

// assertWatermark compares one source of set against the expected offset.
func assertWatermark(typ string, set watermark.Set, a Assertion) error {
	wm, ok := set[a.Source]
	switch {
	case a.Offset == nil && !ok:
		return nil
	case a.Offset == nil:
		return &AssertionError{Type: typ, Expected: a.Source + " has no watermark", Actual: wm.String()}
	case !ok:
		return &AssertionError{
			Type:     typ,
			Expected: watermark.New(a.Source, watermark.Offset(*a.Offset)).String(),
			Actual:   "no watermark",
		}
	}
	want := watermark.New(a.Source, watermark.Offset(*a.Offset))
	if wm.Position.Compare(want.Position) != 0 {
		return &AssertionError{Type: typ, Expected: want.String(), Actual: wm.String()}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions against the result. Store
// assertions read result.Committed; tracker assertions ask tr directly.
// Returns a list of error messages (empty if all pass).
func EvaluateAssertions(result *Result, assertions []Assertion, tr *tracker.Tracker) []string {
	var errs []string

	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertCommitted:
			err = assertWatermark(a.Type, result.Committed, a)
		case AssertCommittable:
			set := result.Committable
			if tr != nil {
				set = tr.CommittableWatermarks()
			}
			err = assertWatermark(a.Type, set, a)
		default:
			err = fmt.Errorf("unknown assertion type: %s", a.Type)
		}

		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion[%d]: %v", i, err))
		}
	}

	return errs
}
