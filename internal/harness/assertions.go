package harness

import (
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes the calls made so far to help debug the failure.
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

	fmt.Fprintf(&buf, "\nCalls:\n")
	for _, event := range e.Trace {
		if event.Type == EventCall {
			fmt.Fprintf(&buf, "  [%d] %s %s -> %s\n", event.Seq, event.Record, event.Action, event.Outcome)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for _, a := range assertions {
		var err error
		switch a.Type {
		case AssertCallCount:
			err = assertCallCount(result.Trace, a)
		case AssertCallOrder:
			err = assertCallOrder(result.Trace, a)
		case AssertRecordStatus:
			err = assertRecordStatus(result, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

// callKey renders a call as "collection/key action".
func callKey(ev TraceEvent) string {
	return ev.entity + " " + string(ev.Action)
}

func assertCallCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Type == EventCall && (a.Entity == "" || ev.entity == a.Entity) {
			count++
		}
	}
	if count == a.Count {
		return nil
	}
	target := "all entities"
	if a.Entity != "" {
		target = a.Entity
	}
	return &AssertionError{
		Type:     AssertCallCount,
		Expected: fmt.Sprintf("%d calls for %s", a.Count, target),
		Actual:   fmt.Sprintf("%d calls", count),
		Trace:    trace,
	}
}

// assertCallOrder checks that the listed calls appear in order. Other calls
// may appear in between.
func assertCallOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next == len(a.Calls) {
			break
		}
		if ev.Type == EventCall && callKey(ev) == a.Calls[next] {
			next++
		}
	}
	if next == len(a.Calls) {
		return nil
	}
	return &AssertionError{
		Type:     AssertCallOrder,
		Expected: fmt.Sprintf("calls in order: %v", a.Calls),
		Actual:   fmt.Sprintf("%q not found after %v", a.Calls[next], a.Calls[:next]),
		Trace:    trace,
	}
}

func assertRecordStatus(result *Result, a Assertion) error {
	var matching []RecordState
	for _, rec := range result.Records {
		if rec.entity == a.Entity {
			matching = append(matching, rec)
		}
	}
	if a.Index >= len(matching) {
		return &AssertionError{
			Type:     AssertRecordStatus,
			Expected: fmt.Sprintf("record %d of %s", a.Index, a.Entity),
			Actual:   fmt.Sprintf("%d records", len(matching)),
			Trace:    result.Trace,
		}
	}

	rec := matching[a.Index]
	if string(rec.Status) != a.Status {
		return &AssertionError{
			Type:     AssertRecordStatus,
			Expected: fmt.Sprintf("%s is %s", rec.ID, a.Status),
			Actual:   string(rec.Status),
			Trace:    result.Trace,
		}
	}
	if a.Attempt != nil && rec.Attempt != *a.Attempt {
		return &AssertionError{
			Type:     AssertRecordStatus,
			Expected: fmt.Sprintf("%s at attempt %d", rec.ID, *a.Attempt),
			Actual:   fmt.Sprintf("attempt %d", rec.Attempt),
			Trace:    result.Trace,
		}
	}
	return nil
}
