package harness

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/roach88/midst/internal/store"
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
			switch event.Type {
			case EventStep:
				fmt.Fprintf(&buf, "  [%d] %s %v -> %s (%s %d/%d)\n",
					event.Seq, event.Op, event.Args, event.Outcome, event.Mode, event.Cursor, event.Len)
			case EventDisplay:
				fmt.Fprintf(&buf, "  [%d] display %q\n", event.Seq, event.Text)
			}
		}
	}
	return buf.String()
}

// matchStep reports whether event is a step selected by op and, when given,
// outcome.
func matchStep(event TraceEvent, op, outcome string) bool {
	if event.Type != EventStep || event.Op != op {
		return false
	}
	return outcome == "" || event.Outcome == outcome
}

// assertTraceContains checks that a step with the op (and outcome) ran.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if matchStep(event, assertion.Op, assertion.Outcome) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("step %s with outcome %q", assertion.Op, assertion.Outcome),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that ops appear in the given order. Intervening
// steps are allowed, and each op matches the first occurrence after the
// previous match.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	next := 0
	for _, event := range trace {
		if next == len(assertion.Ops) {
			break
		}
		if matchStep(event, assertion.Ops[next], "") {
			next++
		}
	}
	if next < len(assertion.Ops) {
		return &AssertionError{
			Type:     AssertTraceOrder,
			Expected: fmt.Sprintf("ops in order: %v", assertion.Ops),
			Actual:   fmt.Sprintf("no %s after %v", assertion.Ops[next], assertion.Ops[:next]),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceCount checks that exactly Count steps match.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if matchStep(event, assertion.Op, assertion.Outcome) {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Op),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks the status after the last step and the final
// history.
func assertFinalState(result *Result, assertion Assertion) error {
	steps := result.Steps()
	if len(steps) == 0 {
		return &AssertionError{Type: AssertFinalState, Expected: "at least one step", Actual: "empty trace"}
	}
	last := steps[len(steps)-1]

	if assertion.Mode != "" && assertion.Mode != last.Mode {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("mode %s", assertion.Mode),
			Actual:   fmt.Sprintf("mode %s", last.Mode),
			Trace:    result.Trace,
		}
	}
	if assertion.Cursor != nil && *assertion.Cursor != last.Cursor {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("cursor %d", *assertion.Cursor),
			Actual:   fmt.Sprintf("cursor %d", last.Cursor),
			Trace:    result.Trace,
		}
	}
	if assertion.History != nil && !slices.Equal(assertion.History, result.History) {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("history %q", assertion.History),
			Actual:   fmt.Sprintf("history %q", result.History),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertDisplayed checks the exact sequence of displayed texts.
func assertDisplayed(result *Result, assertion Assertion) error {
	got := result.Displayed()
	if !slices.Equal(assertion.Texts, got) {
		return &AssertionError{
			Type:     AssertDisplayed,
			Expected: fmt.Sprintf("displayed %q", assertion.Texts),
			Actual:   fmt.Sprintf("displayed %q", got),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertJournal checks the journal entry for a document.
func assertJournal(ctx context.Context, journal *store.Store, dir string, assertion Assertion) error {
	doc, err := journal.LookupDocument(ctx, filepath.Join(dir, assertion.Path))
	if err != nil {
		return &AssertionError{
			Type:     AssertJournal,
			Expected: fmt.Sprintf("journal entry for %s", assertion.Path),
			Actual:   err.Error(),
		}
	}

	if assertion.Snapshots != nil && *assertion.Snapshots != doc.Snapshots {
		return &AssertionError{
			Type:     AssertJournal,
			Expected: fmt.Sprintf("%s: %d snapshots", assertion.Path, *assertion.Snapshots),
			Actual:   fmt.Sprintf("%d snapshots", doc.Snapshots),
		}
	}
	if assertion.SavedLen != nil && *assertion.SavedLen != doc.SavedLen {
		return &AssertionError{
			Type:     AssertJournal,
			Expected: fmt.Sprintf("%s: saved_len %d", assertion.Path, *assertion.SavedLen),
			Actual:   fmt.Sprintf("saved_len %d", doc.SavedLen),
		}
	}
	if assertion.Unsaved != nil && *assertion.Unsaved != doc.Unsaved() {
		return &AssertionError{
			Type:     AssertJournal,
			Expected: fmt.Sprintf("%s: unsaved %t", assertion.Path, *assertion.Unsaved),
			Actual:   fmt.Sprintf("unsaved %t", doc.Unsaved()),
		}
	}
	return nil
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Ctx     context.Context
	Journal *store.Store

	// Dir resolves document paths.
	Dir string
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides journal access for journal assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			err = assertFinalState(result, assertion)
		case AssertDisplayed:
			err = assertDisplayed(result, assertion)
		case AssertJournal:
			if actx == nil || actx.Journal == nil {
				err = fmt.Errorf("assertion[%d]: journal requires a journal context", i)
			} else {
				err = assertJournal(actx.Ctx, actx.Journal, actx.Dir, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
