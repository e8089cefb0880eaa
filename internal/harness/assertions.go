package harness

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/roach88/autotag/internal/engine"
	"github.com/roach88/autotag/internal/provider/memory"
	"github.com/roach88/autotag/internal/tag"
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
			fmt.Fprintf(&buf, "  [%d] %s\n", event.Seq, describe(event))
		}
	}

	return buf.String()
}

// describe renders one trace event on a single line.
func describe(ev TraceEvent) string {
	parts := []string{ev.Action}
	if ev.Resource != "" {
		parts = append(parts, ev.Resource)
	}
	if ev.Tag != "" {
		parts = append(parts, "tag="+ev.Tag)
	}
	if ev.Arg != "" {
		parts = append(parts, "arg="+ev.Arg)
	}
	return fmt.Sprintf("step %d %s", ev.Step, strings.Join(parts, " "))
}

// matches reports whether ev satisfies the assertion's action and every
// non-empty filter field.
func matches(ev TraceEvent, a Assertion, action string) bool {
	if ev.Action != action {
		return false
	}
	if a.Resource != "" && ev.Resource != a.Resource {
		return false
	}
	if a.Tag != "" && ev.Tag != a.Tag {
		return false
	}
	if a.Arg != "" && ev.Arg != a.Arg {
		return false
	}
	return true
}

func filterDesc(a Assertion) string {
	var parts []string
	if a.Resource != "" {
		parts = append(parts, "resource="+a.Resource)
	}
	if a.Tag != "" {
		parts = append(parts, "tag="+a.Tag)
	}
	if a.Arg != "" {
		parts = append(parts, "arg="+a.Arg)
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

// assertTraceContains checks that at least one event matches.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if matches(event, assertion, assertion.Action) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("action %s%s", assertion.Action, filterDesc(assertion)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first occurrences of the listed actions
// appear in the given order. Intervening events are allowed; the
// assertion's resource/tag/arg filters apply to every action.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)

	for i, event := range trace {
		for _, expected := range assertion.Actions {
			if positions[expected] == 0 && matches(event, assertion, expected) {
				positions[expected] = i + 1 // 1-indexed for readability
			}
		}
	}

	for _, action := range assertion.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all actions present: %v%s", assertion.Actions, filterDesc(assertion)),
				Actual:   fmt.Sprintf("missing action: %s", action),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Actions); i++ {
		prev := assertion.Actions[i-1]
		curr := assertion.Actions[i]

		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", assertion.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}

	return nil
}

// assertTraceCount checks that exactly Count events match.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if matches(event, assertion, assertion.Action) {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s%s", assertion.Count, assertion.Action, filterDesc(assertion)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}

	return nil
}

// assertMembers compares a tag's final members with the expected set.
func assertMembers(mgr *tag.Manager, assertion Assertion) error {
	t, ok := mgr.TagByName(assertion.Tag)
	if !ok {
		return &AssertionError{
			Type:     AssertMembers,
			Expected: fmt.Sprintf("tag %q to exist", assertion.Tag),
			Actual:   "no such tag",
		}
	}
	return compareSets(AssertMembers, assertion.Tag, assertion.Members, memberIDs(t))
}

// assertPersistedMembers compares the member list last written to the store.
func assertPersistedMembers(mgr *tag.Manager, assertion Assertion) error {
	t, ok := mgr.TagByName(assertion.Tag)
	if !ok {
		return &AssertionError{
			Type:     AssertPersistedMembers,
			Expected: fmt.Sprintf("tag %q to exist", assertion.Tag),
			Actual:   "no such tag",
		}
	}
	return compareSets(AssertPersistedMembers, assertion.Tag, assertion.Members, t.PersistedMembers())
}

func compareSets(kind, tagName string, expected, actual []string) error {
	want := slices.Clone(expected)
	got := slices.Clone(actual)
	sort.Strings(want)
	sort.Strings(got)
	if slices.Equal(want, got) {
		return nil
	}
	return &AssertionError{
		Type:     kind,
		Expected: fmt.Sprintf("%s members %v", tagName, want),
		Actual:   fmt.Sprintf("%v", got),
	}
}

// assertResourceState checks a resource's final run state.
func assertResourceState(prov *memory.Provider, assertion Assertion) error {
	r, ok := prov.Get(assertion.Resource)
	if !ok {
		return &AssertionError{
			Type:     AssertResourceState,
			Expected: fmt.Sprintf("resource %q in state %s", assertion.Resource, assertion.State),
			Actual:   "resource not found",
		}
	}
	if got := r.State().String(); got != assertion.State {
		return &AssertionError{
			Type:     AssertResourceState,
			Expected: fmt.Sprintf("resource %q in state %s", assertion.Resource, assertion.State),
			Actual:   got,
		}
	}
	return nil
}

// assertTagStatus checks a tag's status text. A Status of "*" only requires
// the status to be non-empty.
func assertTagStatus(mgr *tag.Manager, assertion Assertion) error {
	t, ok := mgr.TagByName(assertion.Tag)
	if !ok {
		return &AssertionError{
			Type:     AssertTagStatus,
			Expected: fmt.Sprintf("tag %q to exist", assertion.Tag),
			Actual:   "no such tag",
		}
	}
	got := t.Status()
	if assertion.Status == "*" {
		if got == "" {
			return &AssertionError{
				Type:     AssertTagStatus,
				Expected: fmt.Sprintf("non-empty status on %s", assertion.Tag),
				Actual:   "empty status",
			}
		}
		return nil
	}
	if got != assertion.Status {
		return &AssertionError{
			Type:     AssertTagStatus,
			Expected: fmt.Sprintf("status %q on %s", assertion.Status, assertion.Tag),
			Actual:   fmt.Sprintf("%q", got),
		}
	}
	return nil
}

// assertConverged checks that membership agrees with every auto-managed
// constraint, or with one tag's when Tag is set.
func assertConverged(ctx context.Context, actx *AssertionContext, assertion Assertion) error {
	check := ConvergenceCheck{
		Manager:   actx.Manager,
		Resources: actx.Provider,
		Engine:    actx.Engine,
		Now:       actx.Now,
	}
	divergent := check.Run(ctx, assertion.Tag)
	if len(divergent) == 0 {
		return nil
	}
	lines := make([]string, len(divergent))
	for i, d := range divergent {
		lines[i] = d.String()
	}
	return &AssertionError{
		Type:     AssertConverged,
		Expected: "membership to match every constraint",
		Actual:   strings.Join(lines, "; "),
	}
}

// AssertionContext provides the final system state to assertions.
type AssertionContext struct {
	Manager  *tag.Manager
	Provider *memory.Provider
	Engine   *engine.Engine
	Now      func() time.Time
	Ctx      context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides the final state for non-trace assertions.
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
		case AssertMembers, AssertPersistedMembers, AssertTagStatus:
			if actx == nil || actx.Manager == nil {
				err = fmt.Errorf("assertion[%d]: %s requires the tag manager", i, assertion.Type)
				break
			}
			switch assertion.Type {
			case AssertMembers:
				err = assertMembers(actx.Manager, assertion)
			case AssertPersistedMembers:
				err = assertPersistedMembers(actx.Manager, assertion)
			default:
				err = assertTagStatus(actx.Manager, assertion)
			}
		case AssertResourceState:
			if actx == nil || actx.Provider == nil {
				err = fmt.Errorf("assertion[%d]: resource_state requires the provider", i)
			} else {
				err = assertResourceState(actx.Provider, assertion)
			}
		case AssertConverged:
			if actx == nil || actx.Manager == nil || actx.Provider == nil || actx.Engine == nil {
				err = fmt.Errorf("assertion[%d]: converged requires the running system", i)
				break
			}
			ctx := actx.Ctx
			if ctx == nil {
				ctx = context.Background()
			}
			err = assertConverged(ctx, actx, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
