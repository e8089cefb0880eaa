package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/autotag/internal/provider/memory"
	"github.com/roach88/autotag/internal/tag"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Seq: 1, Step: 0, Type: EventMembership, Action: "member_added", Resource: "r1", Tag: "done"},
		{Seq: 2, Step: 0, Type: EventCommand, Action: "pause", Resource: "r1"},
		{Seq: 3, Step: 1, Type: EventCommand, Action: "stop", Resource: "r2", Arg: "stopped"},
		{Seq: 4, Step: 2, Type: EventMembership, Action: "member_removed", Resource: "r1", Tag: "done"},
	}
}

func TestAssertTraceContains_Found(t *testing.T) {
	err := assertTraceContains(sampleTrace(), Assertion{
		Type:     AssertTraceContains,
		Action:   "member_added",
		Resource: "r1",
		Tag:      "done",
	})
	assert.NoError(t, err)
}

func TestAssertTraceContains_NotFound(t *testing.T) {
	err := assertTraceContains(sampleTrace(), Assertion{
		Type:   AssertTraceContains,
		Action: "start",
	})
	require.Error(t, err)

	assertErr, ok := err.(*AssertionError)
	require.True(t, ok)
	assert.Equal(t, "trace_contains", assertErr.Type)
	assert.Contains(t, assertErr.Expected, "start")
	assert.Equal(t, "not found in trace", assertErr.Actual)
}

func TestAssertTraceContains_Filters(t *testing.T) {
	tests := []struct {
		name string
		a    Assertion
		ok   bool
	}{
		{"action only", Assertion{Action: "pause"}, true},
		{"matching resource", Assertion{Action: "pause", Resource: "r1"}, true},
		{"wrong resource", Assertion{Action: "pause", Resource: "r2"}, false},
		{"matching arg", Assertion{Action: "stop", Arg: "stopped"}, true},
		{"wrong arg", Assertion{Action: "stop", Arg: "queued"}, false},
		{"wrong tag", Assertion{Action: "member_added", Tag: "other"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.a.Type = AssertTraceContains
			err := assertTraceContains(sampleTrace(), tt.a)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestAssertTraceOrder_Correct(t *testing.T) {
	err := assertTraceOrder(sampleTrace(), Assertion{
		Type:    AssertTraceOrder,
		Actions: []string{"member_added", "stop", "member_removed"},
	})
	assert.NoError(t, err)
}

func TestAssertTraceOrder_WrongOrder(t *testing.T) {
	err := assertTraceOrder(sampleTrace(), Assertion{
		Type:    AssertTraceOrder,
		Actions: []string{"member_removed", "member_added"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "member_removed (pos 4) should be before member_added (pos 1)")
}

func TestAssertTraceOrder_MissingAction(t *testing.T) {
	err := assertTraceOrder(sampleTrace(), Assertion{
		Type:    AssertTraceOrder,
		Actions: []string{"member_added", "archive"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing action: archive")
}

func TestAssertTraceOrder_FilteredByResource(t *testing.T) {
	// stop only happened to r2, so it is missing once filtered to r1.
	err := assertTraceOrder(sampleTrace(), Assertion{
		Type:     AssertTraceOrder,
		Actions:  []string{"member_added", "stop"},
		Resource: "r1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing action: stop")
}

func TestAssertTraceCount(t *testing.T) {
	tests := []struct {
		name  string
		a     Assertion
		valid bool
	}{
		{"exact", Assertion{Action: "member_added", Count: 1}, true},
		{"too many expected", Assertion{Action: "member_added", Count: 2}, false},
		{"zero", Assertion{Action: "archive", Count: 0}, true},
		{"zero but present", Assertion{Action: "pause", Count: 0}, false},
		{"filtered", Assertion{Action: "stop", Resource: "r1", Count: 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.a.Type = AssertTraceCount
			err := assertTraceCount(sampleTrace(), tt.a)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func newStateFixture(t *testing.T) (*tag.Manager, *memory.Provider) {
	t.Helper()
	mgr := tag.NewManager()
	mgr.RegisterDefaultTypes()
	prov := memory.New()
	prov.Add(memory.FromFixture(memory.Fixture{ID: "r1", State: "paused"}))
	prov.Add(memory.FromFixture(memory.Fixture{ID: "r2", State: "seeding"}))

	tg, err := mgr.CreateTag(tag.TypeManual, "keep")
	require.NoError(t, err)
	r1, _ := prov.Get("r1")
	r2, _ := prov.Get("r2")
	tg.AddMember(r2)
	tg.AddMember(r1)
	tg.SetStatus("2 members")
	return mgr, prov
}

func TestAssertMembers(t *testing.T) {
	mgr, _ := newStateFixture(t)

	assert.NoError(t, assertMembers(mgr, Assertion{Tag: "keep", Members: []string{"r1", "r2"}}))
	assert.Error(t, assertMembers(mgr, Assertion{Tag: "keep", Members: []string{"r1"}}))

	err := assertMembers(mgr, Assertion{Tag: "missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such tag")
}

func TestAssertResourceState(t *testing.T) {
	_, prov := newStateFixture(t)

	assert.NoError(t, assertResourceState(prov, Assertion{Resource: "r1", State: "paused"}))

	err := assertResourceState(prov, Assertion{Resource: "r2", State: "paused"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seeding")

	err = assertResourceState(prov, Assertion{Resource: "r9", State: "paused"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resource not found")
}

func TestAssertTagStatus(t *testing.T) {
	mgr, _ := newStateFixture(t)

	assert.NoError(t, assertTagStatus(mgr, Assertion{Tag: "keep", Status: "2 members"}))
	assert.NoError(t, assertTagStatus(mgr, Assertion{Tag: "keep", Status: "*"}))
	assert.Error(t, assertTagStatus(mgr, Assertion{Tag: "keep", Status: "idle"}))
}

func TestEvaluateAssertions_AllPass(t *testing.T) {
	result := &Result{Trace: sampleTrace()}

	errors := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceContains, Action: "pause"},
		{Type: AssertTraceOrder, Actions: []string{"member_added", "member_removed"}},
		{Type: AssertTraceCount, Action: "stop", Count: 1},
	}, nil)
	assert.Empty(t, errors)
}

func TestEvaluateAssertions_SomeFail(t *testing.T) {
	result := &Result{Trace: sampleTrace()}

	errors := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceContains, Action: "pause"},
		{Type: AssertTraceContains, Action: "archive"},
		{Type: AssertTraceCount, Action: "pause", Count: 3},
	}, nil)
	require.Len(t, errors, 2)
	assert.Contains(t, errors[0], "archive")
	assert.Contains(t, errors[1], "3 occurrences")
}

func TestEvaluateAssertions_StateWithoutContext(t *testing.T) {
	errors := EvaluateAssertions(&Result{}, []Assertion{
		{Type: AssertMembers, Tag: "keep"},
		{Type: AssertResourceState, Resource: "r1", State: "paused"},
		{Type: AssertConverged},
	}, nil)
	require.Len(t, errors, 3)
	assert.Contains(t, errors[0], "requires the tag manager")
	assert.Contains(t, errors[1], "requires the provider")
	assert.Contains(t, errors[2], "requires the running system")
}

func TestEvaluateAssertions_StateWithContext(t *testing.T) {
	mgr, prov := newStateFixture(t)

	errors := EvaluateAssertions(&Result{}, []Assertion{
		{Type: AssertMembers, Tag: "keep", Members: []string{"r2", "r1"}},
		{Type: AssertResourceState, Resource: "r2", State: "seeding"},
	}, &AssertionContext{Manager: mgr, Provider: prov})
	assert.Empty(t, errors)
}

func TestEvaluateAssertions_UnknownType(t *testing.T) {
	errors := EvaluateAssertions(&Result{}, []Assertion{{Type: "final_state"}}, nil)
	require.Len(t, errors, 1)
	assert.Contains(t, errors[0], "unknown assertion type")
}

func TestAssertionError_ErrorFormat(t *testing.T) {
	err := &AssertionError{
		Type:     "trace_contains",
		Expected: "action archive",
		Actual:   "not found in trace",
		Trace:    sampleTrace(),
	}

	s := err.Error()
	assert.Contains(t, s, "Assertion failed: trace_contains")
	assert.Contains(t, s, "Expected: action archive")
	assert.Contains(t, s, "Actual: not found in trace")
	assert.Contains(t, s, "Full trace:")
	assert.Contains(t, s, "[3] step 1 stop r2 arg=stopped")
}
