package harness

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden_CompleteTagging(t *testing.T) {
	result, err := RunWithGolden(t, mustLoad(t, "complete_tagging"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "%v", result.Errors)
}

func TestRunWithGolden_AggregatePause(t *testing.T) {
	result, err := RunWithGolden(t, mustLoad(t, "aggregate_pause"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "%v", result.Errors)
}

func TestAssertGolden_FromResult(t *testing.T) {
	s := mustLoad(t, "complete_tagging")
	result, err := Run(s)
	require.NoError(t, err)

	require.NoError(t, AssertGolden(t, s.Name, result))
}

func TestMarshalSnapshot(t *testing.T) {
	data, err := MarshalSnapshot(TraceSnapshot{ScenarioName: "empty"})
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"scenario_name\": \"empty\",\n  \"trace\": [],\n  \"members\": {}\n}\n", string(data))
}

func TestMarshalSnapshot_Deterministic(t *testing.T) {
	s := TraceSnapshot{
		ScenarioName: "order",
		Trace:        sampleTrace(),
		Members:      map[string][]string{"z": {"r1"}, "a": {"r2"}, "m": {"r3"}},
	}
	first, err := MarshalSnapshot(s)
	require.NoError(t, err)
	for range 10 {
		again, err := MarshalSnapshot(s)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Less(t, bytes.Index(first, []byte(`"a"`)), bytes.Index(first, []byte(`"z"`)))
}

func TestMarshalSnapshot_OmitsEmptyFields(t *testing.T) {
	data, err := MarshalSnapshot(TraceSnapshot{
		ScenarioName: "cmd",
		Trace:        []TraceEvent{{Seq: 1, Type: EventCommand, Action: "pause", Resource: "a"}},
	})
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"tag"`)
	assert.NotContains(t, string(data), `"arg"`)
}
