package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDefs = `
defs: |
  tag: done: {
    constraint: "isComplete()"
    auto_add: true
  }
`

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, `
name: test_scenario
description: "Test scenario for validation"
`+testDefs+`
resources:
  - id: r1
    complete: true
    share_ratio: 1500
steps:
  - invoke: startup
  - invoke: advance
    args: { duration: 90s }
  - invoke: set_stats
    args: { resource: r1, uploaded: 10, seeds: 0 }
assertions:
  - type: members
    tag: done
    members: [r1]
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, "Test scenario for validation", scenario.Description)
	assert.Contains(t, scenario.Defs, "isComplete()")
	require.Len(t, scenario.Resources, 1)
	assert.True(t, scenario.Resources[0].Complete)
	require.NotNil(t, scenario.Resources[0].ShareRatio)
	assert.Equal(t, 1500, *scenario.Resources[0].ShareRatio)

	require.Len(t, scenario.Steps, 3)
	assert.Equal(t, OpStartup, scenario.Steps[0].Invoke)
	assert.Equal(t, 90*time.Second, scenario.Steps[1].Args.Duration)

	stats := scenario.Steps[2].Args
	require.NotNil(t, stats.Uploaded)
	assert.Equal(t, int64(10), *stats.Uploaded)
	require.NotNil(t, stats.Seeds, "explicit zero must be distinguishable from unset")
	assert.Equal(t, 0, *stats.Seeds)
	assert.Nil(t, stats.Peers)

	assert.Equal(t, []string{"r1"}, scenario.Assertions[0].Members)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_MalformedYAML(t *testing.T) {
	path := writeScenario(t, "name: [unclosed")
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_UnknownFieldsRejected(t *testing.T) {
	path := writeScenario(t, `
name: typo
description: "assertion instead of assertions"
`+testDefs+`
steps:
  - invoke: startup
assertion:
  - type: converged
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "assertion")
}

func TestLoadScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing name",
			content: `
description: "d"` + testDefs + `
steps: [{invoke: startup}]
assertions: [{type: converged}]`,
			wantErr: "name is required",
		},
		{
			name: "missing description",
			content: `
name: n` + testDefs + `
steps: [{invoke: startup}]
assertions: [{type: converged}]`,
			wantErr: "description is required",
		},
		{
			name: "missing defs",
			content: `
name: n
description: d
steps: [{invoke: startup}]
assertions: [{type: converged}]`,
			wantErr: "one of defs or defs_dir is required",
		},
		{
			name: "both defs and defs_dir",
			content: `
name: n
description: d
defs_dir: /tmp` + testDefs + `
steps: [{invoke: startup}]
assertions: [{type: converged}]`,
			wantErr: "mutually exclusive",
		},
		{
			name: "missing defs dir",
			content: `
name: n
description: d
defs_dir: /nonexistent/defs
steps: [{invoke: startup}]
assertions: [{type: converged}]`,
			wantErr: "defs directory not found",
		},
		{
			name: "duplicate resource",
			content: `
name: n
description: d` + testDefs + `
resources: [{id: r1}, {id: r1}]
steps: [{invoke: startup}]
assertions: [{type: converged}]`,
			wantErr: `duplicate id "r1"`,
		},
		{
			name: "resource without id",
			content: `
name: n
description: d` + testDefs + `
resources: [{name: nameless}]
steps: [{invoke: startup}]
assertions: [{type: converged}]`,
			wantErr: "resources[0]: id is required",
		},
		{
			name: "no steps",
			content: `
name: n
description: d` + testDefs + `
assertions: [{type: converged}]`,
			wantErr: "steps list is required",
		},
		{
			name: "unknown operation",
			content: `
name: n
description: d` + testDefs + `
steps: [{invoke: explode}]
assertions: [{type: converged}]`,
			wantErr: `unknown operation "explode"`,
		},
		{
			name: "add_member without tag",
			content: `
name: n
description: d` + testDefs + `
steps: [{invoke: add_member, args: {resource: r1}}]
assertions: [{type: converged}]`,
			wantErr: "tag is required for add_member",
		},
		{
			name: "set_state without resource",
			content: `
name: n
description: d` + testDefs + `
steps: [{invoke: set_state, args: {state: paused}}]
assertions: [{type: converged}]`,
			wantErr: "resource is required for set_state",
		},
		{
			name: "unknown state",
			content: `
name: n
description: d` + testDefs + `
steps: [{invoke: set_state, args: {resource: r1, state: sleeping}}]
assertions: [{type: converged}]`,
			wantErr: `unknown state "sleeping"`,
		},
		{
			name: "advance without duration",
			content: `
name: n
description: d` + testDefs + `
steps: [{invoke: advance}]
assertions: [{type: converged}]`,
			wantErr: "duration must be positive",
		},
		{
			name: "add_resource without fixture",
			content: `
name: n
description: d` + testDefs + `
steps: [{invoke: add_resource}]
assertions: [{type: converged}]`,
			wantErr: "fixture with an id is required",
		},
		{
			name: "no assertions",
			content: `
name: n
description: d` + testDefs + `
steps: [{invoke: startup}]`,
			wantErr: "assertions list is required",
		},
		{
			name: "trace_count negative",
			content: `
name: n
description: d` + testDefs + `
steps: [{invoke: startup}]
assertions: [{type: trace_count, action: pause, count: -1}]`,
			wantErr: "count must be non-negative",
		},
		{
			name: "members without tag",
			content: `
name: n
description: d` + testDefs + `
steps: [{invoke: startup}]
assertions: [{type: members, members: [r1]}]`,
			wantErr: "tag is required for members",
		},
		{
			name: "unknown assertion",
			content: `
name: n
description: d` + testDefs + `
steps: [{invoke: startup}]
assertions: [{type: final_state}]`,
			wantErr: `unknown assertion type "final_state"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_TraceCountZeroAllowed(t *testing.T) {
	path := writeScenario(t, `
name: n
description: d`+testDefs+`
steps: [{invoke: startup}]
assertions: [{type: trace_count, action: pause, count: 0}]
`)
	scenario, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, 0, scenario.Assertions[0].Count)
}

func TestLoadScenarioWithBasePath(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "defs"), 0755))

	path := writeScenario(t, `
name: n
description: d
defs_dir: defs
steps: [{invoke: startup}]
assertions: [{type: converged}]
`)
	scenario, err := LoadScenarioWithBasePath(path, base)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "defs"), scenario.DefsDir)
}

func TestAssertionConstants(t *testing.T) {
	assert.Equal(t, "trace_contains", AssertTraceContains)
	assert.Equal(t, "trace_order", AssertTraceOrder)
	assert.Equal(t, "trace_count", AssertTraceCount)
	assert.Equal(t, "members", AssertMembers)
	assert.Equal(t, "converged", AssertConverged)
}

func TestLoadExampleScenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			_, err := LoadScenarioWithBasePath(path, filepath.Dir(path))
			require.NoError(t, err)
		})
	}
}
