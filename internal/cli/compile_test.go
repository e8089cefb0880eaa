package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_Text(t *testing.T) {
	out, _, err := execute(t, "compile", "ISCOMPLETE() && isLT(seedcount, 1)")
	require.NoError(t, err)
	assert.Equal(t, "✓ isComplete()&&isLT(seedcount,1)\n", out)
}

func TestCompile_DependsOnTags(t *testing.T) {
	out, _, err := execute(t, "compile", `hasTag("keep") || isPaused()`)
	require.NoError(t, err)
	assert.Contains(t, out, `hasTag("keep")||isPaused()`)
	assert.Contains(t, out, "depends on tag membership")
}

func TestCompile_JSON(t *testing.T) {
	out, _, err := execute(t, "compile", "--format", "json", "!isPaused()")
	require.NoError(t, err)

	var resp struct {
		Status string            `json:"status"`
		Data   CompilationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "!isPaused()", resp.Data.Source)
	assert.Equal(t, "!isPaused()", resp.Data.Printable)
	assert.False(t, resp.Data.DependsOnTags)
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"bare word", "isComplete"},
		{"unknown function", "isBanana()"},
		{"unclosed group", "(isComplete()"},
		{"dangling operator", "isComplete() &&"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _, err := execute(t, "compile", tt.expr)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), "E202")
			assert.Contains(t, out, "Error [E202]")
			assert.Contains(t, out, "^")
		})
	}
}

func TestCompile_ErrorJSON(t *testing.T) {
	out, _, err := execute(t, "compile", "--format", "json", "isComplete")
	require.Error(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E202", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "expected call")
}

func TestCompile_List(t *testing.T) {
	out, _, err := execute(t, "compile", "--list")
	require.NoError(t, err)
	assert.Contains(t, out, "Functions:")
	assert.Contains(t, out, "isComplete")
	assert.Contains(t, out, "Keywords:")
	assert.Contains(t, out, "seedcount")
}

func TestCompile_ArgCount(t *testing.T) {
	_, _, err := execute(t, "compile")
	require.Error(t, err)

	_, _, err = execute(t, "compile", "--list", "isComplete()")
	require.Error(t, err)
}
