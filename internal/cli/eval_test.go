package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEval_Text(t *testing.T) {
	res := writeResources(t, sampleResources)

	out, _, err := execute(t, "eval", "isComplete() && isLT(seedcount, 1)", "--resources", res)
	require.NoError(t, err)
	assert.Contains(t, out, "isComplete()&&isLT(seedcount,1)")
	assert.Contains(t, out, "✓ r1 (finished)")
	assert.Contains(t, out, "✗ r2 (running)")
	assert.Contains(t, out, "1 of 2 resource(s) match")
}

func TestEval_JSON(t *testing.T) {
	res := writeResources(t, sampleResources)

	out, _, err := execute(t, "eval", "--format", "json", "isGT(seedcount, 2)", "--resources", res)
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   EvalResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Data.Total)
	assert.Equal(t, 1, resp.Data.Matched)
	require.Len(t, resp.Data.Matches, 2)
	assert.False(t, resp.Data.Matches[0].Match)
	assert.True(t, resp.Data.Matches[1].Match)
}

func TestEval_Tags(t *testing.T) {
	res := writeResources(t, sampleResources)

	out, _, err := execute(t, "eval", "hasTag(keep)", "--resources", res, "--tags", "keep,archive")
	require.NoError(t, err)
	assert.Contains(t, out, "2 of 2 resource(s) match")

	out, _, err = execute(t, "eval", "hasTag(keep)", "--resources", res)
	require.NoError(t, err)
	assert.Contains(t, out, "0 of 2 resource(s) match")
}

func TestEval_MissingResourcesFlag(t *testing.T) {
	_, _, err := execute(t, "eval", "isComplete()")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
	assert.Contains(t, err.Error(), "resources")
}

func TestEval_MissingResourcesFile(t *testing.T) {
	_, _, err := execute(t, "eval", "isComplete()", "--resources", "/nonexistent/resources.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestEval_BadConstraint(t *testing.T) {
	res := writeResources(t, sampleResources)

	_, _, err := execute(t, "eval", "isComplete(", "--resources", res)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "E202")
}

func TestEval_BadNow(t *testing.T) {
	res := writeResources(t, sampleResources)

	_, _, err := execute(t, "eval", "isComplete()", "--resources", res, "--now", "yesterday")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --now")
}
