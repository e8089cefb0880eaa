package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/autotag/internal/tag"
)

func writeCUE(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}
	return dir
}

func loadErrCodes(errs []error) []string {
	var codes []string
	for _, err := range errs {
		var le *LoadError
		if errors.As(err, &le) {
			codes = append(codes, le.Code)
		}
	}
	return codes
}

func TestLoadRuntime_Defaults(t *testing.T) {
	r, err := LoadRuntime("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRuntime(), r)
	assert.Equal(t, 30*time.Second, r.ReconcileInterval)
	assert.Equal(t, 2500*time.Millisecond, r.RatioRefreshInterval)
	assert.Equal(t, slog.LevelInfo, r.Level())
}

func TestLoadRuntime_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autotag.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
reconcile_interval: 10s
dispatcher_workers: 8
db_path: /var/lib/autotag/tags.db
log_level: debug
`), 0644))
	t.Setenv("AUTOTAG_DISPATCHER_WORKERS", "2")
	t.Setenv("AUTOTAG_BULK_DELETE_GRACE", "1m")

	r, err := LoadRuntime(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, r.ReconcileInterval)
	assert.Equal(t, 2, r.DispatcherWorkers, "environment wins over file")
	assert.Equal(t, time.Minute, r.BulkDeleteGrace)
	assert.Equal(t, "/var/lib/autotag/tags.db", r.DBPath)
	assert.Equal(t, slog.LevelDebug, r.Level())
}

func TestLoadRuntime_MissingFile(t *testing.T) {
	_, err := LoadRuntime(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestRuntime_Validate(t *testing.T) {
	r := DefaultRuntime()
	r.ReconcileInterval = 0
	r.DebounceWindow = -time.Second
	r.DispatcherWorkers = 0
	r.FlushDelay = time.Minute
	r.LogLevel = "chatty"

	err := r.Validate()
	require.Error(t, err)
	for _, want := range []string{KeyReconcileInterval, KeyDebounceWindow, KeyDispatcherWorkers, KeyFlushDelay, KeyLogLevel} {
		assert.Contains(t, err.Error(), want)
	}
	assert.NoError(t, DefaultRuntime().Validate())
}

func TestRuntime_Options(t *testing.T) {
	r := DefaultRuntime()
	assert.Len(t, r.EngineOptions(), 3)
	assert.Len(t, r.PolicyOptions(), 3)
	assert.Len(t, r.DispatchOptions(), 1)
	assert.Len(t, r.StoreOptions(), 2)
}

const validDefs = `package tags

tag: stalled: {
	group:       "health"
	color:       "#cc0000"
	constraint:  "isComplete() && isLT(seedcount, 1)"
	auto_add:    true
	auto_remove: true
	properties: owner: "ops"
}

tag: archive: {
	visible: false
	policy: {
		upload_limit:           -1
		max_share_ratio:        2.5
		max_share_ratio_action: "archive"
		aggregate_share_ratio:  1
		aggregate_action:       "pause"
		max_members:            10
		unlimited_members:      true
		evict_strategy:         "move_to_old"
		evict_order:            "added_to_tag"
		exec: ["start", "script"]
		exec_script: "notify()"
		assign_tags: ["seen"]
	}
}
`

func TestLoadDefs_Valid(t *testing.T) {
	dir := writeCUE(t, map[string]string{"tags.cue": validDefs})

	res, errs := LoadDefs(dir, LoadModeCollectAll)
	require.Empty(t, errs)
	require.Len(t, res.Tags, 2)
	assert.Equal(t, 1, res.FileCount)

	stalled := res.Tags[0]
	assert.Equal(t, "stalled", stalled.Name)
	assert.Equal(t, "manual", stalled.Type)
	assert.True(t, stalled.Visible)
	assert.Equal(t, tag.ConstraintSpec{Source: "isComplete() && isLT(seedcount, 1)", AutoAdd: true, AutoRemove: true}, stalled.Constraint)
	assert.Equal(t, map[string]string{"owner": "ops"}, stalled.Properties)

	archive := res.Tags[1]
	assert.False(t, archive.Visible)
	p := archive.Policy
	assert.Equal(t, -1, p.UploadLimit)
	assert.Equal(t, 2500, p.MaxShareRatio)
	assert.Equal(t, tag.RatioActionArchive, p.MaxShareRatioAction)
	assert.Equal(t, 1000, p.AggregateShareRatio)
	assert.Equal(t, tag.AggregateActionPause, p.AggregateAction)
	assert.Equal(t, -10, p.MaxMembers)
	assert.Equal(t, 10, p.DisplayedMemberCap())
	assert.Equal(t, tag.EvictMoveToOld, p.EvictStrategy)
	assert.Equal(t, tag.OrderAddedToTag, p.EvictOrder)
	assert.Equal(t, tag.ExecStart|tag.ExecScript, p.Exec)
	assert.Equal(t, []string{"seen"}, p.ExecAssignTags)
}

func TestLoadDefs_Errors(t *testing.T) {
	dir := writeCUE(t, map[string]string{"tags.cue": `package tags

tag: broken: {
	constraint: "isPaused &&"
	colour:     "red"
}

tag: net: {
	type:       "network"
	constraint: "isPaused()"
}

tag: odd: {
	type: "nonsense"
}

tag: bad: policy: {
	max_share_ratio_action: "explode"
	exec: ["script"]
	max_members: -3
}
`})

	_, errs := LoadDefs(dir, LoadModeCollectAll)
	assert.ElementsMatch(t, []string{
		ErrCodeUnknownField,
		ErrCodeConstraint,
		ErrCodeCapabilityUnset,
		ErrCodeUnknownType,
		ErrCodeInvalidValue,
		ErrCodeUnknownEnum,
		ErrCodeInvalidValue,
	}, loadErrCodes(errs))

	_, errs = LoadDefs(dir, LoadModeFailFast)
	assert.Len(t, errs, 1)
}

func TestLoadDefs_ErrorPositions(t *testing.T) {
	dir := writeCUE(t, map[string]string{"tags.cue": "package tags\n\ntag: x: constraint: \"nope(\"\n"})

	_, errs := LoadDefs(dir, LoadModeCollectAll)
	require.Len(t, errs, 1)
	var le *LoadError
	require.ErrorAs(t, errs[0], &le)
	assert.Equal(t, ErrCodeConstraint, le.Code)
	assert.True(t, le.Pos.IsValid())
	assert.Contains(t, le.Error(), "tags.cue:3:")
}

func TestLoadDefs_DirectoryErrors(t *testing.T) {
	_, errs := LoadDefs(filepath.Join(t.TempDir(), "missing"), LoadModeCollectAll)
	assert.Equal(t, []string{ErrCodeNotFound}, loadErrCodes(errs))

	_, errs = LoadDefs(t.TempDir(), LoadModeCollectAll)
	assert.Equal(t, []string{ErrCodeNoFiles}, loadErrCodes(errs))

	dir := writeCUE(t, map[string]string{"empty.cue": "package tags\n\nother: 1\n"})
	_, errs = LoadDefs(dir, LoadModeCollectAll)
	assert.Equal(t, []string{ErrCodeGeneric}, loadErrCodes(errs))
}

func TestApply(t *testing.T) {
	dir := writeCUE(t, map[string]string{"tags.cue": validDefs})
	res, errs := LoadDefs(dir, LoadModeCollectAll)
	require.Empty(t, errs)

	mgr := tag.NewManager()
	mgr.RegisterDefaultTypes()
	existing, err := mgr.CreateTag(tag.TypeManual, "Stalled")
	require.NoError(t, err)

	tags, err := Apply(mgr, res.Tags)
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.Same(t, existing, tags[0], "existing tags are updated in place")
	assert.Equal(t, "health", existing.Group())
	assert.Equal(t, "isComplete() && isLT(seedcount, 1)", existing.Constraint().Source)
	owner, ok := existing.Property("owner")
	assert.True(t, ok)
	assert.Equal(t, "ops", owner)

	assert.Equal(t, 2500, tags[1].Policy().MaxShareRatio)
	assert.False(t, tags[1].Visible())

	again, err := Apply(mgr, res.Tags)
	require.NoError(t, err)
	assert.Equal(t, tags, again)
	assert.Len(t, mgr.Tags(), 2)
}
