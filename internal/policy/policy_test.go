package policy

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/autotag/internal/constraint"
	"github.com/roach88/autotag/internal/dispatch"
	"github.com/roach88/autotag/internal/engine"
	"github.com/roach88/autotag/internal/provider/memory"
	"github.com/roach88/autotag/internal/tag"
	"github.com/roach88/autotag/internal/testutil"
)

type fixture struct {
	clock *testutil.FakeClock
	mgr   *tag.Manager
	prov  *memory.Provider
	disp  *dispatch.Dispatcher
	eng   *Engine
}

func newFixture(t *testing.T, resources []memory.Fixture, opts ...Option) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock(time.Time{})
	mgr := tag.NewManager(tag.WithClock(clock.Now))
	mgr.RegisterDefaultTypes()

	prov := memory.New()
	for _, f := range resources {
		prov.Add(memory.FromFixture(f))
	}
	disp := dispatch.New(dispatch.WithResources(prov.Resource))
	t.Cleanup(disp.Close)

	opts = append([]Option{
		WithClock(clock.Now),
		WithBatchIDs(testutil.NewSequenceIDs("batch").Next),
	}, opts...)
	eng := New(mgr, prov, disp, opts...)
	t.Cleanup(eng.Stop)

	return &fixture{clock: clock, mgr: mgr, prov: prov, disp: disp, eng: eng}
}

func (f *fixture) tag(t *testing.T, name string, p tag.Policy) *tag.Tag {
	t.Helper()
	tg, err := f.mgr.CreateTag(tag.TypeManual, name)
	require.NoError(t, err)
	tg.SetPolicy(p)
	return tg
}

func (f *fixture) res(t *testing.T, id string) *memory.Resource {
	t.Helper()
	r, ok := f.prov.Get(id)
	require.True(t, ok, "resource %s", id)
	return r
}

func (f *fixture) idle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.disp.Idle(ctx))
}

func (f *fixture) ops(id, op string) []memory.Call {
	var out []memory.Call
	for _, c := range f.prov.CallsFor(id) {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func memberIDs(tg *tag.Tag) []string {
	var ids []string
	for _, m := range tg.Members() {
		ids = append(ids, m.ID())
	}
	return ids
}

func seeding(id string, up, down int64) memory.Fixture {
	return memory.Fixture{ID: id, Name: id, State: "seeding", Complete: true, Uploaded: up, Downloaded: down}
}

func ratio(v int) *int { return &v }

func TestLimiter_Buckets(t *testing.T) {
	mgr := tag.NewManager()
	mgr.RegisterDefaultTypes()
	tg, err := mgr.CreateTag(tag.TypeManual, "slow")
	require.NoError(t, err)

	counters := &Counters{}
	l := newLimiter(tg, counters)
	now := testutil.Epoch

	assert.True(t, l.allowAt(true, 1<<30, now), "zero limit is unlimited")

	assert.True(t, l.configure(-1, 100))
	assert.False(t, l.configure(-1, 100))
	assert.False(t, l.allowAt(true, 1, now), "negative limit disables transfer")
	assert.True(t, l.allowAt(false, 100, now))
	assert.False(t, l.allowAt(false, 1, now))
	assert.True(t, l.allowAt(false, 50, now.Add(500*time.Millisecond)))

	up, down := l.Limits()
	assert.Equal(t, -1, up)
	assert.Equal(t, 100, down)

	l.Account(true, 300)
	l.Account(false, 100)
	l.Account(true, -5)
	assert.Equal(t, int64(300), counters.Uploaded())
	assert.Equal(t, int64(100), counters.Downloaded())
}

func TestPolicy_LimiterAttachDetach(t *testing.T) {
	f := newFixture(t, []memory.Fixture{seeding("r1", 0, 0)})
	tg := f.tag(t, "slow", tag.Policy{UploadLimit: 1000})

	tg.AddMember(f.res(t, "r1"))
	f.idle(t)

	l, ok := f.eng.Limiter(tg)
	require.True(t, ok)
	assert.Equal(t, []string{l.Key()}, f.res(t, "r1").Limiters())

	l.Account(true, 300)
	l.Account(false, 100)

	tg.UpdatePolicy(func(p *tag.Policy) { p.UploadLimit = 0 })
	f.idle(t)
	assert.Empty(t, f.res(t, "r1").Limiters())

	up, down := f.eng.Session(tg)
	assert.Equal(t, int64(300), up, "session counters survive reconfiguration")
	assert.Equal(t, int64(100), down)

	tg.UpdatePolicy(func(p *tag.Policy) { p.DownloadLimit = 500 })
	f.idle(t)
	assert.Equal(t, []string{l.Key()}, f.res(t, "r1").Limiters())

	tg.RemoveMember(f.res(t, "r1"))
	f.idle(t)
	assert.Empty(t, f.res(t, "r1").Limiters())
}

func TestPolicy_UploadPriority(t *testing.T) {
	f := newFixture(t, []memory.Fixture{seeding("r1", 0, 0)})
	plain := f.tag(t, "plain", tag.Policy{})
	fast := f.tag(t, "fast", tag.Policy{UploadPriority: 1})

	r1 := f.res(t, "r1")
	plain.AddMember(r1)
	fast.AddMember(r1)
	f.idle(t)
	assert.True(t, r1.UploadPriority())

	fast.UpdatePolicy(func(p *tag.Policy) { p.UploadPriority = 7 })
	f.idle(t)

	fast.UpdatePolicy(func(p *tag.Policy) { p.UploadPriority = 0 })
	f.idle(t)
	assert.False(t, r1.UploadPriority())

	calls := f.ops("r1", "upload_priority")
	require.Len(t, calls, 2, "only 0<->non-zero flips are written")
	assert.Equal(t, "true", calls[0].Arg)
	assert.Equal(t, "false", calls[1].Arg)
}

func TestPolicy_ShareRatioLimitsTakeMaxOverTags(t *testing.T) {
	f := newFixture(t, []memory.Fixture{seeding("r1", 0, 0)})
	a := f.tag(t, "a", tag.Policy{MinShareRatio: 1000, MaxShareRatio: 2000})
	b := f.tag(t, "b", tag.Policy{MinShareRatio: 1500, MaxShareRatio: 1800})

	r1 := f.res(t, "r1")
	a.AddMember(r1)
	b.AddMember(r1)
	f.idle(t)

	minRatio, maxRatio := r1.ShareRatioLimits()
	assert.Equal(t, 1500, minRatio)
	assert.Equal(t, 2000, maxRatio)

	a.RemoveMember(r1)
	f.idle(t)
	minRatio, maxRatio = r1.ShareRatioLimits()
	assert.Equal(t, 1500, minRatio)
	assert.Equal(t, 1800, maxRatio)
}

func TestPolicy_MaxRatioActionFiresOnce(t *testing.T) {
	fx := seeding("r1", 0, 0)
	fx.ShareRatio = ratio(2500)
	f := newFixture(t, []memory.Fixture{fx})
	tg := f.tag(t, "seed", tag.Policy{MaxShareRatio: 2000, MaxShareRatioAction: tag.RatioActionPause})

	r1 := f.res(t, "r1")
	tg.AddMember(r1)
	f.idle(t)
	assert.Equal(t, tag.StatePaused, r1.State())

	f.prov.SetState("r1", tag.StateSeeding)
	f.eng.Refresh(context.Background())
	f.idle(t)
	assert.Len(t, f.ops("r1", "pause"), 1, "no re-trigger while above the maximum")

	r1.UpdateStats(func(s *tag.Stats) { s.ShareRatio = 1000 })
	f.eng.Refresh(context.Background())
	r1.UpdateStats(func(s *tag.Stats) { s.ShareRatio = 2100 })
	f.eng.Refresh(context.Background())
	f.idle(t)
	assert.Len(t, f.ops("r1", "pause"), 2)
}

func TestPolicy_MaxRatioGatedByAggregate(t *testing.T) {
	fx := seeding("r1", 2500, 1000)
	fx.ShareRatio = ratio(2500)
	f := newFixture(t, []memory.Fixture{fx})
	tg := f.tag(t, "seed", tag.Policy{
		MaxShareRatio:        2000,
		MaxShareRatioAction:  tag.RatioActionStop,
		AggregateShareRatio:  5000,
		AggregateHasPriority: true,
	})

	r1 := f.res(t, "r1")
	tg.AddMember(r1)
	f.idle(t)
	assert.Empty(t, f.ops("r1", "stop"), "aggregate target not met")

	r1.UpdateStats(func(s *tag.Stats) { s.VerifiedUploaded = 6000 })
	f.eng.Refresh(context.Background())
	f.idle(t)
	assert.Len(t, f.ops("r1", "stop"), 1)
	assert.Equal(t, tag.StateStopped, r1.State())
}

func TestRatioOf(t *testing.T) {
	const tb = int64(1) << 40
	tests := []struct {
		name     string
		up, down int64
		want     int
	}{
		{"nothing", 0, 0, 0},
		{"upload only", 5, 0, math.MaxInt},
		{"even", 3000, 2000, 1500},
		{"truncates", 1, 3, 333},
		{"large counters", 50_000 * tb, 20_000 * tb, 2500},
		{"max upload", math.MaxInt64, math.MaxInt64 / 4, 4000},
		{"huge divisor", math.MaxInt64 / 2, math.MaxInt64, 499},
		{"saturates", math.MaxInt64, 1, math.MaxInt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ratioOf(tt.up, tt.down))
		})
	}
}

func TestPolicy_AggregateCrossing(t *testing.T) {
	f := newFixture(t, []memory.Fixture{seeding("r1", 3000, 1000), seeding("r2", 0, 2000)})
	tg := f.tag(t, "seed", tag.Policy{AggregateShareRatio: 1000, AggregateAction: tag.AggregateActionPause})

	tg.AddMember(f.res(t, "r1"))
	tg.AddMember(f.res(t, "r2"))
	assert.Equal(t, 1000, f.eng.AggregateRatio(tg))

	f.eng.Refresh(context.Background())
	f.idle(t)
	for _, id := range []string{"r1", "r2"} {
		assert.Equal(t, tag.StatePaused, f.res(t, id).State(), id)
	}

	f.eng.Refresh(context.Background())
	f.idle(t)
	assert.Len(t, f.ops("r1", "pause"), 1, "unchanged bytes never re-trigger")

	f.res(t, "r2").UpdateStats(func(s *tag.Stats) { s.VerifiedDownloaded = 4000 })
	f.eng.Refresh(context.Background())
	f.idle(t)
	assert.Equal(t, 600, f.eng.AggregateRatio(tg))
	for _, id := range []string{"r1", "r2"} {
		assert.Len(t, f.ops(id, "resume"), 1, id)
		assert.Equal(t, tag.StateSeeding, f.res(t, id).State(), id)
	}
}

func TestPolicy_AggregateSkipsForceStartedAndIncomplete(t *testing.T) {
	forced := seeding("forced", 0, 0)
	forced.ForceStart = true
	partial := seeding("partial", 0, 0)
	partial.Complete = false
	partial.State = "downloading"
	f := newFixture(t, []memory.Fixture{seeding("r1", 5000, 1000), forced, partial})
	tg := f.tag(t, "seed", tag.Policy{AggregateShareRatio: 1000, AggregateAction: tag.AggregateActionStop})

	for _, id := range []string{"r1", "forced", "partial"} {
		tg.AddMember(f.res(t, id))
	}
	f.eng.Refresh(context.Background())
	f.idle(t)

	assert.Len(t, f.ops("r1", "stop"), 1)
	assert.Empty(t, f.ops("forced", "stop"))
	assert.Empty(t, f.ops("partial", "stop"))
}

func TestPolicy_AggregateSuppressedDuringBulkDelete(t *testing.T) {
	f := newFixture(t, []memory.Fixture{seeding("r1", 3000, 1000)})
	tg := f.tag(t, "seed", tag.Policy{AggregateShareRatio: 1000, AggregateAction: tag.AggregateActionPause})
	tg.AddMember(f.res(t, "r1"))

	f.eng.BeginBulkDelete()
	f.eng.Refresh(context.Background())
	f.eng.EndBulkDelete()
	f.clock.Advance(5 * time.Second)
	f.eng.Refresh(context.Background())
	f.idle(t)
	assert.Empty(t, f.ops("r1", "pause"), "suppressed during bulk delete and grace")

	f.clock.Advance(6 * time.Second)
	f.eng.Refresh(context.Background())
	f.idle(t)
	assert.Len(t, f.ops("r1", "pause"), 1, "crossing survives suppression")
}

func TestPolicy_CapEvictsOldest(t *testing.T) {
	f := newFixture(t, []memory.Fixture{seeding("a", 0, 0), seeding("b", 0, 0), seeding("c", 0, 0)})
	tg := f.tag(t, "capped", tag.Policy{MaxMembers: 2, EvictOrder: tag.OrderAddedToTag})

	for _, id := range []string{"a", "b", "c"} {
		tg.AddMember(f.res(t, id))
		f.clock.Advance(time.Second)
	}
	assert.Equal(t, []string{"b", "c"}, memberIDs(tg))
}

func TestPolicy_CapEvictionHoldsAgainstConstraint(t *testing.T) {
	f := newFixture(t, []memory.Fixture{seeding("a", 0, 0), seeding("b", 0, 0), seeding("c", 0, 0)})
	rec := engine.New(f.mgr, f.prov,
		engine.WithClock(f.clock.Now),
		engine.WithPassIDs(engine.NewFixedGenerator()),
	)
	t.Cleanup(rec.Stop)

	tg := f.tag(t, "done", tag.Policy{MaxMembers: 2, EvictOrder: tag.OrderAddedToTag, Exec: tag.ExecPause})
	tg.SetConstraint(tag.ConstraintSpec{Source: "isComplete()", AutoAdd: true, AutoRemove: true})

	ctx := context.Background()
	rec.Drain(ctx)
	f.idle(t)
	assert.Equal(t, []string{"b", "c"}, memberIDs(tg))
	assert.True(t, tg.IsEvicted("a"))

	for range 5 {
		f.clock.Advance(2 * time.Second)
		rec.ApplyAll(ctx)
	}
	f.idle(t)
	assert.Equal(t, []string{"b", "c"}, memberIDs(tg), "evicted members stay out while the constraint holds")
	for _, id := range []string{"a", "b", "c"} {
		assert.Len(t, f.ops(id, "pause"), 1, "exec-on-assign fires once for %s", id)
	}

	// Once the constraint stops matching, the eviction is forgotten.
	f.prov.Update("a", func(fx *memory.Fixture) { fx.Complete = false })
	f.clock.Advance(2 * time.Second)
	rec.ApplyAll(ctx)
	assert.False(t, tg.IsEvicted("a"))

	f.prov.Update("a", func(fx *memory.Fixture) { fx.Complete = true })
	f.clock.Advance(2 * time.Second)
	rec.ApplyAll(ctx)
	assert.Equal(t, []string{"c", "a"}, memberIDs(tg), "a rejoins and the oldest member is evicted")
	assert.True(t, tg.IsEvicted("b"))
}

func TestPolicy_CapOrderAddedToClient(t *testing.T) {
	fa, fb, fc := seeding("a", 0, 0), seeding("b", 0, 0), seeding("c", 0, 0)
	fa.Added = testutil.Epoch.Add(3 * time.Hour)
	fb.Added = testutil.Epoch.Add(1 * time.Hour)
	fc.Added = testutil.Epoch.Add(2 * time.Hour)
	f := newFixture(t, []memory.Fixture{fa, fb, fc})
	tg := f.tag(t, "capped", tag.Policy{MaxMembers: 2, EvictOrder: tag.OrderAddedToClient})

	for _, id := range []string{"a", "b", "c"} {
		tg.AddMember(f.res(t, id))
		f.clock.Advance(time.Second)
	}
	assert.ElementsMatch(t, []string{"a", "c"}, memberIDs(tg))
}

func TestPolicy_CapSkipsNonPersistent(t *testing.T) {
	fa := seeding("a", 0, 0)
	fa.Transient = true
	f := newFixture(t, []memory.Fixture{fa, seeding("b", 0, 0), seeding("c", 0, 0)})
	tg := f.tag(t, "capped", tag.Policy{MaxMembers: 2, EvictOrder: tag.OrderAddedToTag})

	for _, id := range []string{"a", "b", "c"} {
		tg.AddMember(f.res(t, id))
		f.clock.Advance(time.Second)
	}
	assert.Equal(t, []string{"a", "b", "c"}, memberIDs(tg), "a non-evictable pick is not replaced")
}

func TestPolicy_CapUnlimitedSentinel(t *testing.T) {
	f := newFixture(t, []memory.Fixture{seeding("a", 0, 0), seeding("b", 0, 0)})
	p := tag.Policy{MaxMembers: 1}
	p.SetMemberCapUnlimited(true)
	tg := f.tag(t, "capped", p)

	tg.AddMember(f.res(t, "a"))
	tg.AddMember(f.res(t, "b"))
	assert.Len(t, memberIDs(tg), 2)
	assert.Equal(t, 1, tg.Policy().DisplayedMemberCap())
}

func TestPolicy_EvictStrategies(t *testing.T) {
	cases := []struct {
		strategy tag.EvictStrategy
		op       string
	}{
		{tag.EvictArchive, "archive"},
		{tag.EvictRemoveFromLibrary, "remove_from_library"},
		{tag.EvictDeleteFromComputer, "remove_from_computer"},
	}
	for _, tc := range cases {
		t.Run(tc.strategy.String(), func(t *testing.T) {
			f := newFixture(t, []memory.Fixture{seeding("a", 0, 0), seeding("b", 0, 0)})
			tg := f.tag(t, "capped", tag.Policy{MaxMembers: 1, EvictStrategy: tc.strategy, EvictOrder: tag.OrderAddedToTag})

			tg.AddMember(f.res(t, "a"))
			f.clock.Advance(time.Second)
			tg.AddMember(f.res(t, "b"))
			f.idle(t)

			assert.Equal(t, []string{"b"}, memberIDs(tg))
			assert.Len(t, f.ops("a", tc.op), 1)
		})
	}
}

func TestPolicy_EvictMoveToOld(t *testing.T) {
	f := newFixture(t, []memory.Fixture{seeding("a", 0, 0), seeding("b", 0, 0)})
	tg := f.tag(t, "recent", tag.Policy{MaxMembers: 1, EvictStrategy: tag.EvictMoveToOld, EvictOrder: tag.OrderAddedToTag})

	tg.AddMember(f.res(t, "a"))
	f.clock.Advance(time.Second)
	tg.AddMember(f.res(t, "b"))

	old, ok := tg.Type().TagByName("recent-old")
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, memberIDs(old))
	assert.Equal(t, []string{"b"}, memberIDs(tg))
}

func TestPolicy_ExecStartGroupWins(t *testing.T) {
	f := newFixture(t, []memory.Fixture{{ID: "r1", Name: "r1"}})
	tg := f.tag(t, "go", tag.Policy{Exec: tag.ExecStart | tag.ExecStop | tag.ExecPause})

	tg.AddMember(f.res(t, "r1"))
	f.idle(t)

	assert.Equal(t, []memory.Call{{Op: "start", ID: "r1"}}, f.prov.CallsFor("r1"))
	assert.Equal(t, tag.StateQueued, f.res(t, "r1").State())
}

func TestPolicy_ExecOnlyOnAdd(t *testing.T) {
	f := newFixture(t, []memory.Fixture{{ID: "r1", Name: "r1"}})
	tg := f.tag(t, "go", tag.Policy{Exec: tag.ExecStart})
	r1 := f.res(t, "r1")

	tg.AddMember(r1)
	f.idle(t)
	f.prov.SetState("r1", tag.StateStopped)
	f.prov.ResetCalls()

	f.eng.Sync(context.Background())
	tg.RemoveMember(r1)
	f.idle(t)
	assert.Empty(t, f.ops("r1", "start"), "sync and removal never fire")

	tg.AddMember(r1)
	f.idle(t)
	assert.Len(t, f.ops("r1", "start"), 1)
}

func TestPolicy_ExecActions(t *testing.T) {
	var mu sync.Mutex
	var posts []string
	chat := ChatFunc(func(_ context.Context, channel, msg string) error {
		mu.Lock()
		defer mu.Unlock()
		posts = append(posts, channel+": "+msg)
		return nil
	})
	f := newFixture(t, []memory.Fixture{{ID: "r1", Name: "Some Show"}}, WithChat(chat))

	label := f.tag(t, "inbox", tag.Policy{})
	tg := f.tag(t, "shows", tag.Policy{
		Exec: tag.ExecForceStart | tag.ExecApplyOptionsTemplate | tag.ExecMoveInitialLocation |
			tag.ExecAssignTags | tag.ExecRemoveTags | tag.ExecHost | tag.ExecPublish | tag.ExecPostToChat,
		ExecOptionsTemplate: "tv",
		ExecInitialLocation: "/media/tv",
		ExecAssignTags:      []string{"library", "shows"},
		ExecRemoveTags:      []string{"inbox"},
		ExecChatChannel:     "#media",
	})

	r1 := f.res(t, "r1")
	label.AddMember(r1)
	tg.AddMember(r1)
	f.idle(t)

	assert.Equal(t, []memory.Call{
		{Op: "force_start", ID: "r1", Arg: "true"},
		{Op: "start", ID: "r1"},
		{Op: "options_template", ID: "r1", Arg: "tv"},
		{Op: "move_data", ID: "r1", Arg: "/media/tv"},
		{Op: "host", ID: "r1"},
		{Op: "publish", ID: "r1"},
	}, f.prov.CallsFor("r1"))

	library, ok := f.mgr.TagByName("library")
	require.True(t, ok)
	assert.Equal(t, tag.TypeManual, library.Type().ID())
	assert.True(t, library.HasMember("r1"))
	assert.False(t, label.HasMember("r1"))
	assert.True(t, tg.HasMember("r1"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"#media: Some Show added to shows"}, posts)
}

type recordingScripts struct {
	mu      sync.Mutex
	runs    []constraint.Binding
	batches []constraint.Binding
}

func (r *recordingScripts) Run(_ context.Context, _ string, b constraint.Binding) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, b)
	return true, nil
}

func (r *recordingScripts) RunBatch(_ context.Context, _ string, b constraint.Binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
	return nil
}

func resourceIDs(b constraint.Binding) []string {
	var ids []string
	for _, r := range b.Resources {
		ids = append(ids, r.ID())
	}
	return ids
}

func TestPolicy_ExecScriptBatch(t *testing.T) {
	scripts := &recordingScripts{}
	f := newFixture(t, []memory.Fixture{{ID: "r1", Name: "r1"}, {ID: "r2", Name: "r2"}}, WithScripts(scripts))
	tg := f.tag(t, "scripted", tag.Policy{Exec: tag.ExecScript, ExecScript: "notify()"})

	f.eng.BeginBatch()
	f.eng.BeginBatch()
	tg.AddMember(f.res(t, "r1"))
	f.eng.EndBatch()
	tg.AddMember(f.res(t, "r2"))
	f.idle(t)
	assert.Empty(t, scripts.batches, "inner EndBatch does not flush")

	f.eng.EndBatch()
	f.idle(t)

	scripts.mu.Lock()
	defer scripts.mu.Unlock()
	assert.Empty(t, scripts.runs)
	require.Len(t, scripts.batches, 1)
	assert.Equal(t, []string{"r1", "r2"}, resourceIDs(scripts.batches[0]))
	assert.Equal(t, IntentExecOnAssign, scripts.batches[0].Intent)
	assert.Equal(t, "scripted", scripts.batches[0].Tag)
}

func TestPolicy_ExecScriptBatchWithoutBatchRunner(t *testing.T) {
	var mu sync.Mutex
	var got [][]string
	scripts := constraint.ScriptFunc(func(_ context.Context, _ string, b constraint.Binding) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, resourceIDs(b))
		return nil, nil
	})
	f := newFixture(t, []memory.Fixture{{ID: "r1", Name: "r1"}, {ID: "r2", Name: "r2"}}, WithScripts(scripts))
	tg := f.tag(t, "scripted", tag.Policy{Exec: tag.ExecScript, ExecScript: "notify()"})

	f.eng.BeginBatch()
	tg.AddMember(f.res(t, "r1"))
	tg.AddMember(f.res(t, "r2"))
	f.eng.EndBatch()
	f.idle(t)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, [][]string{{"r1"}, {"r2"}}, got)
}

func TestPolicy_TagRemovedForgetsState(t *testing.T) {
	f := newFixture(t, []memory.Fixture{seeding("r1", 0, 0)})
	tg := f.tag(t, "slow", tag.Policy{UploadLimit: 100})
	tg.AddMember(f.res(t, "r1"))
	f.idle(t)

	require.NoError(t, f.mgr.RemoveTag(tg))
	f.idle(t)

	_, ok := f.eng.Limiter(tg)
	assert.False(t, ok)
	assert.Empty(t, f.res(t, "r1").Limiters())
}
