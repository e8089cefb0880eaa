package tag

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/autotag/internal/store"
)

type member struct {
	id         string
	destroyed  bool
	persistent bool
}

func (m *member) ID() string         { return m.id }
func (m *member) Kind() TaggableKind { return KindDownload }
func (m *member) IsDestroyed() bool  { return m.destroyed }
func (m *member) IsPersistent() bool { return m.persistent }

func newMember(id string) *member { return &member{id: id, persistent: true} }

func lookupOf(ms ...*member) func(string) (Taggable, bool) {
	byID := make(map[string]Taggable, len(ms))
	for _, m := range ms {
		byID[m.id] = m
	}
	return func(id string) (Taggable, bool) {
		t, ok := byID[id]
		return t, ok
	}
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	clock := &stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewManager(append([]Option{WithClock(clock.Now)}, opts...)...)
	m.RegisterDefaultTypes()
	return m
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "tags.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func TestManager_CreateTag(t *testing.T) {
	m := newTestManager(t)

	tg, err := m.CreateTag(TypeManual, "Movies")
	require.NoError(t, err)
	assert.Equal(t, "Movies", tg.Name())
	assert.Equal(t, TypeManual, tg.Type().ID())
	assert.Equal(t, MakeUID(TypeManual, tg.ID()), tg.UID())
	assert.True(t, tg.Visible())

	got, ok := m.Tag(tg.UID())
	require.True(t, ok)
	assert.Same(t, tg, got)
}

func TestManager_CreateTag_DuplicateName(t *testing.T) {
	m := newTestManager(t)

	_, err := m.CreateTag(TypeManual, "Movies")
	require.NoError(t, err)

	_, err = m.CreateTag(TypeManual, "  movies ")
	assert.ErrorIs(t, err, ErrDuplicateName)

	// Names are unique per type only.
	_, err = m.CreateTag(TypeNetwork, "movies")
	assert.NoError(t, err)
}

func TestManager_CreateTag_Errors(t *testing.T) {
	m := newTestManager(t)

	_, err := m.CreateTag(TypeManual, "   ")
	assert.ErrorIs(t, err, ErrEmptyName)

	_, err = m.CreateTag(99, "x")
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestManager_TagByName_Normalized(t *testing.T) {
	m := newTestManager(t)
	tg, err := m.CreateTag(TypeManual, "Straße")
	require.NoError(t, err)

	got, ok := m.TagByName("STRASSE")
	require.True(t, ok)
	assert.Same(t, tg, got)
}

func TestTag_SetName_Unique(t *testing.T) {
	m := newTestManager(t)
	a, _ := m.CreateTag(TypeManual, "a")
	_, _ = m.CreateTag(TypeManual, "b")

	assert.ErrorIs(t, a.SetName("B"), ErrDuplicateName)
	require.NoError(t, a.SetName("c"))
	assert.Equal(t, "c", a.Name())
}

func TestTag_Membership(t *testing.T) {
	m := newTestManager(t)
	tg, _ := m.CreateTag(TypeManual, "t")
	r1, r2 := newMember("r1"), newMember("r2")

	assert.True(t, tg.AddMember(r2))
	assert.True(t, tg.AddMember(r1))
	assert.False(t, tg.AddMember(r1), "second add is a no-op")

	assert.Equal(t, 2, tg.MemberCount())
	assert.True(t, tg.HasMember("r1"))

	members := tg.Members()
	require.Len(t, members, 2)
	assert.Equal(t, "r2", members[0].ID(), "members are ordered by join time")

	t2, _ := tg.AddedTime("r2")
	t1, _ := tg.AddedTime("r1")
	assert.True(t, t2.Before(t1))

	assert.True(t, tg.RemoveMember(r2))
	assert.False(t, tg.RemoveMember(r2))
	assert.Equal(t, []string{"t"}, m.TagNamesOf("r1"))
	assert.Empty(t, m.TagsOf("r2"))
}

func TestTag_Evict(t *testing.T) {
	m := newTestManager(t)
	tg, _ := m.CreateTag(TypeManual, "t")
	r1 := newMember("r1")

	assert.False(t, tg.Evict(r1), "non-members cannot be evicted")
	assert.False(t, tg.IsEvicted("r1"))

	require.True(t, tg.AddMember(r1))
	assert.True(t, tg.Evict(r1))
	assert.False(t, tg.HasMember("r1"))
	assert.True(t, tg.IsEvicted("r1"))

	tg.ClearEvicted("r1")
	assert.False(t, tg.IsEvicted("r1"))

	require.True(t, tg.AddMember(r1))
	require.True(t, tg.Evict(r1))
	require.True(t, tg.AddMember(r1))
	assert.False(t, tg.IsEvicted("r1"), "an explicit add re-admits the member")
}

func TestTag_AddMember_DestroyedIgnored(t *testing.T) {
	m := newTestManager(t)
	tg, _ := m.CreateTag(TypeManual, "t")

	assert.False(t, tg.AddMember(&member{id: "gone", destroyed: true}))
	assert.Equal(t, 0, tg.MemberCount())
}

func TestTag_ListenersNotifiedSynchronously(t *testing.T) {
	m := newTestManager(t)
	tg, _ := m.CreateTag(TypeManual, "t")

	var sawMember bool
	m.Subscribe(func(ev Event) {
		// Membership is already visible to listeners.
		sawMember = ev.Tag.HasMember(ev.Member.ID())
	}, EventMemberAdded)

	tg.AddMember(newMember("r1"))
	assert.True(t, sawMember)
}

func TestTag_PropertyEvents(t *testing.T) {
	m := newTestManager(t)
	tg, _ := m.CreateTag(TypeManual, "t")

	rec := &recorder{}
	m.Subscribe(rec.record)

	tg.SetConstraint(ConstraintSpec{Source: "isComplete()", AutoAdd: true})
	tg.SetConstraint(ConstraintSpec{Source: "isComplete()", AutoAdd: true})
	tg.SetStatus("bad")

	assert.Equal(t, []EventKind{EventPropertyChanged, EventTagChanged, EventPropertyChanged}, rec.kinds())
	assert.Equal(t, PropConstraint, rec.events[0].Property)
	assert.Equal(t, PropStatus, rec.events[2].Property)
}

func TestTag_SetProperty(t *testing.T) {
	m := newTestManager(t)
	tg, _ := m.CreateTag(TypeManual, "t")

	tg.SetProperty("icon", "star")
	v, ok := tg.Property("icon")
	require.True(t, ok)
	assert.Equal(t, "star", v)

	tg.SetProperty("icon", "")
	_, ok = tg.Property("icon")
	assert.False(t, ok)
}

func TestTag_Policy(t *testing.T) {
	m := newTestManager(t)
	tg, _ := m.CreateTag(TypeManual, "t")

	tg.UpdatePolicy(func(p *Policy) {
		p.MaxMembers = 3
		p.ExecAssignTags = []string{"x"}
	})

	p := tg.Policy()
	p.ExecAssignTags[0] = "mutated"
	assert.Equal(t, []string{"x"}, tg.Policy().ExecAssignTags, "Policy returns a copy")

	n, on := tg.Policy().MemberCap()
	assert.Equal(t, 3, n)
	assert.True(t, on)
}

func TestManager_RemoveTag(t *testing.T) {
	m := newTestManager(t)
	tg, _ := m.CreateTag(TypeManual, "t")
	tg.AddMember(newMember("r1"))

	rec := &recorder{}
	m.Subscribe(rec.record)

	require.NoError(t, m.RemoveTag(tg))
	assert.Equal(t, []EventKind{EventMemberRemoved, EventTagRemoved}, rec.kinds())
	assert.True(t, tg.IsRemoved())
	assert.Equal(t, 0, tg.MemberCount())

	_, ok := m.TagByName("t")
	assert.False(t, ok)
	assert.ErrorIs(t, m.RemoveTag(tg), ErrTagRemoved)
	assert.False(t, tg.AddMember(newMember("r2")))
}

func TestManager_PersistAndRestore(t *testing.T) {
	s := setupTestStore(t)
	m := newTestManager(t, WithStore(s))

	tg, err := m.CreateTag(TypeManual, "archive")
	require.NoError(t, err)
	tg.SetColor("#ff0000")
	tg.SetConstraint(ConstraintSpec{Source: "isComplete()", AutoAdd: true, AutoRemove: false})
	tg.SetPolicy(Policy{MaxShareRatio: 2000, MaxShareRatioAction: RatioActionStop, ExecAssignTags: []string{"done"}})

	r1, r2 := newMember("r1"), newMember("r2")
	transient := &member{id: "tmp"}
	tg.AddMember(r1)
	tg.AddMember(transient)
	tg.AddMember(r2)

	// Non-persistent types never touch the store.
	_, err = m.CreateTag(TypeNetwork, "I2P")
	require.NoError(t, err)

	m2 := newTestManager(t, WithStore(s))
	rec := &recorder{}
	m2.Subscribe(rec.record)

	n, err := m2.Restore(lookupOf(r1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []EventKind{EventTagAdded, EventMembershipSync}, rec.kinds())

	got, ok := m2.TagByName("archive")
	require.True(t, ok)
	assert.Equal(t, tg.ID(), got.ID())
	assert.Equal(t, "#ff0000", got.Color())
	assert.Equal(t, ConstraintSpec{Source: "isComplete()", AutoAdd: true}, got.Constraint())
	assert.True(t, got.Policy().Equal(tg.Policy()))

	// r2 is unknown to the lookup, tmp was never persisted.
	assert.Equal(t, 1, got.MemberCount())
	assert.True(t, got.HasMember("r1"))
	added, _ := got.AddedTime("r1")
	orig, _ := tg.AddedTime("r1")
	assert.Equal(t, orig.UnixMilli(), added.UnixMilli())

	next, err := m2.CreateTag(TypeManual, "fresh")
	require.NoError(t, err)
	assert.Greater(t, next.ID(), got.ID())
}

func TestManager_RemoveTag_PurgesStore(t *testing.T) {
	s := setupTestStore(t)
	m := newTestManager(t, WithStore(s))

	tg, _ := m.CreateTag(TypeManual, "t")
	require.NotEmpty(t, s.Keys())

	require.NoError(t, m.RemoveTag(tg))
	assert.Empty(t, s.Keys())
}

func TestRegistry_Unsubscribe(t *testing.T) {
	r := NewRegistry()
	calls := 0
	unsub := r.Subscribe(func(Event) { calls++ })
	r.Subscribe(func(Event) {}, EventTagAdded)
	assert.Equal(t, 2, r.Len())

	r.Publish(Event{Kind: EventTagRemoved})
	unsub()
	unsub()
	r.Publish(Event{Kind: EventTagRemoved})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_KindFilter(t *testing.T) {
	r := NewRegistry()
	var got []EventKind
	r.Subscribe(func(ev Event) { got = append(got, ev.Kind) }, EventMemberAdded, EventMemberRemoved)

	r.Publish(Event{Kind: EventTagAdded})
	r.Publish(Event{Kind: EventMemberRemoved})
	r.Publish(Event{Kind: EventMemberAdded})

	assert.Equal(t, []EventKind{EventMemberRemoved, EventMemberAdded}, got)
}
