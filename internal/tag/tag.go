package tag

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/autotag/internal/store"
)

var (
	// ErrDuplicateName is returned when a name is already used within a type.
	ErrDuplicateName = errors.New("tag name already in use")
	// ErrTagRemoved is returned when mutating a removed tag.
	ErrTagRemoved = errors.New("tag has been removed")
	// ErrUnknownType is returned for an unregistered type id.
	ErrUnknownType = errors.New("unknown tag type")
	// ErrEmptyName is returned for blank tag names.
	ErrEmptyName = errors.New("tag name is empty")
)

// ConstraintSpec is the persisted, uncompiled form of a tag's constraint.
type ConstraintSpec struct {
	Source     string
	AutoAdd    bool
	AutoRemove bool
}

// IsZero reports whether no constraint is configured.
func (c ConstraintSpec) IsZero() bool {
	return c.Source == ""
}

// memberSet is an immutable membership snapshot.
type memberSet struct {
	members map[string]Taggable
	added   map[string]time.Time
}

var emptyMembers = &memberSet{
	members: map[string]Taggable{},
	added:   map[string]time.Time{},
}

func (s *memberSet) with(t Taggable, at time.Time) *memberSet {
	next := &memberSet{
		members: make(map[string]Taggable, len(s.members)+1),
		added:   make(map[string]time.Time, len(s.added)+1),
	}
	maps.Copy(next.members, s.members)
	maps.Copy(next.added, s.added)
	next.members[t.ID()] = t
	next.added[t.ID()] = at
	return next
}

func (s *memberSet) without(id string) *memberSet {
	next := &memberSet{
		members: make(map[string]Taggable, len(s.members)),
		added:   make(map[string]time.Time, len(s.added)),
	}
	for k, v := range s.members {
		if k != id {
			next.members[k] = v
			next.added[k] = s.added[k]
		}
	}
	return next
}

// Tag is a named, typed classification unit.
//
// Thread-safety: all methods are safe for concurrent use. Membership reads
// never block.
type Tag struct {
	typ *Type
	id  int

	mu         sync.Mutex // serializes writers
	name       string
	group      string
	color      string
	visible    bool
	public     bool
	props      map[string]string
	constraint ConstraintSpec
	status     string
	policy     Policy
	removed    bool

	// evicted holds ids removed by cap eviction. Constraint auto-add skips
	// them until the constraint stops matching or they are added explicitly.
	evicted map[string]struct{}

	members atomic.Pointer[memberSet]
}

func newTag(typ *Type, id int, name string) *Tag {
	t := &Tag{
		typ:     typ,
		id:      id,
		name:    name,
		visible: true,
		props:   make(map[string]string),
	}
	t.members.Store(emptyMembers)
	return t
}

// Type returns the owning tag type.
func (t *Tag) Type() *Type { return t.typ }

// ID returns the tag id, unique within its type.
func (t *Tag) ID() int { return t.id }

// UID returns the globally unique id (type id in the high 32 bits).
func (t *Tag) UID() int64 { return MakeUID(t.typ.id, t.id) }

// Key returns the persistence key of the tag.
func (t *Tag) Key() store.Key { return store.Key{TypeID: t.typ.id, TagID: t.id} }

// MakeUID combines a type id and a tag id.
func MakeUID(typeID, tagID int) int64 {
	return int64(typeID)<<32 | int64(uint32(tagID))
}

func (t *Tag) String() string {
	return fmt.Sprintf("%s[%d/%d]", t.Name(), t.typ.id, t.id)
}

// Has reports whether the tag's type carries capability c.
func (t *Tag) Has(c Capability) bool { return t.typ.caps.Has(c) }

// Name returns the display name.
func (t *Tag) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// SetName renames the tag. Names are unique within the type.
func (t *Tag) SetName(name string) error {
	if NormalizeName(name) == "" {
		return ErrEmptyName
	}
	if other, ok := t.typ.TagByName(name); ok && other != t {
		return fmt.Errorf("rename %s to %q: %w", t, name, ErrDuplicateName)
	}

	t.mu.Lock()
	if t.removed {
		t.mu.Unlock()
		return ErrTagRemoved
	}
	if t.name == name {
		t.mu.Unlock()
		return nil
	}
	t.name = name
	t.mu.Unlock()

	t.changed(PropName, func() { t.persist(attrName, store.StringValue(name)) })
	return nil
}

// Group returns the display group.
func (t *Tag) Group() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.group
}

// SetGroup sets the display group.
func (t *Tag) SetGroup(group string) {
	t.setString(&t.group, group, attrGroup)
}

// Color returns the display color.
func (t *Tag) Color() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.color
}

// SetColor sets the display color.
func (t *Tag) SetColor(color string) {
	t.setString(&t.color, color, attrColor)
}

// Visible reports whether the tag is shown.
func (t *Tag) Visible() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.visible
}

// SetVisible sets visibility.
func (t *Tag) SetVisible(v bool) {
	t.setBool(&t.visible, v, attrVisible)
}

// Public reports whether the tag is public.
func (t *Tag) Public() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.public
}

// SetPublic sets the public flag.
func (t *Tag) SetPublic(v bool) {
	t.setBool(&t.public, v, attrPublic)
}

// Property returns one entry of the property bag.
func (t *Tag) Property(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.props[key]
	return v, ok
}

// Properties returns a copy of the property bag.
func (t *Tag) Properties() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.props)
}

// SetProperty sets a property; an empty value deletes it.
func (t *Tag) SetProperty(key, value string) {
	t.mu.Lock()
	if t.removed {
		t.mu.Unlock()
		return
	}
	old, had := t.props[key]
	if (value == "" && !had) || (had && old == value) {
		t.mu.Unlock()
		return
	}
	if value == "" {
		delete(t.props, key)
	} else {
		t.props[key] = value
	}
	props := maps.Clone(t.props)
	t.mu.Unlock()

	t.changed(key, func() { t.persist(attrProps, store.MapValue(props)) })
}

// Constraint returns the constraint settings.
func (t *Tag) Constraint() ConstraintSpec {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.constraint
}

// SetConstraint replaces the constraint settings.
func (t *Tag) SetConstraint(c ConstraintSpec) {
	t.mu.Lock()
	if t.removed || t.constraint == c {
		t.mu.Unlock()
		return
	}
	t.constraint = c
	t.mu.Unlock()

	t.changed(PropConstraint, func() {
		t.persist(attrConstraint, store.StringValue(c.Source))
		t.persist(attrConstraintAdd, store.BoolValue(c.AutoAdd))
		t.persist(attrConstraintRemove, store.BoolValue(c.AutoRemove))
	})
}

// Status returns the latest compile/evaluation error text, empty when healthy.
func (t *Tag) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetStatus records operator-visible status text. It is not persisted.
func (t *Tag) SetStatus(status string) {
	t.mu.Lock()
	if t.status == status {
		t.mu.Unlock()
		return
	}
	t.status = status
	t.mu.Unlock()

	t.typ.mgr.events.Publish(Event{Kind: EventPropertyChanged, Tag: t, Property: PropStatus})
}

// Policy returns a copy of the policy settings.
func (t *Tag) Policy() Policy {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.policy.Clone()
}

// SetPolicy replaces the policy settings.
func (t *Tag) SetPolicy(p Policy) {
	t.mu.Lock()
	if t.removed || t.policy.Equal(p) {
		t.mu.Unlock()
		return
	}
	t.policy = p.Clone()
	t.mu.Unlock()

	t.changed(PropPolicy, func() { t.persistPolicy(p) })
}

// UpdatePolicy applies fn to a copy of the policy and stores the result.
func (t *Tag) UpdatePolicy(fn func(*Policy)) {
	p := t.Policy()
	fn(&p)
	t.SetPolicy(p)
}

// IsRemoved reports whether the tag has been removed from its type.
func (t *Tag) IsRemoved() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removed
}

// HasMember reports whether the resource with the given id is a member.
func (t *Tag) HasMember(id string) bool {
	_, ok := t.members.Load().members[id]
	return ok
}

// MemberCount returns the number of members.
func (t *Tag) MemberCount() int {
	return len(t.members.Load().members)
}

// AddedTime returns when a member joined the tag.
func (t *Tag) AddedTime(id string) (time.Time, bool) {
	at, ok := t.members.Load().added[id]
	return at, ok
}

// Members returns the current members ordered by join time, then id.
func (t *Tag) Members() []Taggable {
	snap := t.members.Load()
	out := make([]Taggable, 0, len(snap.members))
	for _, m := range snap.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := snap.added[out[i].ID()], snap.added[out[j].ID()]
		if !ai.Equal(aj) {
			return ai.Before(aj)
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// AddMember adds a resource and reports whether membership changed.
// Listeners are notified before the membership is persisted.
func (t *Tag) AddMember(m Taggable) bool {
	t.mu.Lock()
	cur := t.members.Load()
	if t.removed || m.IsDestroyed() {
		t.mu.Unlock()
		return false
	}
	if _, ok := cur.members[m.ID()]; ok {
		t.mu.Unlock()
		return false
	}
	delete(t.evicted, m.ID())
	next := cur.with(m, t.typ.mgr.now())
	t.members.Store(next)
	t.mu.Unlock()

	t.typ.mgr.events.Publish(Event{Kind: EventMemberAdded, Tag: t, Member: m})
	t.persistMembers()
	return true
}

// RemoveMember removes a resource and reports whether membership changed.
func (t *Tag) RemoveMember(m Taggable) bool {
	t.mu.Lock()
	cur := t.members.Load()
	if _, ok := cur.members[m.ID()]; !ok {
		t.mu.Unlock()
		return false
	}
	next := cur.without(m.ID())
	t.members.Store(next)
	t.mu.Unlock()

	t.typ.mgr.events.Publish(Event{Kind: EventMemberRemoved, Tag: t, Member: m})
	t.persistMembers()
	return true
}

// Evict removes m like RemoveMember and marks it evicted, so constraint
// auto-add leaves it out until ClearEvicted or an explicit AddMember.
func (t *Tag) Evict(m Taggable) bool {
	t.mu.Lock()
	if _, ok := t.members.Load().members[m.ID()]; !ok {
		t.mu.Unlock()
		return false
	}
	if t.evicted == nil {
		t.evicted = make(map[string]struct{})
	}
	t.evicted[m.ID()] = struct{}{}
	t.mu.Unlock()

	if !t.RemoveMember(m) {
		t.ClearEvicted(m.ID())
		return false
	}
	return true
}

// IsEvicted reports whether id was evicted and not re-admitted since.
func (t *Tag) IsEvicted(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.evicted[id]
	return ok
}

// ClearEvicted forgets the eviction mark of id.
func (t *Tag) ClearEvicted(id string) {
	t.mu.Lock()
	delete(t.evicted, id)
	t.mu.Unlock()
}

// restoreMembers installs a membership snapshot without per-member events.
func (t *Tag) restoreMembers(members []Taggable, added []time.Time) {
	next := &memberSet{
		members: make(map[string]Taggable, len(members)),
		added:   make(map[string]time.Time, len(members)),
	}
	for i, m := range members {
		next.members[m.ID()] = m
		next.added[m.ID()] = added[i]
	}
	t.mu.Lock()
	t.members.Store(next)
	t.mu.Unlock()

	t.typ.mgr.events.Publish(Event{Kind: EventMembershipSync, Tag: t})
}

func (t *Tag) setString(field *string, v, attr string) {
	t.mu.Lock()
	if t.removed || *field == v {
		t.mu.Unlock()
		return
	}
	*field = v
	t.mu.Unlock()

	t.changed(attr, func() { t.persist(attr, store.StringValue(v)) })
}

func (t *Tag) setBool(field *bool, v bool, attr string) {
	t.mu.Lock()
	if t.removed || *field == v {
		t.mu.Unlock()
		return
	}
	*field = v
	t.mu.Unlock()

	t.changed(attr, func() { t.persist(attr, store.BoolValue(v)) })
}

// changed publishes the property change, then the generic tag change, then
// runs the persistence write.
func (t *Tag) changed(property string, persist func()) {
	events := t.typ.mgr.events
	events.Publish(Event{Kind: EventPropertyChanged, Tag: t, Property: property})
	events.Publish(Event{Kind: EventTagChanged, Tag: t})
	persist()
}
