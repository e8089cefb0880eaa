package tag

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/autotag/internal/store"
)

// Built-in tag type ids.
const (
	TypeDownloadState = 2
	TypeManual        = 3
	TypeNetwork       = 4
	TypeSwarm         = 5
)

// TypeSpec describes a tag type to register.
type TypeSpec struct {
	ID           int
	Name         string
	Capabilities Capability
	Persistent   bool
	// Auto types are managed by the system rather than the user.
	Auto bool
}

// DefaultTypes are the types registered by RegisterDefaultTypes.
var DefaultTypes = []TypeSpec{
	{ID: TypeDownloadState, Name: "download_state", Capabilities: CapRateLimit | CapShareRatio, Auto: true},
	{ID: TypeManual, Name: "manual", Capabilities: CapAll, Persistent: true},
	{ID: TypeNetwork, Name: "network", Capabilities: CapRateLimit, Auto: true},
	{ID: TypeSwarm, Name: "swarm", Capabilities: CapRateLimit, Auto: true},
}

// Type is a tag category. It owns its tags.
type Type struct {
	mgr        *Manager
	id         int
	name       string
	caps       Capability
	persistent bool
	auto       bool

	mu     sync.RWMutex
	tags   map[int]*Tag
	nextID int
}

// ID returns the numeric type id.
func (ty *Type) ID() int { return ty.id }

// Name returns the type name.
func (ty *Type) Name() string { return ty.name }

// Capabilities returns the feature bitmask.
func (ty *Type) Capabilities() Capability { return ty.caps }

// IsPersistent reports whether tags of this type are persisted.
func (ty *Type) IsPersistent() bool { return ty.persistent }

// IsAuto reports whether the type is system-managed.
func (ty *Type) IsAuto() bool { return ty.auto }

// Tags returns the type's tags ordered by id.
func (ty *Type) Tags() []*Tag {
	ty.mu.RLock()
	defer ty.mu.RUnlock()
	out := make([]*Tag, 0, len(ty.tags))
	for _, t := range ty.tags {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Tag returns the tag with the given id.
func (ty *Type) Tag(id int) (*Tag, bool) {
	ty.mu.RLock()
	defer ty.mu.RUnlock()
	t, ok := ty.tags[id]
	return t, ok
}

// TagByName returns the tag with the given (normalized) name.
func (ty *Type) TagByName(name string) (*Tag, bool) {
	want := NormalizeName(name)
	for _, t := range ty.Tags() {
		if NormalizeName(t.Name()) == want {
			return t, true
		}
	}
	return nil, false
}

// addTag registers t under the type. id < 0 allocates the next free id.
func (ty *Type) addTag(name string, id int) (*Tag, error) {
	if NormalizeName(name) == "" {
		return nil, ErrEmptyName
	}
	if _, ok := ty.TagByName(name); ok {
		return nil, fmt.Errorf("create %q in type %s: %w", name, ty.name, ErrDuplicateName)
	}

	ty.mu.Lock()
	defer ty.mu.Unlock()
	if id < 0 {
		id = ty.nextID
	}
	if _, taken := ty.tags[id]; taken {
		return nil, fmt.Errorf("tag id %d already used in type %s", id, ty.name)
	}
	if id >= ty.nextID {
		ty.nextID = id + 1
	}
	t := newTag(ty, id, name)
	ty.tags[id] = t
	return t, nil
}

func (ty *Type) removeTag(t *Tag) {
	ty.mu.Lock()
	defer ty.mu.Unlock()
	delete(ty.tags, t.id)
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore makes persistent types write through p.
func WithStore(p Persister) Option {
	return func(m *Manager) {
		m.store = p
	}
}

// WithClock overrides the time source used for membership join times.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager is the public tag API: types, tags, membership and events.
type Manager struct {
	events *Registry
	store  Persister
	now    func() time.Time

	mu    sync.RWMutex
	types map[int]*Type
}

// NewManager creates a Manager with no types registered.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		events: NewRegistry(),
		now:    time.Now,
		types:  make(map[int]*Type),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events returns the event registry.
func (m *Manager) Events() *Registry { return m.events }

// Subscribe is shorthand for Events().Subscribe.
func (m *Manager) Subscribe(fn Listener, kinds ...EventKind) func() {
	return m.events.Subscribe(fn, kinds...)
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time { return m.now() }

// RegisterType adds a tag type.
func (m *Manager) RegisterType(spec TypeSpec) (*Type, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.types[spec.ID]; ok {
		return nil, fmt.Errorf("tag type %d already registered", spec.ID)
	}
	ty := &Type{
		mgr:        m,
		id:         spec.ID,
		name:       spec.Name,
		caps:       spec.Capabilities,
		persistent: spec.Persistent,
		auto:       spec.Auto,
		tags:       make(map[int]*Tag),
	}
	m.types[spec.ID] = ty
	return ty, nil
}

// RegisterDefaultTypes registers DefaultTypes, skipping ids already present.
func (m *Manager) RegisterDefaultTypes() {
	for _, spec := range DefaultTypes {
		if _, ok := m.Type(spec.ID); ok {
			continue
		}
		// Cannot fail: the id was checked above and Manager only grows.
		_, _ = m.RegisterType(spec)
	}
}

// Type returns a registered type.
func (m *Manager) Type(id int) (*Type, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ty, ok := m.types[id]
	return ty, ok
}

// Types returns all types ordered by id.
func (m *Manager) Types() []*Type {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Type, 0, len(m.types))
	for _, ty := range m.types {
		out = append(out, ty)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// CreateTag creates a tag in the given type.
func (m *Manager) CreateTag(typeID int, name string) (*Tag, error) {
	ty, ok := m.Type(typeID)
	if !ok {
		return nil, fmt.Errorf("create tag %q: %w: %d", name, ErrUnknownType, typeID)
	}
	t, err := ty.addTag(name, -1)
	if err != nil {
		return nil, err
	}
	t.persist(attrName, store.StringValue(name))

	slog.Debug("tag created", "tag", t.String())
	m.events.Publish(Event{Kind: EventTagAdded, Tag: t})
	return t, nil
}

// Tag returns the tag with the given UID.
func (m *Manager) Tag(uid int64) (*Tag, bool) {
	ty, ok := m.Type(int(uid >> 32))
	if !ok {
		return nil, false
	}
	return ty.Tag(int(int32(uid)))
}

// TagByName finds a tag by name across all types, lowest type id first.
func (m *Manager) TagByName(name string) (*Tag, bool) {
	for _, ty := range m.Types() {
		if t, ok := ty.TagByName(name); ok {
			return t, true
		}
	}
	return nil, false
}

// Tags returns every tag ordered by type id, then tag id.
func (m *Manager) Tags() []*Tag {
	var out []*Tag
	for _, ty := range m.Types() {
		out = append(out, ty.Tags()...)
	}
	return out
}

// TagsOf returns the tags a resource currently belongs to.
func (m *Manager) TagsOf(id string) []*Tag {
	var out []*Tag
	for _, t := range m.Tags() {
		if t.HasMember(id) {
			out = append(out, t)
		}
	}
	return out
}

// TagNamesOf returns the names of the tags a resource belongs to.
func (m *Manager) TagNamesOf(id string) []string {
	tags := m.TagsOf(id)
	names := make([]string, len(tags))
	for i, t := range tags {
		names[i] = t.Name()
	}
	return names
}

// RemoveTag clears membership, publishes removal and purges persisted state.
func (m *Manager) RemoveTag(t *Tag) error {
	t.mu.Lock()
	if t.removed {
		t.mu.Unlock()
		return ErrTagRemoved
	}
	t.mu.Unlock()

	for _, member := range t.Members() {
		t.RemoveMember(member)
	}

	t.mu.Lock()
	t.removed = true
	t.mu.Unlock()

	t.typ.removeTag(t)
	m.events.Publish(Event{Kind: EventTagRemoved, Tag: t})
	if t.persisting() {
		m.store.Purge(t.Key())
	}
	slog.Debug("tag removed", "tag", t.String())
	return nil
}

// Restore recreates every persisted tag of the registered persistent types.
// Members are resolved through lookup; unknown ids are dropped. Restored tags
// publish EventTagAdded and EventMembershipSync but no per-member events.
func (m *Manager) Restore(lookup func(id string) (Taggable, bool)) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	restored := 0
	for _, key := range m.store.Keys() {
		ty, ok := m.Type(key.TypeID)
		if !ok || !ty.persistent {
			continue
		}
		if _, exists := ty.Tag(key.TagID); exists {
			continue
		}
		name := ""
		if v, ok := m.store.Get(key, attrName); ok {
			name = v.String
		}
		t, err := ty.addTag(name, key.TagID)
		if err != nil {
			return restored, fmt.Errorf("restore %s: %w", key, err)
		}
		t.loadAttributes(m.store)

		ids, added := persistedMembers(m.store, key)
		var members []Taggable
		var stamps []time.Time
		for i, id := range ids {
			if r, ok := lookup(id); ok {
				members = append(members, r)
				stamps = append(stamps, added[i])
			}
		}

		m.events.Publish(Event{Kind: EventTagAdded, Tag: t})
		t.restoreMembers(members, stamps)
		restored++
	}
	return restored, nil
}
