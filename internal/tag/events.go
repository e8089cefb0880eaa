package tag

import (
	"fmt"
	"sync"
)

// EventKind is the closed set of events published by the Manager.
type EventKind int

const (
	// EventMemberAdded: Member joined Tag.
	EventMemberAdded EventKind = iota + 1
	// EventMemberRemoved: Member left Tag.
	EventMemberRemoved
	// EventMembershipSync: Tag's membership was replaced wholesale (restore).
	EventMembershipSync
	// EventTagAdded: Tag was created or restored.
	EventTagAdded
	// EventTagRemoved: Tag was removed; its membership is already empty.
	EventTagRemoved
	// EventTagChanged: a display or policy attribute of Tag changed.
	EventTagChanged
	// EventPropertyChanged: a named property (Property) of Tag changed.
	EventPropertyChanged
)

func (k EventKind) String() string {
	switch k {
	case EventMemberAdded:
		return "member_added"
	case EventMemberRemoved:
		return "member_removed"
	case EventMembershipSync:
		return "membership_sync"
	case EventTagAdded:
		return "tag_added"
	case EventTagRemoved:
		return "tag_removed"
	case EventTagChanged:
		return "tag_changed"
	case EventPropertyChanged:
		return "property_changed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Property names carried by EventPropertyChanged.
const (
	PropConstraint = "constraint"
	PropPolicy     = "policy"
	PropName       = "name"
	PropStatus     = "status"
)

// Event is a single notification. Member is set for membership events;
// Property is set for EventPropertyChanged.
type Event struct {
	Kind     EventKind
	Tag      *Tag
	Member   Taggable
	Property string
}

// Listener receives events synchronously on the publishing goroutine.
type Listener func(Event)

type subscription struct {
	id    int
	kinds map[EventKind]bool // nil means all kinds
	fn    Listener
}

// Registry is a publish/subscribe hub with deterministic delivery order.
//
// Thread-safety: Subscribe, unsubscribe and Publish are safe from any goroutine.
// Listeners must not block; they may publish further events.
type Registry struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Subscribe registers fn for the given kinds (all kinds when none are given)
// and returns a function that removes the subscription.
func (r *Registry) Subscribe(fn Listener, kinds ...EventKind) func() {
	var filter map[EventKind]bool
	if len(kinds) > 0 {
		filter = make(map[EventKind]bool, len(kinds))
		for _, k := range kinds {
			filter[k] = true
		}
	}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	// Copy-on-write so Publish can iterate without holding the lock.
	subs := make([]subscription, len(r.subs), len(r.subs)+1)
	copy(subs, r.subs)
	r.subs = append(subs, subscription{id: id, kinds: filter, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.unsubscribe(id) })
	}
}

func (r *Registry) unsubscribe(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := make([]subscription, 0, len(r.subs))
	for _, s := range r.subs {
		if s.id != id {
			subs = append(subs, s)
		}
	}
	r.subs = subs
}

// Publish delivers ev to every matching listener in subscription order.
// A panicking listener is not isolated; listeners are expected to recover.
func (r *Registry) Publish(ev Event) {
	r.mu.RLock()
	subs := r.subs
	r.mu.RUnlock()

	for _, s := range subs {
		if s.kinds != nil && !s.kinds[ev.Kind] {
			continue
		}
		s.fn(ev)
	}
}

// Len returns the number of subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
