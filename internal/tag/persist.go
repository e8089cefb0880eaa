package tag

import (
	"sort"
	"time"

	"github.com/roach88/autotag/internal/store"
)

// Persister is the subset of *store.Store the tag model writes through.
type Persister interface {
	Set(key store.Key, name string, v store.Value) bool
	Get(key store.Key, name string) (store.Value, bool)
	Purge(key store.Key)
	Keys() []store.Key
}

// Persisted attribute names.
const (
	attrName             = "name"
	attrGroup            = "group"
	attrColor            = "color"
	attrVisible          = "visible"
	attrPublic           = "public"
	attrProps            = "props"
	attrConstraint       = "cons"
	attrConstraintAdd    = "cons_add"
	attrConstraintRemove = "cons_rem"
	attrMembers          = "members"
	attrMembersAdded     = "members_added"

	attrUploadLimit          = "ul_limit"
	attrDownloadLimit        = "dl_limit"
	attrUploadPriority       = "ul_prio"
	attrMinShareRatio        = "min_sr"
	attrMaxShareRatio        = "max_sr"
	attrMaxShareRatioAction  = "max_sr_action"
	attrAggregateShareRatio  = "agg_sr"
	attrAggregateAction      = "agg_sr_action"
	attrAggregateHasPriority = "agg_sr_prio"
	attrMaxMembers           = "max_members"
	attrEvictStrategy        = "evict_strategy"
	attrEvictOrder           = "evict_order"
	attrExec                 = "eoa"
	attrExecScript           = "eoa_script"
	attrExecChat             = "eoa_chat"
	attrExecTemplate         = "eoa_template"
	attrExecLocation         = "eoa_location"
	attrExecAssign           = "eoa_assign"
	attrExecRemove           = "eoa_remove"
)

func (t *Tag) persisting() bool {
	return t.typ.persistent && t.typ.mgr.store != nil
}

func (t *Tag) persist(name string, v store.Value) {
	if !t.persisting() {
		return
	}
	t.typ.mgr.store.Set(t.Key(), name, v)
}

func (t *Tag) persistPolicy(p Policy) {
	if !t.persisting() {
		return
	}
	s, key := t.typ.mgr.store, t.Key()
	s.Set(key, attrUploadLimit, store.IntValue(int64(p.UploadLimit)))
	s.Set(key, attrDownloadLimit, store.IntValue(int64(p.DownloadLimit)))
	s.Set(key, attrUploadPriority, store.IntValue(int64(p.UploadPriority)))
	s.Set(key, attrMinShareRatio, store.IntValue(int64(p.MinShareRatio)))
	s.Set(key, attrMaxShareRatio, store.IntValue(int64(p.MaxShareRatio)))
	s.Set(key, attrMaxShareRatioAction, store.IntValue(int64(p.MaxShareRatioAction)))
	s.Set(key, attrAggregateShareRatio, store.IntValue(int64(p.AggregateShareRatio)))
	s.Set(key, attrAggregateAction, store.IntValue(int64(p.AggregateAction)))
	s.Set(key, attrAggregateHasPriority, store.BoolValue(p.AggregateHasPriority))
	s.Set(key, attrMaxMembers, store.IntValue(int64(p.MaxMembers)))
	s.Set(key, attrEvictStrategy, store.IntValue(int64(p.EvictStrategy)))
	s.Set(key, attrEvictOrder, store.IntValue(int64(p.EvictOrder)))
	s.Set(key, attrExec, store.IntValue(int64(p.Exec)))
	s.Set(key, attrExecScript, store.StringValue(p.ExecScript))
	s.Set(key, attrExecChat, store.StringValue(p.ExecChatChannel))
	s.Set(key, attrExecTemplate, store.StringValue(p.ExecOptionsTemplate))
	s.Set(key, attrExecLocation, store.StringValue(p.ExecInitialLocation))
	s.Set(key, attrExecAssign, store.StringsValue(p.ExecAssignTags))
	s.Set(key, attrExecRemove, store.StringsValue(p.ExecRemoveTags))
}

// persistMembers writes the current persistent members in join order.
// Listeners may have changed membership again since the caller's mutation,
// so the latest snapshot is written.
func (t *Tag) persistMembers() {
	if !t.persisting() {
		return
	}
	snap := t.members.Load()
	ids := make([]string, 0, len(snap.members))
	for id, m := range snap.members {
		if m.IsPersistent() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		ai, aj := snap.added[ids[i]], snap.added[ids[j]]
		if !ai.Equal(aj) {
			return ai.Before(aj)
		}
		return ids[i] < ids[j]
	})
	added := make([]int64, len(ids))
	for i, id := range ids {
		added[i] = snap.added[id].UnixMilli()
	}
	s, key := t.typ.mgr.store, t.Key()
	s.Set(key, attrMembers, store.StringsValue(ids))
	s.Set(key, attrMembersAdded, store.IntsValue(added))
}

// PersistedMembers returns the member ids last written to the store, in
// join order. It is empty when the tag's type is not persistent.
func (t *Tag) PersistedMembers() []string {
	if !t.persisting() {
		return nil
	}
	ids, _ := persistedMembers(t.typ.mgr.store, t.Key())
	return ids
}

// loadAttributes fills a freshly restored tag from the store. No events fire.
func (t *Tag) loadAttributes(s Persister) {
	key := t.Key()
	str := func(name string) string {
		if v, ok := s.Get(key, name); ok && v.Kind == store.KindString {
			return v.String
		}
		return ""
	}
	num := func(name string) int {
		if v, ok := s.Get(key, name); ok && v.Kind == store.KindInt {
			return int(v.Int)
		}
		return 0
	}
	flag := func(name string, def bool) bool {
		if v, ok := s.Get(key, name); ok && v.Kind == store.KindBool {
			return v.Bool
		}
		return def
	}
	list := func(name string) []string {
		if v, ok := s.Get(key, name); ok && v.Kind == store.KindStrings {
			return append([]string(nil), v.Strings...)
		}
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.name = str(attrName)
	t.group = str(attrGroup)
	t.color = str(attrColor)
	t.visible = flag(attrVisible, true)
	t.public = flag(attrPublic, false)
	if v, ok := s.Get(key, attrProps); ok && v.Kind == store.KindMap {
		t.props = store.MapValue(v.Map).Map
	}
	t.constraint = ConstraintSpec{
		Source:     str(attrConstraint),
		AutoAdd:    flag(attrConstraintAdd, true),
		AutoRemove: flag(attrConstraintRemove, true),
	}
	t.policy = Policy{
		UploadLimit:          num(attrUploadLimit),
		DownloadLimit:        num(attrDownloadLimit),
		UploadPriority:       num(attrUploadPriority),
		MinShareRatio:        num(attrMinShareRatio),
		MaxShareRatio:        num(attrMaxShareRatio),
		MaxShareRatioAction:  RatioAction(num(attrMaxShareRatioAction)),
		AggregateShareRatio:  num(attrAggregateShareRatio),
		AggregateAction:      AggregateAction(num(attrAggregateAction)),
		AggregateHasPriority: flag(attrAggregateHasPriority, false),
		MaxMembers:           num(attrMaxMembers),
		EvictStrategy:        EvictStrategy(num(attrEvictStrategy)),
		EvictOrder:           EvictOrder(num(attrEvictOrder)),
		Exec:                 ExecAction(num(attrExec)),
		ExecScript:           str(attrExecScript),
		ExecChatChannel:      str(attrExecChat),
		ExecOptionsTemplate:  str(attrExecTemplate),
		ExecInitialLocation:  str(attrExecLocation),
		ExecAssignTags:       list(attrExecAssign),
		ExecRemoveTags:       list(attrExecRemove),
	}
}

// persistedMembers returns the stored member ids and join times.
func persistedMembers(s Persister, key store.Key) ([]string, []time.Time) {
	var ids []string
	if v, ok := s.Get(key, attrMembers); ok && v.Kind == store.KindStrings {
		ids = v.Strings
	}
	var stamps []int64
	if v, ok := s.Get(key, attrMembersAdded); ok && v.Kind == store.KindInts {
		stamps = v.Ints
	}
	added := make([]time.Time, len(ids))
	for i := range ids {
		if i < len(stamps) {
			added[i] = time.UnixMilli(stamps[i])
		}
	}
	return ids, added
}
