package policy

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/autotag/internal/tag"
)

// OldSuffix names the tag that receives members evicted with EvictMoveToOld.
const OldSuffix = "-old"

// enforceCap evicts t's oldest excess members when its member cap is
// exceeded. Non-persistent picks are logged and skipped, never replaced by
// younger members.
//
// CRITICAL: eviction mutates membership, which publishes events
// synchronously. It must never run with mu held.
func (e *Engine) enforceCap(t *tag.Tag) {
	if !t.Has(tag.CapLimits) {
		return
	}
	p := t.Policy()
	limit, on := p.MemberCap()
	if !on {
		return
	}
	members := t.Members()
	excess := len(members) - limit
	if excess <= 0 {
		return
	}

	e.sortForEviction(t, p.EvictOrder, members)
	for _, m := range members[:excess] {
		if !m.IsPersistent() {
			evictionsTotal.WithLabelValues("skipped").Inc()
			slog.Warn("member cannot be evicted",
				"tag", t.Name(),
				"resource", m.ID(),
				"reason", "not persistent",
				"max_members", limit,
			)
			continue
		}
		e.evict(t, p, m)
	}
}

// sortForEviction orders members oldest first by the configured timestamp,
// then by id.
func (e *Engine) sortForEviction(t *tag.Tag, order tag.EvictOrder, members []tag.Taggable) {
	stamp := func(m tag.Taggable) time.Time {
		joined, _ := t.AddedTime(m.ID())
		if order == tag.OrderAddedToTag {
			return joined
		}
		if r, ok := e.resource(m); ok {
			if at := r.Stats().AddedTime; !at.IsZero() {
				return at
			}
		}
		return joined
	}
	sort.SliceStable(members, func(i, j int) bool {
		si, sj := stamp(members[i]), stamp(members[j])
		if !si.Equal(sj) {
			return si.Before(sj)
		}
		return members[i].ID() < members[j].ID()
	})
}

func (e *Engine) evict(t *tag.Tag, p tag.Policy, m tag.Taggable) {
	if !t.Evict(m) {
		return
	}
	evictionsTotal.WithLabelValues(p.EvictStrategy.String()).Inc()
	slog.Info("member evicted",
		"tag", t.Name(),
		"resource", m.ID(),
		"strategy", p.EvictStrategy.String(),
		"order", p.EvictOrder.String(),
	)

	id := m.ID()
	switch p.EvictStrategy {
	case tag.EvictArchive:
		e.submit(t, id, "archive", 0, func(ctx context.Context) error {
			return e.prov.Archive(ctx, id)
		})
	case tag.EvictRemoveFromLibrary:
		e.submit(t, id, "remove_from_library", 0, func(ctx context.Context) error {
			return e.prov.RemoveFromLibrary(ctx, id)
		})
	case tag.EvictDeleteFromComputer:
		e.submit(t, id, "remove_from_computer", 0, func(ctx context.Context) error {
			return e.prov.RemoveFromComputer(ctx, id)
		})
	case tag.EvictMoveToOld:
		old, err := e.oldTag(t)
		if err != nil {
			slog.Error("evicted member not moved", "tag", t.Name(), "resource", id, "error", err)
			return
		}
		old.AddMember(m)
	}
}

// oldTag returns the "<name>-old" tag of t's type, creating it if needed.
func (e *Engine) oldTag(t *tag.Tag) (*tag.Tag, error) {
	name := t.Name() + OldSuffix
	if old, ok := t.Type().TagByName(name); ok {
		return old, nil
	}
	return e.mgr.CreateTag(t.Type().ID(), name)
}
