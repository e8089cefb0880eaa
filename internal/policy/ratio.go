package policy

import (
	"context"
	"log/slog"
	"math"
	"math/bits"
	"time"

	"github.com/roach88/autotag/internal/tag"
)

// aggregate is the cached aggregate share ratio of one tag plus the met
// state last acted upon.
type aggregate struct {
	ratio int
	at    time.Time
	valid bool
	met   bool
}

// AggregateRatio returns Σ verified uploaded ×1000 / Σ verified downloaded
// over t's current members, cached for the refresh interval. No downloaded
// bytes yields 0 when nothing was uploaded, else math.MaxInt.
func (e *Engine) AggregateRatio(t *tag.Tag) int {
	return e.aggregateOf(t, false)
}

func (e *Engine) aggregateOf(t *tag.Tag, force bool) int {
	uid := t.UID()
	now := e.now()

	e.mu.Lock()
	if a, ok := e.aggregates[uid]; ok && a.valid && !force && now.Sub(a.at) < e.refreshInterval {
		ratio := a.ratio
		e.mu.Unlock()
		return ratio
	}
	e.mu.Unlock()

	var up, down int64
	for _, m := range t.Members() {
		r, ok := e.resource(m)
		if !ok {
			continue
		}
		st := r.Stats()
		up += st.VerifiedUploaded
		down += st.VerifiedDownloaded
	}
	ratio := ratioOf(up, down)

	e.mu.Lock()
	a, ok := e.aggregates[uid]
	if !ok {
		a = &aggregate{}
		e.aggregates[uid] = a
	}
	a.ratio, a.at, a.valid = ratio, now, true
	e.mu.Unlock()

	aggregateRatio.WithLabelValues(t.Name()).Set(float64(ratio) / 1000)
	return ratio
}

// ratioOf returns up/down as ratio×1000, saturating at math.MaxInt.
func ratioOf(up, down int64) int {
	if up <= 0 {
		return 0
	}
	if down <= 0 {
		return math.MaxInt
	}
	q := up / down
	if q >= math.MaxInt/1000 {
		return math.MaxInt
	}
	// remainder×1000 can exceed int64 when down is huge; divide in 128 bits.
	hi, lo := bits.Mul64(uint64(up%down), 1000)
	frac, _ := bits.Div64(hi, lo, uint64(down))
	return int(q)*1000 + int(frac)
}

// invalidate drops t's cached aggregate after a membership change.
func (e *Engine) invalidate(t *tag.Tag) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.aggregates[t.UID()]; ok {
		a.valid = false
	}
}

// aggregateMet reports whether t has an aggregate target and its aggregate
// ratio has reached it.
func (e *Engine) aggregateMet(t *tag.Tag, p tag.Policy) bool {
	return p.AggregateShareRatio > 0 && e.aggregateOf(t, false) >= p.AggregateShareRatio
}

// syncRatioLimits writes m's effective min/max share ratio: the maximum of
// each setting over every share-ratio tag m belongs to.
func (e *Engine) syncRatioLimits(m tag.Taggable) {
	var want [2]int
	for _, t := range e.mgr.TagsOf(m.ID()) {
		if !t.Has(tag.CapShareRatio) {
			continue
		}
		p := t.Policy()
		want[0] = max(want[0], p.MinShareRatio)
		want[1] = max(want[1], p.MaxShareRatio)
	}

	e.mu.Lock()
	have, known := e.ratios[m.ID()]
	if have == want && (known || want == [2]int{}) {
		e.mu.Unlock()
		return
	}
	e.ratios[m.ID()] = want
	e.mu.Unlock()

	id := m.ID()
	e.submit(nil, id, "share_ratio_limits", 0, func(ctx context.Context) error {
		return e.prov.SetShareRatioLimits(ctx, id, want[0], want[1])
	})
}

func (e *Engine) resetFired(uid int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.fired {
		if k.tagUID == uid {
			delete(e.fired, k)
		}
	}
}

// checkMaxRatio fires t's individual max-ratio action on m once its own
// ratio reaches the tag's maximum. With AggregateHasPriority the tag's
// aggregate target must be met as well. The action fires once per
// (tag, member) until the ratio drops below the maximum again.
func (e *Engine) checkMaxRatio(t *tag.Tag, m tag.Taggable) {
	if !t.Has(tag.CapShareRatio) {
		return
	}
	p := t.Policy()
	if p.MaxShareRatio <= 0 || p.MaxShareRatioAction == tag.RatioActionNone {
		return
	}
	r, ok := e.resource(m)
	if !ok {
		return
	}
	key := pair{t.UID(), m.ID()}
	ratio := r.Stats().ShareRatio

	if ratio < 0 || ratio < p.MaxShareRatio {
		e.mu.Lock()
		delete(e.fired, key)
		e.mu.Unlock()
		return
	}
	if p.AggregateHasPriority && p.AggregateShareRatio > 0 && !e.aggregateMet(t, p) {
		return
	}

	e.mu.Lock()
	if e.fired[key] {
		e.mu.Unlock()
		return
	}
	e.fired[key] = true
	e.mu.Unlock()

	slog.Info("max share ratio reached",
		"tag", t.Name(),
		"resource", m.ID(),
		"share_ratio", ratio,
		"max_share_ratio", p.MaxShareRatio,
		"action", p.MaxShareRatioAction.String(),
	)
	e.ratioAction(t, m.ID(), p.MaxShareRatioAction)
}

func (e *Engine) ratioAction(t *tag.Tag, id string, a tag.RatioAction) {
	switch a {
	case tag.RatioActionPause:
		e.submit(t, id, "pause", tag.CmdPause, func(ctx context.Context) error {
			return e.prov.Pause(ctx, id)
		})
	case tag.RatioActionStop:
		e.submit(t, id, "stop", tag.CmdStop, func(ctx context.Context) error {
			return e.prov.Stop(ctx, id, tag.StateStopped)
		})
	case tag.RatioActionArchive:
		e.submit(t, id, "archive", 0, func(ctx context.Context) error {
			return e.prov.Archive(ctx, id)
		})
	case tag.RatioActionRemoveFromLibrary:
		e.submit(t, id, "remove_from_library", 0, func(ctx context.Context) error {
			return e.prov.RemoveFromLibrary(ctx, id)
		})
	case tag.RatioActionRemoveFromComputer:
		e.submit(t, id, "remove_from_computer", 0, func(ctx context.Context) error {
			return e.prov.RemoveFromComputer(ctx, id)
		})
	}
}

// checkAggregate acts on an aggregate target crossing. Upward crossings
// pause or stop the eligible members; downward crossings resume or start
// them. Only transitions act, so unchanged byte counts never re-trigger.
// Nothing acts, and the crossing is not consumed, during a bulk delete or
// its grace period.
func (e *Engine) checkAggregate(t *tag.Tag) {
	p := t.Policy()
	if p.AggregateShareRatio <= 0 || p.AggregateAction == tag.AggregateActionNone {
		return
	}
	ratio := e.aggregateOf(t, false)
	met := ratio >= p.AggregateShareRatio
	now := e.now()

	e.mu.Lock()
	if e.bulkSuppressedLocked(now) {
		e.mu.Unlock()
		slog.Debug("aggregate ratio action suppressed by bulk delete", "tag", t.Name())
		return
	}
	a, ok := e.aggregates[t.UID()]
	if !ok || a.met == met {
		e.mu.Unlock()
		return
	}
	a.met = met
	e.mu.Unlock()

	var eligible []string
	for _, m := range t.Members() {
		if r, ok := e.resource(m); ok && e.eligible(t, p, r) {
			eligible = append(eligible, r.ID())
		}
	}
	slog.Info("aggregate share ratio crossed target",
		"tag", t.Name(),
		"aggregate_ratio", ratio,
		"target", p.AggregateShareRatio,
		"met", met,
		"eligible", len(eligible),
	)

	for _, id := range eligible {
		switch {
		case met && p.AggregateAction == tag.AggregateActionPause:
			e.submit(t, id, "pause", tag.CmdPause, func(ctx context.Context) error {
				return e.prov.Pause(ctx, id)
			})
		case met:
			e.submit(t, id, "stop", tag.CmdStop, func(ctx context.Context) error {
				return e.prov.Stop(ctx, id, tag.StateStopped)
			})
		case p.AggregateAction == tag.AggregateActionPause:
			e.submit(t, id, "resume", tag.CmdResume, func(ctx context.Context) error {
				return e.prov.Resume(ctx, id)
			})
		default:
			e.submit(t, id, "start", tag.CmdStart, func(ctx context.Context) error {
				return e.prov.Start(ctx, id)
			})
		}
	}
}

// eligible reports whether an aggregate action may touch r. Force-started
// and incomplete resources are excluded. Without AggregateHasPriority, a
// member that has not reached the tag's individual maximum is excluded too.
// Every other tag of r with an aggregate target must consider it met.
func (e *Engine) eligible(t *tag.Tag, p tag.Policy, r tag.Resource) bool {
	if r.IsForceStart() || !r.IsDownloadComplete() {
		return false
	}
	if !p.AggregateHasPriority && p.MaxShareRatio > 0 {
		if ratio := r.Stats().ShareRatio; ratio < p.MaxShareRatio {
			return false
		}
	}
	for _, other := range e.mgr.TagsOf(r.ID()) {
		if other.UID() == t.UID() || !other.Has(tag.CapShareRatio) {
			continue
		}
		op := other.Policy()
		if op.AggregateShareRatio > 0 && !e.aggregateMet(other, op) {
			return false
		}
	}
	return true
}
