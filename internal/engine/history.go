package engine

import (
	"time"
)

// pair identifies one (tag, resource) combination.
type pair struct {
	tagUID     int64
	resourceID string
}

// applyHistory records when each pair was last mutated by a constraint, so
// oscillating constraints are damped.
//
// Example oscillation:
//
//	isPaused() tag with exec-on-assign "resume"
//	→ resource pauses → added → resumed → removed → paused again → ...
//
// A second mutation of the same pair inside the window is suppressed and
// logged.
//
// CRITICAL: applyHistory has no lock of its own. It is guarded by Engine.mu
// together with the constraint table and the pause gate.
type applyHistory struct {
	window time.Duration
	last   map[pair]time.Time
}

func newApplyHistory(window time.Duration) *applyHistory {
	return &applyHistory{
		window: window,
		last:   make(map[pair]time.Time),
	}
}

// Suppressed reports whether p was actioned less than window before now.
func (h *applyHistory) Suppressed(p pair, now time.Time) bool {
	at, ok := h.last[p]
	return ok && now.Sub(at) < h.window
}

// Record marks p as actioned at now.
func (h *applyHistory) Record(p pair, now time.Time) {
	h.last[p] = now
}

// ForgetTag drops every entry of a removed tag.
func (h *applyHistory) ForgetTag(uid int64) {
	for p := range h.last {
		if p.tagUID == uid {
			delete(h.last, p)
		}
	}
}

// ForgetResource drops every entry of a removed resource.
func (h *applyHistory) ForgetResource(id string) {
	for p := range h.last {
		if p.resourceID == id {
			delete(h.last, p)
		}
	}
}

// Prune drops entries that can no longer suppress anything.
func (h *applyHistory) Prune(now time.Time) {
	for p, at := range h.last {
		if now.Sub(at) >= h.window {
			delete(h.last, p)
		}
	}
}

// Len returns the number of tracked pairs.
func (h *applyHistory) Len() int {
	return len(h.last)
}
