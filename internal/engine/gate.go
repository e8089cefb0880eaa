package engine

// pauseGate holds constraint-driven mutations while the engine is suspended.
//
// Suspension is reference counted. While the count is above zero a mutation
// is recorded by pair instead of applied. Re-queueing a pair keeps its first
// position. When the count returns to zero the pairs are replayed in enqueue
// order: each is re-evaluated and re-applied, so a mutation that is no
// longer warranted is not forced through.
//
// CRITICAL: pauseGate has no lock of its own. It is guarded by Engine.mu.
type pauseGate struct {
	count   int
	order   []pair
	pending map[pair]struct{}
}

func newPauseGate() *pauseGate {
	return &pauseGate{pending: make(map[pair]struct{})}
}

// Suspended reports whether mutations are currently held.
func (g *pauseGate) Suspended() bool {
	return g.count > 0
}

// Suspend increments the count.
func (g *pauseGate) Suspend() {
	g.count++
}

// Resume decrements the count and reports whether it reached zero with
// mutations waiting.
func (g *pauseGate) Resume() (replay bool) {
	if g.count == 0 {
		return false
	}
	g.count--
	return g.count == 0 && len(g.order) > 0
}

// Hold records p for replay.
func (g *pauseGate) Hold(p pair) {
	if _, ok := g.pending[p]; ok {
		return
	}
	g.pending[p] = struct{}{}
	g.order = append(g.order, p)
	heldMutations.Set(float64(len(g.order)))
}

// Take removes and returns the held pairs in enqueue order.
func (g *pauseGate) Take() []pair {
	out := g.order
	g.order = nil
	g.pending = make(map[pair]struct{})
	heldMutations.Set(0)
	return out
}

// Len returns the number of held pairs.
func (g *pauseGate) Len() int {
	return len(g.order)
}
