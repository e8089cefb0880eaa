package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/autotag/internal/constraint"
	"github.com/roach88/autotag/internal/tag"
)

// Default timings.
const (
	DefaultReconcileInterval = 30 * time.Second
	DefaultStateChangeWindow = 5 * time.Second
	DefaultDebounceWindow    = time.Second
)

// Resources is the read side of the resource provider.
type Resources interface {
	Resources() []tag.Resource
	Resource(id string) (tag.Resource, bool)
}

// Constraint is one entry of the constraint table.
type Constraint struct {
	Tag        *tag.Tag
	Source     string
	Expr       *constraint.Expr // nil when Err is set
	AutoAdd    bool
	AutoRemove bool
	Err        error
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source for debounce and evaluation.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithScripts sets the runner for javascript() constraints.
func WithScripts(r constraint.ScriptRunner) Option {
	return func(e *Engine) {
		e.scripts = r
	}
}

// WithReconcileInterval sets the period of the full reconciliation tick.
func WithReconcileInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.reconcileInterval = d
		}
	}
}

// WithStateChangeWindow sets the per-resource state-change coalescing window.
// Zero disables coalescing.
func WithStateChangeWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.stateChangeWindow = d
		}
	}
}

// WithDebounceWindow sets how long a mutated pair is protected from the
// opposite mutation.
func WithDebounceWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.debounceWindow = d
		}
	}
}

// WithPassIDs overrides the pass id generator.
func WithPassIDs(gen PassIDGenerator) Option {
	return func(e *Engine) {
		e.passIDs = gen
	}
}

// Engine keeps tag membership consistent with compiled constraints.
//
// Work arrives from tag events, provider lifecycle events, the state-change
// coalescer and the reconciliation tick. All of it funnels through one FIFO
// job queue drained by a single worker.
//
// CRITICAL: passMu guarantees at most one pass at a time, whether it runs on
// the Run loop or through a synchronous entry point. Membership is never
// mutated while mu is held, because membership events are delivered
// synchronously and come back into the engine.
//
// Thread-safety model:
//   - Suspend/Resume/Constraint/Len: safe from any goroutine
//   - ApplyAll/ApplyTag/ApplyResource/Drain: safe, serialized by passMu
//   - Run: must be called from exactly one goroutine
type Engine struct {
	mgr     *tag.Manager
	res     Resources
	scripts constraint.ScriptRunner
	now     func() time.Time
	passIDs PassIDGenerator

	reconcileInterval time.Duration
	stateChangeWindow time.Duration
	debounceWindow    time.Duration

	queue  *jobQueue
	states *coalescer
	unsubs []func()

	passMu sync.Mutex

	// mu guards the constraint table, the apply history and the pause gate.
	mu          sync.Mutex
	constraints map[int64]*Constraint
	failures    map[int64]map[string]string // tag uid -> resource id -> eval error
	history     *applyHistory
	gate        *pauseGate
	initialDone bool
	fullQueued  bool
}

// New creates an Engine over mgr's tags and res's resources, loads every
// existing constraint and subscribes to tag and resource events. Nothing is
// applied until Startup, Run or a synchronous entry point is called.
func New(mgr *tag.Manager, res Resources, opts ...Option) *Engine {
	e := &Engine{
		mgr:               mgr,
		res:               res,
		now:               time.Now,
		passIDs:           UUIDv7Generator{},
		reconcileInterval: DefaultReconcileInterval,
		stateChangeWindow: DefaultStateChangeWindow,
		debounceWindow:    DefaultDebounceWindow,
		queue:             newJobQueue(),
		constraints:       make(map[int64]*Constraint),
		failures:          make(map[int64]map[string]string),
		gate:              newPauseGate(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.history = newApplyHistory(e.debounceWindow)
	e.states = newCoalescer(e.stateChangeWindow, func(id string) {
		e.enqueue(Job{Kind: JobApplyResource, ResourceID: id, Reason: "state_changed"})
	})

	for _, t := range mgr.Tags() {
		e.load(t)
	}

	e.unsubs = append(e.unsubs, mgr.Subscribe(e.onTagEvent))
	if w, ok := res.(tag.Watcher); ok {
		e.unsubs = append(e.unsubs, w.Watch(e.onResourceEvent))
	}
	return e
}

// Run performs startup sequencing, then drains the job queue and schedules
// the reconciliation tick until ctx is cancelled or Stop is called.
//
// CRITICAL: Must be called from exactly ONE goroutine.
//
// ERROR HANDLING: nothing escapes a pass. Compile and evaluation failures
// become tag status text and log lines; the loop continues.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("reconciliation engine starting",
		"constraints", e.Len(),
		"reconcile_interval", e.reconcileInterval.String(),
		"debounce_window", e.debounceWindow.String(),
	)
	e.Startup(ctx)

	ticker := time.NewTicker(e.reconcileInterval)
	defer ticker.Stop()

	for {
		if job, ok := e.queue.TryDequeue(); ok {
			e.process(ctx, job)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled", "queued", e.queue.Len())
			e.Stop()
			e.Drain(context.WithoutCancel(ctx))
			return ctx.Err()

		case <-ticker.C:
			e.enqueue(Job{Kind: JobApplyAll, Reason: "tick"})

		case <-e.queue.Wait():
			// The signal channel is closed by Stop, so this case keeps
			// firing until the queue is empty.
			if e.queue.Closed() && e.queue.Len() == 0 {
				slog.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop unsubscribes from events and stops scheduling new work. Jobs already
// queued are still drained by Run.
func (e *Engine) Stop() {
	e.mu.Lock()
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	e.states.Stop()
	e.queue.Close()
}

// Startup applies every constraint once to establish a baseline, marks the
// initial pass complete and applies every constraint again to pick up
// constraints that read other tags' membership.
func (e *Engine) Startup(ctx context.Context) {
	e.process(ctx, Job{Kind: JobApplyAll, Reason: "startup"})

	e.mu.Lock()
	e.initialDone = true
	e.mu.Unlock()
	slog.Info("initial reconciliation pass complete", "constraints", e.Len())

	e.process(ctx, Job{Kind: JobApplyAll, Reason: "startup_second_pass"})
}

// InitialPassComplete reports whether Startup finished its first pass.
func (e *Engine) InitialPassComplete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialDone
}

// ApplyAll applies every constraint to every resource on the caller's
// goroutine.
func (e *Engine) ApplyAll(ctx context.Context) {
	e.process(ctx, Job{Kind: JobApplyAll, Reason: "explicit"})
}

// ApplyTag applies one tag's constraint to every resource.
func (e *Engine) ApplyTag(ctx context.Context, t *tag.Tag) {
	e.process(ctx, Job{Kind: JobApplyTag, TagUID: t.UID(), Reason: "explicit"})
}

// ApplyResource applies every constraint to one resource.
func (e *Engine) ApplyResource(ctx context.Context, id string) {
	e.process(ctx, Job{Kind: JobApplyResource, ResourceID: id, Reason: "explicit"})
}

// Drain processes queued jobs on the caller's goroutine until the queue is
// empty, including jobs enqueued by the passes themselves.
func (e *Engine) Drain(ctx context.Context) {
	for {
		job, ok := e.queue.TryDequeue()
		if !ok {
			return
		}
		e.process(ctx, job)
	}
}

// Pending returns the number of queued jobs.
func (e *Engine) Pending() int {
	return e.queue.Len()
}

// Suspend holds constraint-driven mutations until a matching Resume.
// Calls nest.
func (e *Engine) Suspend() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gate.Suspend()
	slog.Debug("reconciliation suspended", "depth", e.gate.count)
}

// Resume undoes one Suspend. When the last one is undone, the held
// mutations are queued for replay, ahead of other pending jobs, in the
// order they were first held.
func (e *Engine) Resume() {
	e.mu.Lock()
	replay := e.gate.Resume()
	held := e.gate.Len()
	depth := e.gate.count
	e.mu.Unlock()

	slog.Debug("reconciliation resumed", "depth", depth)
	if replay {
		slog.Info("replaying held mutations", "count", held)
		// Held mutations predate anything queued during the suspension.
		if !e.queue.EnqueueFront(Job{Kind: JobReplay, Reason: "resume"}) {
			slog.Debug("replay dropped after stop")
		}
	}
}

// Suspended reports whether mutations are currently held.
func (e *Engine) Suspended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gate.Suspended()
}

// Held returns the number of held mutations.
func (e *Engine) Held() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gate.Len()
}

// Constraint returns a copy of t's constraint table entry.
func (e *Engine) Constraint(t *tag.Tag) (Constraint, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.constraints[t.UID()]
	if !ok {
		return Constraint{}, false
	}
	return *c, true
}

// Len returns the number of tags with a constraint, compiled or not.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.constraints)
}

func (e *Engine) enqueue(j Job) {
	if j.Kind == JobApplyAll && !j.DependentOnly {
		e.mu.Lock()
		if e.fullQueued {
			e.mu.Unlock()
			return
		}
		e.fullQueued = true
		e.mu.Unlock()
	}
	if !e.queue.Enqueue(j) {
		slog.Debug("reconciliation job dropped after stop", "job", j.Kind.String(), "reason", j.Reason)
	}
}

// load (re)compiles t's constraint into the table and reports whether it is
// usable. The source is only recompiled when it changed.
func (e *Engine) load(t *tag.Tag) bool {
	if !t.Has(tag.CapConstraint) {
		return false
	}
	spec := t.Constraint()
	uid := t.UID()

	if spec.IsZero() {
		e.mu.Lock()
		_, had := e.constraints[uid]
		delete(e.constraints, uid)
		delete(e.failures, uid)
		e.mu.Unlock()
		if had {
			t.SetStatus("")
		}
		return false
	}

	e.mu.Lock()
	if c, ok := e.constraints[uid]; ok && c.Source == spec.Source {
		c.AutoAdd = spec.AutoAdd
		c.AutoRemove = spec.AutoRemove
		usable := c.Expr != nil
		e.mu.Unlock()
		return usable
	}
	e.mu.Unlock()

	c := &Constraint{
		Tag:        t,
		Source:     spec.Source,
		AutoAdd:    spec.AutoAdd,
		AutoRemove: spec.AutoRemove,
	}
	c.Expr, c.Err = constraint.Compile(spec.Source)

	e.mu.Lock()
	e.constraints[uid] = c
	delete(e.failures, uid)
	e.mu.Unlock()

	if c.Err != nil {
		compileErrorsTotal.Inc()
		slog.Warn("constraint compile failed",
			"tag", t.Name(),
			"source", spec.Source,
			"error", &ApplyError{Code: ErrCodeCompile, Tag: t.Name(), Err: c.Err},
		)
		t.SetStatus(c.Err.Error())
		return false
	}
	slog.Debug("constraint compiled", "tag", t.Name(), "expr", c.Expr.String())
	t.SetStatus("")
	return true
}

func (e *Engine) forget(t *tag.Tag) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.constraints, t.UID())
	delete(e.failures, t.UID())
	e.history.ForgetTag(t.UID())
}

func (e *Engine) hasDependents() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.constraints {
		if c.Expr != nil && c.Expr.DependsOnTags() {
			return true
		}
	}
	return false
}

func (e *Engine) onTagEvent(ev tag.Event) {
	switch ev.Kind {
	case tag.EventTagAdded:
		if e.load(ev.Tag) {
			e.enqueue(Job{Kind: JobApplyTag, TagUID: ev.Tag.UID(), Reason: "tag_added"})
		}

	case tag.EventTagRemoved:
		e.forget(ev.Tag)

	case tag.EventPropertyChanged:
		switch ev.Property {
		case tag.PropConstraint:
			if e.load(ev.Tag) {
				e.enqueue(Job{Kind: JobApplyTag, TagUID: ev.Tag.UID(), Reason: "constraint_changed"})
			}
		case tag.PropName:
			if e.hasDependents() {
				e.enqueue(Job{Kind: JobApplyAll, DependentOnly: true, Reason: "tag_renamed"})
			}
		}

	case tag.EventMemberAdded, tag.EventMemberRemoved:
		if e.hasDependents() {
			e.enqueue(Job{
				Kind:          JobApplyResource,
				ResourceID:    ev.Member.ID(),
				DependentOnly: true,
				Reason:        ev.Kind.String(),
			})
		}

	case tag.EventMembershipSync:
		if e.hasDependents() {
			e.enqueue(Job{Kind: JobApplyAll, DependentOnly: true, Reason: ev.Kind.String()})
		}
	}
}

func (e *Engine) onResourceEvent(ev tag.ResourceEvent) {
	id := ev.Resource.ID()
	switch ev.Kind {
	case tag.ResourceAdded, tag.ResourceChanged:
		e.enqueue(Job{Kind: JobApplyResource, ResourceID: id, Reason: ev.Kind.String()})

	case tag.ResourceStateChanged:
		e.states.Trigger(id)

	case tag.ResourceRemoved:
		e.states.Forget(id)
		e.mu.Lock()
		e.history.ForgetResource(id)
		e.mu.Unlock()
		for _, t := range e.mgr.TagsOf(id) {
			t.RemoveMember(ev.Resource)
		}
	}
}

// pass is the state of one reconciliation pass.
type pass struct {
	id     string
	ctx    context.Context
	now    time.Time
	reason string
}

// process runs one job. It is the only place passes start.
func (e *Engine) process(ctx context.Context, job Job) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	if job.Kind == JobApplyAll && !job.DependentOnly {
		e.mu.Lock()
		e.fullQueued = false
		e.mu.Unlock()
	}

	p := &pass{id: e.passIDs.Generate(), ctx: ctx, now: e.now(), reason: job.Reason}
	start := time.Now()

	switch job.Kind {
	case JobApplyAll:
		e.applyAll(p, job.DependentOnly)
	case JobApplyTag:
		e.applyTag(p, job.TagUID)
	case JobApplyResource:
		e.applyResource(p, job.ResourceID, job.DependentOnly)
	case JobReplay:
		e.replay(p)
	default:
		slog.Error("unknown reconciliation job", "pass_id", p.id, "job", job.Kind.String())
		return
	}

	passesTotal.WithLabelValues(job.Kind.String()).Inc()
	passDuration.Observe(time.Since(start).Seconds())
	slog.Debug("reconciliation pass finished",
		"pass_id", p.id,
		"job", job.Kind.String(),
		"reason", job.Reason,
		"duration", time.Since(start).String(),
	)
}

// usable returns a snapshot of the compiled constraints ordered by tag UID.
func (e *Engine) usable(dependentOnly bool) []Constraint {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Constraint, 0, len(e.constraints))
	for _, c := range e.constraints {
		if c.Expr == nil {
			continue
		}
		if dependentOnly && !c.Expr.DependsOnTags() {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag.UID() < out[j].Tag.UID() })
	return out
}

func (e *Engine) applyAll(p *pass, dependentOnly bool) {
	resources := e.res.Resources()
	for _, c := range e.usable(dependentOnly) {
		e.applyTagTo(p, c, resources)
	}
	if !dependentOnly {
		e.mu.Lock()
		e.history.Prune(e.now())
		e.mu.Unlock()
	}
}

func (e *Engine) applyTag(p *pass, uid int64) {
	e.mu.Lock()
	c, ok := e.constraints[uid]
	var snap Constraint
	if ok {
		snap = *c
	}
	e.mu.Unlock()
	if !ok || snap.Expr == nil {
		return
	}
	e.applyTagTo(p, snap, e.res.Resources())
}

// applyTagTo applies c to every resource and refreshes the tag's status with
// the first evaluation failure, or clears it.
func (e *Engine) applyTagTo(p *pass, c Constraint, resources []tag.Resource) {
	var first error
	failed := make(map[string]string)
	for _, r := range resources {
		if err := e.applyPair(p, c, r); err != nil {
			failed[r.ID()] = err.Error()
			if first == nil {
				first = err
			}
		}
	}

	e.mu.Lock()
	if len(failed) > 0 {
		e.failures[c.Tag.UID()] = failed
	} else {
		delete(e.failures, c.Tag.UID())
	}
	e.mu.Unlock()

	if first != nil {
		c.Tag.SetStatus(first.Error())
	} else {
		c.Tag.SetStatus("")
	}
}

// noteEval records the outcome of a single-pair evaluation. A failure
// becomes the tag's status. A success clears the status once no other
// resource of the tag is still failing.
func (e *Engine) noteEval(c Constraint, id string, err error) {
	uid := c.Tag.UID()

	e.mu.Lock()
	failed := e.failures[uid]
	if err != nil {
		if failed == nil {
			failed = make(map[string]string)
			e.failures[uid] = failed
		}
		failed[id] = err.Error()
		e.mu.Unlock()
		c.Tag.SetStatus(err.Error())
		return
	}
	if _, was := failed[id]; !was {
		e.mu.Unlock()
		return
	}
	delete(failed, id)
	status := ""
	if len(failed) == 0 {
		delete(e.failures, uid)
	} else {
		ids := make([]string, 0, len(failed))
		for rid := range failed {
			ids = append(ids, rid)
		}
		sort.Strings(ids)
		status = failed[ids[0]]
	}
	e.mu.Unlock()

	c.Tag.SetStatus(status)
}

func (e *Engine) applyResource(p *pass, id string, dependentOnly bool) {
	r, ok := e.res.Resource(id)
	if !ok {
		return
	}
	for _, c := range e.usable(dependentOnly) {
		e.noteEval(c, id, e.applyPair(p, c, r))
	}
}

func (e *Engine) replay(p *pass) {
	e.mu.Lock()
	pairs := e.gate.Take()
	e.mu.Unlock()

	for _, key := range pairs {
		e.mu.Lock()
		c, ok := e.constraints[key.tagUID]
		var snap Constraint
		if ok {
			snap = *c
		}
		e.mu.Unlock()
		if !ok || snap.Expr == nil {
			continue
		}
		r, ok := e.res.Resource(key.resourceID)
		if !ok {
			continue
		}
		e.noteEval(snap, key.resourceID, e.applyPair(p, snap, r))
	}
}

// applyPair evaluates c against r and adds or removes membership as the
// auto flags allow. It returns an *ApplyError when evaluation failed; the
// failed evaluation counts as false.
func (e *Engine) applyPair(p *pass, c Constraint, r tag.Resource) error {
	if r.IsDestroyed() || (!r.IsPersistent() && !r.IsMetadataOnly()) {
		return nil
	}
	t := c.Tag
	if t.IsRemoved() {
		return nil
	}
	id := r.ID()
	member := t.HasMember(id)
	if (member && !c.AutoRemove) || (!member && !c.AutoAdd) {
		return nil
	}

	addedAt, _ := t.AddedTime(id)
	ok, err := c.Expr.Eval(&constraint.Env{
		Ctx:        p.ctx,
		Resource:   r,
		Tags:       e.mgr.TagNamesOf(id),
		TagName:    t.Name(),
		TagAddedAt: addedAt,
		Now:        p.now,
		Scripts:    e.scripts,
	})
	var applyErr error
	if err != nil {
		evalErrorsTotal.Inc()
		applyErr = &ApplyError{Code: ErrCodeEval, Tag: t.Name(), Resource: id, Err: err}
		slog.Warn("constraint evaluation failed",
			"pass_id", p.id,
			"tag", t.Name(),
			"resource", id,
			"error", err,
		)
		ok = false
	}

	switch {
	case ok && !member && t.IsEvicted(id):
		slog.Debug("evicted member not re-added", "pass_id", p.id, "tag", t.Name(), "resource", id)
	case ok && !member:
		e.mutate(p, t, r, true)
	case !ok && member:
		e.mutate(p, t, r, false)
	case !ok:
		t.ClearEvicted(id)
	}
	return applyErr
}

// mutate applies one membership change unless the pause gate holds it or
// the debounce window suppresses it.
func (e *Engine) mutate(p *pass, t *tag.Tag, r tag.Resource, add bool) {
	op := "remove"
	if add {
		op = "add"
	}
	key := pair{tagUID: t.UID(), resourceID: r.ID()}
	now := e.now()

	e.mu.Lock()
	if e.gate.Suspended() {
		e.gate.Hold(key)
		e.mu.Unlock()
		slog.Debug("constraint mutation held", "pass_id", p.id, "tag", t.Name(), "resource", r.ID(), "op", op)
		return
	}
	if e.history.Suppressed(key, now) {
		e.mu.Unlock()
		suppressedTotal.Inc()
		slog.Warn("constraint mutation suppressed",
			"pass_id", p.id,
			"tag", t.Name(),
			"resource", r.ID(),
			"op", op,
			"window", e.debounceWindow.String(),
		)
		return
	}
	e.history.Record(key, now)
	e.mu.Unlock()

	var changed bool
	if add {
		changed = t.AddMember(r)
	} else {
		changed = t.RemoveMember(r)
	}
	if changed {
		mutationsTotal.WithLabelValues(op).Inc()
		slog.Info("constraint mutated membership",
			"pass_id", p.id,
			"tag", t.Name(),
			"resource", r.ID(),
			"op", op,
			"reason", p.reason,
		)
	}
}
