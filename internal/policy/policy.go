package policy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/autotag/internal/constraint"
	"github.com/roach88/autotag/internal/dispatch"
	"github.com/roach88/autotag/internal/tag"
)

// Default timings.
const (
	DefaultRefreshInterval = 2500 * time.Millisecond
	DefaultSyncInterval    = 30 * time.Second
	DefaultBulkDeleteGrace = 10 * time.Second
)

// ChatPoster delivers exec-on-assign chat messages.
type ChatPoster interface {
	Post(ctx context.Context, channel, message string) error
}

// ChatFunc adapts a function to ChatPoster.
type ChatFunc func(ctx context.Context, channel, message string) error

func (f ChatFunc) Post(ctx context.Context, channel, message string) error {
	return f(ctx, channel, message)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source for caches and grace periods.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithScripts sets the runner for exec-on-assign scripts.
func WithScripts(r constraint.ScriptRunner) Option {
	return func(e *Engine) {
		e.scripts = r
	}
}

// WithChat sets the chat poster for exec-on-assign.
func WithChat(c ChatPoster) Option {
	return func(e *Engine) {
		e.chat = c
	}
}

// WithRefreshInterval sets the ratio/rate refresh period and the aggregate
// cache lifetime.
func WithRefreshInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.refreshInterval = d
		}
	}
}

// WithSyncInterval sets the full sync period.
func WithSyncInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.syncInterval = d
		}
	}
}

// WithBulkDeleteGrace sets how long aggregate actions stay suppressed after
// a bulk delete ends.
func WithBulkDeleteGrace(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.bulkGrace = d
		}
	}
}

// WithBatchIDs overrides the batch id generator.
func WithBatchIDs(gen func() string) Option {
	return func(e *Engine) {
		e.newBatchID = gen
	}
}

// pair identifies one (tag, resource) combination.
type pair struct {
	tagUID     int64
	resourceID string
}

// Engine drives resource lifecycle from tag membership: rate limits, upload
// priority, share-ratio limits and actions, membership caps and
// exec-on-assign.
//
// CRITICAL: membership events arrive synchronously on the publisher's
// goroutine. Handlers only read state and submit to the dispatcher; the one
// exception is eviction, which mutates membership and therefore never runs
// with mu held.
//
// Thread-safety: all methods are safe for concurrent use.
type Engine struct {
	mgr     *tag.Manager
	prov    tag.Provider
	disp    *dispatch.Dispatcher
	scripts constraint.ScriptRunner
	chat    ChatPoster
	now     func() time.Time

	newBatchID      func() string
	refreshInterval time.Duration
	syncInterval    time.Duration
	bulkGrace       time.Duration

	unsub func()

	mu         sync.Mutex
	policies   map[int64]tag.Policy // last seen policy per tag
	limiters   map[int64]*Limiter
	counters   map[int64]*Counters
	attached   map[pair]bool
	priority   map[string]bool
	ratios     map[string][2]int
	fired      map[pair]bool
	aggregates map[int64]*aggregate
	bulk       int
	bulkEnded  time.Time
	batch      *batch
}

// New creates a policy Engine and subscribes it to mgr's events. Commands
// are issued through disp.
func New(mgr *tag.Manager, prov tag.Provider, disp *dispatch.Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		mgr:             mgr,
		prov:            prov,
		disp:            disp,
		now:             time.Now,
		newBatchID:      uuid.NewString,
		refreshInterval: DefaultRefreshInterval,
		syncInterval:    DefaultSyncInterval,
		bulkGrace:       DefaultBulkDeleteGrace,
		policies:        make(map[int64]tag.Policy),
		limiters:        make(map[int64]*Limiter),
		counters:        make(map[int64]*Counters),
		attached:        make(map[pair]bool),
		priority:        make(map[string]bool),
		ratios:          make(map[string][2]int),
		fired:           make(map[pair]bool),
		aggregates:      make(map[int64]*aggregate),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, t := range mgr.Tags() {
		e.policies[t.UID()] = t.Policy()
	}
	e.unsub = mgr.Subscribe(e.onEvent)
	return e
}

// Run issues a full sync, then refreshes ratios every refresh interval and
// re-syncs every sync interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("policy engine starting",
		"refresh_interval", e.refreshInterval.String(),
		"sync_interval", e.syncInterval.String(),
	)
	e.Sync(ctx)

	refresh := time.NewTicker(e.refreshInterval)
	defer refresh.Stop()
	full := time.NewTicker(e.syncInterval)
	defer full.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("policy engine stopping: context cancelled")
			return ctx.Err()
		case <-refresh.C:
			e.Refresh(ctx)
		case <-full.C:
			e.Sync(ctx)
		}
	}
}

// Stop unsubscribes from tag events.
func (e *Engine) Stop() {
	e.mu.Lock()
	unsub := e.unsub
	e.unsub = nil
	e.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Session returns the bytes transferred by t's members this session.
func (e *Engine) Session(t *tag.Tag) (uploaded, downloaded int64) {
	c := e.countersFor(t.UID())
	return c.Uploaded(), c.Downloaded()
}

// Limiter returns t's limiter when one is configured.
func (e *Engine) Limiter(t *tag.Tag) (*Limiter, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[t.UID()]
	return l, ok
}

// BeginBulkDelete suppresses aggregate-ratio actions until the matching
// EndBulkDelete plus the grace period.
func (e *Engine) BeginBulkDelete() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bulk++
}

// EndBulkDelete ends one bulk delete and starts the grace period.
func (e *Engine) EndBulkDelete() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bulk > 0 {
		e.bulk--
	}
	e.bulkEnded = e.now()
}

func (e *Engine) bulkSuppressedLocked(now time.Time) bool {
	if e.bulk > 0 {
		return true
	}
	return !e.bulkEnded.IsZero() && now.Sub(e.bulkEnded) < e.bulkGrace
}

// Sync re-walks every tag and member: limiter attachment, upload priority,
// share-ratio write-through and membership caps. Writes that would not
// change anything are skipped.
func (e *Engine) Sync(ctx context.Context) {
	for _, t := range e.mgr.Tags() {
		e.refreshPolicy(t)
		for _, m := range t.Members() {
			e.applyMember(t, m)
		}
		e.enforceCap(t)
	}
	e.Refresh(ctx)
}

// Refresh recomputes aggregate ratios, bypassing the cache, and checks
// aggregate crossings and individual max ratios.
func (e *Engine) Refresh(ctx context.Context) {
	for _, t := range e.mgr.Tags() {
		if !t.Has(tag.CapShareRatio) {
			continue
		}
		if t.Policy().AggregateShareRatio > 0 {
			e.aggregateOf(t, true)
		}
		e.checkAggregate(t)
		for _, m := range t.Members() {
			e.checkMaxRatio(t, m)
		}
	}
}

func (e *Engine) onEvent(ev tag.Event) {
	switch ev.Kind {
	case tag.EventMemberAdded:
		e.invalidate(ev.Tag)
		e.applyMember(ev.Tag, ev.Member)
		e.checkMaxRatio(ev.Tag, ev.Member)
		e.enforceCap(ev.Tag)
		if ev.Tag.HasMember(ev.Member.ID()) {
			e.execOnAssign(ev.Tag, ev.Member)
		}

	case tag.EventMemberRemoved:
		e.invalidate(ev.Tag)
		e.releaseMember(ev.Tag, ev.Member)

	case tag.EventMembershipSync, tag.EventTagAdded:
		e.refreshPolicy(ev.Tag)
		for _, m := range ev.Tag.Members() {
			e.applyMember(ev.Tag, m)
		}
		e.enforceCap(ev.Tag)

	case tag.EventPropertyChanged:
		if ev.Property == tag.PropPolicy {
			e.policyChanged(ev.Tag)
		}

	case tag.EventTagRemoved:
		e.tagRemoved(ev.Tag)
	}
}

// refreshPolicy records t's current policy and reconfigures its limiter.
func (e *Engine) refreshPolicy(t *tag.Tag) tag.Policy {
	p := t.Policy()
	e.mu.Lock()
	e.policies[t.UID()] = p
	e.mu.Unlock()
	e.configureLimiter(t, p)
	return p
}

// policyChanged reacts to a tag's new policy settings.
func (e *Engine) policyChanged(t *tag.Tag) {
	e.mu.Lock()
	old := e.policies[t.UID()]
	e.mu.Unlock()
	p := e.refreshPolicy(t)

	members := t.Members()
	limitsChanged := (old.UploadLimit != 0 || old.DownloadLimit != 0) != (p.UploadLimit != 0 || p.DownloadLimit != 0)
	priorityFlip := (old.UploadPriority != 0) != (p.UploadPriority != 0)
	ratioChanged := old.MinShareRatio != p.MinShareRatio || old.MaxShareRatio != p.MaxShareRatio

	if old.MaxShareRatio != p.MaxShareRatio || old.MaxShareRatioAction != p.MaxShareRatioAction ||
		old.AggregateHasPriority != p.AggregateHasPriority {
		e.resetFired(t.UID())
	}

	for _, m := range members {
		if limitsChanged {
			e.syncLimiter(t, m, p)
		}
		if priorityFlip {
			e.syncPriority(m)
		}
		if ratioChanged {
			e.syncRatioLimits(m)
		}
		e.checkMaxRatio(t, m)
	}
	if old.MaxMembers != p.MaxMembers || old.EvictOrder != p.EvictOrder || old.EvictStrategy != p.EvictStrategy {
		e.enforceCap(t)
	}
	slog.Debug("tag policy applied", "tag", t.Name(), "members", len(members))
}

// applyMember pushes every membership-derived setting for m.
func (e *Engine) applyMember(t *tag.Tag, m tag.Taggable) {
	p := t.Policy()
	e.syncLimiter(t, m, p)
	e.syncPriority(m)
	e.syncRatioLimits(m)
}

// releaseMember withdraws t's settings from a member that left it.
func (e *Engine) releaseMember(t *tag.Tag, m tag.Taggable) {
	key := pair{t.UID(), m.ID()}
	e.mu.Lock()
	l, attached := e.limiters[t.UID()], e.attached[key]
	delete(e.attached, key)
	delete(e.fired, key)
	e.mu.Unlock()

	if attached && l != nil && !m.IsDestroyed() {
		e.submit(t, m.ID(), "detach_limiter", 0, func(ctx context.Context) error {
			return e.prov.DetachLimiter(ctx, m.ID(), l)
		})
	}
	if m.IsDestroyed() {
		e.mu.Lock()
		delete(e.priority, m.ID())
		delete(e.ratios, m.ID())
		e.mu.Unlock()
		return
	}
	e.syncPriority(m)
	e.syncRatioLimits(m)
}

func (e *Engine) tagRemoved(t *tag.Tag) {
	uid := t.UID()
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.policies, uid)
	delete(e.limiters, uid)
	delete(e.aggregates, uid)
	for k := range e.fired {
		if k.tagUID == uid {
			delete(e.fired, k)
		}
	}
	for k := range e.attached {
		if k.tagUID == uid {
			delete(e.attached, k)
		}
	}
}

func (e *Engine) countersFor(uid int64) *Counters {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.counters[uid]
	if !ok {
		c = &Counters{}
		e.counters[uid] = c
	}
	return c
}

// configureLimiter creates, updates or drops t's limiter to match p.
func (e *Engine) configureLimiter(t *tag.Tag, p tag.Policy) {
	if !t.Has(tag.CapRateLimit) {
		return
	}
	uid := t.UID()
	counters := e.countersFor(uid)

	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[uid]
	if p.UploadLimit == 0 && p.DownloadLimit == 0 {
		// Attached members are detached by syncLimiter.
		if ok {
			l.configure(0, 0)
		}
		return
	}
	if !ok {
		l = newLimiter(t, counters)
		e.limiters[uid] = l
	}
	if l.configure(p.UploadLimit, p.DownloadLimit) {
		slog.Debug("tag rate limits configured", "tag", t.Name(), "upload_limit", p.UploadLimit, "download_limit", p.DownloadLimit)
	}
}

// syncLimiter attaches or detaches t's limiter on m to match p.
func (e *Engine) syncLimiter(t *tag.Tag, m tag.Taggable, p tag.Policy) {
	if !t.Has(tag.CapRateLimit) {
		return
	}
	want := p.UploadLimit != 0 || p.DownloadLimit != 0
	key := pair{t.UID(), m.ID()}

	e.mu.Lock()
	l := e.limiters[t.UID()]
	have := e.attached[key]
	if want == have || l == nil {
		e.mu.Unlock()
		return
	}
	if want {
		e.attached[key] = true
	} else {
		delete(e.attached, key)
	}
	e.mu.Unlock()

	id := m.ID()
	if want {
		e.submit(t, id, "attach_limiter", 0, func(ctx context.Context) error {
			return e.prov.AttachLimiter(ctx, id, l)
		})
		return
	}
	e.submit(t, id, "detach_limiter", 0, func(ctx context.Context) error {
		return e.prov.DetachLimiter(ctx, id, l)
	})
}

// syncPriority writes m's upload priority: on while any of its tags has a
// non-zero UploadPriority.
func (e *Engine) syncPriority(m tag.Taggable) {
	want := false
	for _, t := range e.mgr.TagsOf(m.ID()) {
		if t.Policy().UploadPriority != 0 {
			want = true
			break
		}
	}

	e.mu.Lock()
	have, known := e.priority[m.ID()]
	if have == want && (known || !want) {
		e.mu.Unlock()
		return
	}
	e.priority[m.ID()] = want
	e.mu.Unlock()

	id := m.ID()
	e.submit(nil, id, "upload_priority", 0, func(ctx context.Context) error {
		return e.prov.SetUploadPriority(ctx, id, want)
	})
}

// submit queues a command for resource id. t may be nil for commands that
// derive from several tags.
func (e *Engine) submit(t *tag.Tag, id, name string, cmd tag.Command, run func(ctx context.Context) error) {
	origin := ""
	if t != nil {
		origin = t.Name()
	}
	policyActions.WithLabelValues(name).Inc()
	e.disp.Submit(dispatch.Action{
		Resource: id,
		Name:     name,
		Command:  cmd,
		Origin:   origin,
		Run:      run,
	})
}

// resource resolves a member to the provider's live view.
func (e *Engine) resource(m tag.Taggable) (tag.Resource, bool) {
	if r, ok := m.(tag.Resource); ok && !r.IsDestroyed() {
		return r, true
	}
	return e.prov.Resource(m.ID())
}
