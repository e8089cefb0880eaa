package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/autotag/internal/config"
	"github.com/roach88/autotag/internal/dispatch"
	"github.com/roach88/autotag/internal/engine"
	"github.com/roach88/autotag/internal/policy"
	"github.com/roach88/autotag/internal/provider/memory"
	"github.com/roach88/autotag/internal/store"
	"github.com/roach88/autotag/internal/tag"
	"github.com/roach88/autotag/internal/testutil"
)

const (
	// settleTimeout bounds the wait for queued work after one step.
	settleTimeout = 10 * time.Second

	// maxSettleRounds bounds drain/idle rounds; each round may queue more
	// work for the next.
	maxSettleRounds = 100
)

// Option configures a scenario run.
type Option func(*Harness)

// WithLogger sets the logger for step progress. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// Harness wires a complete system for one scenario: an in-memory store, the
// tag manager, the in-memory provider, the dispatcher, the reconciliation
// engine and the policy engine, all reading a fake clock.
//
// Engines run through their synchronous entry points. After every step the
// harness drains the reconciliation queue and waits for the dispatcher until
// both are idle, so each step's effects land in that step's trace slice.
type Harness struct {
	clock  *testutil.FakeClock
	store  *store.Store
	mgr    *tag.Manager
	prov   *memory.Provider
	disp   *dispatch.Dispatcher
	eng    *engine.Engine
	pol    *policy.Engine
	logger *slog.Logger
	unsub  func()

	mu       sync.Mutex
	pending  []TraceEvent
	chats    []TraceEvent
	callMark int
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against a fresh in-memory database and a fake clock
// starting at testutil.Epoch, so traces are reproducible.
//
// Execution flow:
// 1. Build the system and apply the scenario's tag definitions
// 2. Register the scenario's resources
// 3. Execute each step and settle queued work
// 4. Evaluate assertions against the trace and final state
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h, err := newHarness(scenario, opts...)
	if err != nil {
		return nil, err
	}
	defer h.close()

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Invoke, err)
		}
		if err := h.settle(ctx); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Invoke, err)
		}
		events := h.collect()
		result.addEvents(i, events)

		h.logger.Info("step completed",
			"step", i,
			"invoke", step.Invoke,
			"events", len(events),
		)
	}
	result.Members = h.members()

	actx := &AssertionContext{
		Manager:  h.mgr,
		Provider: h.prov,
		Engine:   h.eng,
		Now:      h.clock.Now,
		Ctx:      ctx,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

func newHarness(scenario *Scenario, opts ...Option) (*Harness, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}

	h := &Harness{
		clock:  testutil.NewFakeClock(time.Time{}),
		store:  st,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mgr = tag.NewManager(tag.WithStore(st), tag.WithClock(h.clock.Now))
	h.mgr.RegisterDefaultTypes()
	if err := h.loadDefs(scenario); err != nil {
		st.Close()
		return nil, err
	}
	// Subscribed before the engines so an effect is recorded after its cause.
	h.unsub = h.mgr.Subscribe(h.onMembership, tag.EventMemberAdded, tag.EventMemberRemoved)

	h.prov = memory.New()
	for _, f := range scenario.Resources {
		h.prov.Add(memory.FromFixture(f))
	}

	h.disp = dispatch.New(
		dispatch.WithResources(h.prov.Resource),
		dispatch.WithIDGenerator(testutil.NewSequenceIDs("action").Next),
	)
	h.eng = engine.New(h.mgr, h.prov,
		engine.WithClock(h.clock.Now),
		engine.WithPassIDs(engine.NewFixedGenerator()),
		engine.WithStateChangeWindow(0),
	)
	h.pol = policy.New(h.mgr, h.prov, h.disp,
		policy.WithClock(h.clock.Now),
		policy.WithBatchIDs(testutil.NewSequenceIDs("batch").Next),
		policy.WithChat(policy.ChatFunc(h.postChat)),
	)
	return h, nil
}

func (h *Harness) loadDefs(scenario *Scenario) error {
	var (
		res  *config.LoadResult
		errs []error
	)
	if scenario.Defs != "" {
		res, errs = config.ParseDefs(scenario.Name+".cue", scenario.Defs, config.LoadModeCollectAll)
	} else {
		res, errs = config.LoadDefs(scenario.DefsDir, config.LoadModeCollectAll)
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to load definitions: %w", errors.Join(errs...))
	}
	if _, err := config.Apply(h.mgr, res.Tags); err != nil {
		return fmt.Errorf("failed to apply definitions: %w", err)
	}
	return nil
}

func (h *Harness) close() {
	h.unsub()
	h.pol.Stop()
	h.eng.Stop()
	h.disp.Close()
	if err := h.store.Close(); err != nil {
		h.logger.Warn("closing store", "error", err)
	}
}

// execute performs one step on the caller's goroutine.
func (h *Harness) execute(ctx context.Context, step Step) error {
	a := step.Args
	switch step.Invoke {
	case OpStartup:
		h.eng.Startup(ctx)
		h.pol.Sync(ctx)
	case OpApplyAll:
		h.eng.ApplyAll(ctx)
	case OpAdvance:
		h.clock.Advance(a.Duration)
	case OpSetState:
		if _, err := h.resource(a.Resource); err != nil {
			return err
		}
		state, _ := tag.ParseRunState(a.State)
		h.prov.SetState(a.Resource, state)
	case OpSetStats:
		if _, err := h.resource(a.Resource); err != nil {
			return err
		}
		h.prov.UpdateStats(a.Resource, func(s *tag.Stats) { applyStats(s, a) })
	case OpUpdate:
		if _, err := h.resource(a.Resource); err != nil {
			return err
		}
		h.prov.Update(a.Resource, func(f *memory.Fixture) { applyUpdate(f, a) })
	case OpAddResource:
		if _, ok := h.prov.Get(a.Fixture.ID); ok {
			return fmt.Errorf("resource %q already exists", a.Fixture.ID)
		}
		h.prov.Add(memory.FromFixture(*a.Fixture))
	case OpRemoveResource:
		if _, err := h.resource(a.Resource); err != nil {
			return err
		}
		h.prov.Remove(a.Resource)
	case OpAddMember, OpRemoveMember:
		t, err := h.tag(a.Tag)
		if err != nil {
			return err
		}
		r, err := h.resource(a.Resource)
		if err != nil {
			return err
		}
		if step.Invoke == OpAddMember {
			t.AddMember(r)
		} else {
			t.RemoveMember(r)
		}
	case OpSetConstraint:
		t, err := h.tag(a.Tag)
		if err != nil {
			return err
		}
		spec := t.Constraint()
		spec.Source = a.Constraint
		if spec.Source != "" && !spec.AutoAdd && !spec.AutoRemove {
			spec.AutoAdd, spec.AutoRemove = true, true
		}
		t.SetConstraint(spec)
	case OpRemoveTag:
		t, err := h.tag(a.Tag)
		if err != nil {
			return err
		}
		if err := h.mgr.RemoveTag(t); err != nil {
			return err
		}
	case OpRefresh:
		h.pol.Refresh(ctx)
	case OpSync:
		h.pol.Sync(ctx)
	case OpSuspend:
		h.eng.Suspend()
	case OpResume:
		h.eng.Resume()
	case OpBeginBulkDelete:
		h.pol.BeginBulkDelete()
	case OpEndBulkDelete:
		h.pol.EndBulkDelete()
	case OpBeginBatch:
		h.pol.BeginBatch()
	case OpEndBatch:
		h.pol.EndBatch()
	default:
		return fmt.Errorf("unknown operation %q", step.Invoke)
	}
	return nil
}

func applyStats(s *tag.Stats, a StepArgs) {
	if a.Uploaded != nil {
		s.VerifiedUploaded = *a.Uploaded
		s.BytesSent = *a.Uploaded
	}
	if a.Downloaded != nil {
		s.VerifiedDownloaded = *a.Downloaded
		s.BytesReceived = *a.Downloaded
	}
	if a.ShareRatio != nil {
		s.ShareRatio = *a.ShareRatio
	}
	if a.Seeds != nil {
		s.Seeds = *a.Seeds
	}
	if a.Peers != nil {
		s.Peers = *a.Peers
	}
	if a.Percent != nil {
		s.PercentDone = *a.Percent * 10
	}
}

func applyUpdate(f *memory.Fixture, a StepArgs) {
	if a.Complete != nil {
		f.Complete = *a.Complete
	}
	if a.ForceStart != nil {
		f.ForceStart = *a.ForceStart
	}
	if a.Private != nil {
		f.Private = *a.Private
	}
	if a.SavePath != nil {
		f.SavePath = *a.SavePath
	}
}

// settle drains the reconciliation queue and waits for the dispatcher until
// neither has work left.
func (h *Harness) settle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()

	for range maxSettleRounds {
		h.eng.Drain(ctx)
		if err := h.disp.Idle(ctx); err != nil {
			return fmt.Errorf("waiting for dispatcher: %w", err)
		}
		if h.eng.Pending() == 0 && h.disp.Pending() == 0 {
			return nil
		}
	}
	return fmt.Errorf("work still queued after %d rounds", maxSettleRounds)
}

func (h *Harness) onMembership(ev tag.Event) {
	action := "member_added"
	if ev.Kind == tag.EventMemberRemoved {
		action = "member_removed"
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = append(h.pending, TraceEvent{
		Type:     EventMembership,
		Action:   action,
		Resource: ev.Member.ID(),
		Tag:      ev.Tag.Name(),
	})
}

func (h *Harness) postChat(_ context.Context, channel, message string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chats = append(h.chats, TraceEvent{
		Type:   EventCommand,
		Action: "post_to_chat",
		Arg:    channel + ": " + message,
	})
	return nil
}

// collect returns the events recorded since the previous call: membership
// changes first, then provider commands and chat posts.
//
// Dispatched commands run on per-resource lanes, so only the order within a
// resource is fixed. Both groups are stably sorted by resource to keep
// traces reproducible.
func (h *Harness) collect() []TraceEvent {
	h.mu.Lock()
	events := h.pending
	chats := h.chats
	h.pending, h.chats = nil, nil
	h.mu.Unlock()

	calls := h.prov.Calls()
	fresh := calls[h.callMark:]
	h.callMark = len(calls)

	commands := make([]TraceEvent, 0, len(fresh))
	for _, c := range fresh {
		commands = append(commands, TraceEvent{
			Type:     EventCommand,
			Action:   c.Op,
			Resource: c.ID,
			Arg:      c.Arg,
		})
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Resource < events[j].Resource })
	sort.SliceStable(commands, func(i, j int) bool { return commands[i].Resource < commands[j].Resource })
	sort.SliceStable(chats, func(i, j int) bool { return chats[i].Arg < chats[j].Arg })

	out := append(events, commands...)
	return append(out, chats...)
}

// members snapshots the final membership of every non-empty tag.
func (h *Harness) members() map[string][]string {
	out := make(map[string][]string)
	for _, t := range h.mgr.Tags() {
		if t.MemberCount() == 0 {
			continue
		}
		out[t.Name()] = memberIDs(t)
	}
	return out
}

func (h *Harness) tag(name string) (*tag.Tag, error) {
	t, ok := h.mgr.TagByName(name)
	if !ok {
		return nil, fmt.Errorf("no tag named %q", name)
	}
	return t, nil
}

func (h *Harness) resource(id string) (*memory.Resource, error) {
	r, ok := h.prov.Get(id)
	if !ok {
		return nil, fmt.Errorf("no resource %q", id)
	}
	return r, nil
}

func memberIDs(t *tag.Tag) []string {
	members := t.Members()
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID()
	}
	return ids
}
