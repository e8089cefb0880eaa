package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/roach88/autotag/internal/tag"
)

// Call is one command received by the provider.
type Call struct {
	Op  string
	ID  string
	Arg string
}

func (c Call) String() string {
	if c.Arg == "" {
		return c.Op + " " + c.ID
	}
	return c.Op + " " + c.ID + " " + c.Arg
}

// Provider is an in-memory tag.Provider and tag.Watcher. Commands mutate the
// resources they target and are recorded in call order.
//
// Thread-safety: all methods are safe for concurrent use. Watch callbacks run
// synchronously on the goroutine that caused the change.
type Provider struct {
	mu       sync.RWMutex
	byID     map[string]*Resource
	order    []string
	calls    []Call
	failures map[string]error

	watchMu  sync.RWMutex
	watchers map[int]func(tag.ResourceEvent)
	nextW    int
}

// New creates an empty provider.
func New() *Provider {
	return &Provider{
		byID:     make(map[string]*Resource),
		failures: make(map[string]error),
		watchers: make(map[int]func(tag.ResourceEvent)),
	}
}

// LoadFixtures reads a YAML list of resources.
func LoadFixtures(r io.Reader) ([]Fixture, error) {
	var fixtures []Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fixtures); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse resources: %w", err)
	}
	seen := make(map[string]bool, len(fixtures))
	for i, f := range fixtures {
		if f.ID == "" {
			return nil, fmt.Errorf("resource %d: id is required", i)
		}
		if seen[f.ID] {
			return nil, fmt.Errorf("resource %q: duplicate id", f.ID)
		}
		seen[f.ID] = true
	}
	return fixtures, nil
}

// LoadFile creates a provider from a YAML fixture file.
func LoadFile(path string) (*Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read resources file: %w", err)
	}
	fixtures, err := LoadFixtures(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	p := New()
	for _, f := range fixtures {
		p.Add(FromFixture(f))
	}
	return p, nil
}

// Add registers a resource and notifies watchers.
func (p *Provider) Add(r *Resource) {
	p.mu.Lock()
	if _, ok := p.byID[r.id]; !ok {
		p.order = append(p.order, r.id)
	}
	p.byID[r.id] = r
	p.mu.Unlock()

	p.notify(tag.ResourceAdded, r)
}

// Remove destroys a resource and notifies watchers.
func (p *Provider) Remove(id string) {
	r, ok := p.lookup(id)
	if !ok {
		return
	}
	r.update(func(r *Resource) { r.destroyed = true })
	p.drop(id)
	p.notify(tag.ResourceRemoved, r)
}

func (p *Provider) drop(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byID, id)
	for i, o := range p.order {
		if o == id {
			p.order = append(p.order[:i:i], p.order[i+1:]...)
			break
		}
	}
}

// Get returns the concrete resource.
func (p *Provider) Get(id string) (*Resource, bool) {
	return p.lookup(id)
}

func (p *Provider) lookup(id string) (*Resource, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.byID[id]
	return r, ok
}

// Resources returns every live resource in insertion order.
func (p *Provider) Resources() []tag.Resource {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]tag.Resource, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.byID[id])
	}
	return out
}

// Resource returns a live resource by id.
func (p *Provider) Resource(id string) (tag.Resource, bool) {
	r, ok := p.lookup(id)
	if !ok {
		return nil, false
	}
	return r, true
}

// Watch registers fn for lifecycle notifications.
func (p *Provider) Watch(fn func(tag.ResourceEvent)) func() {
	p.watchMu.Lock()
	p.nextW++
	id := p.nextW
	p.watchers[id] = fn
	p.watchMu.Unlock()

	return func() {
		p.watchMu.Lock()
		defer p.watchMu.Unlock()
		delete(p.watchers, id)
	}
}

func (p *Provider) notify(kind tag.ResourceEventKind, r *Resource) {
	p.watchMu.RLock()
	ids := make([]int, 0, len(p.watchers))
	for id := range p.watchers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(tag.ResourceEvent), len(ids))
	for i, id := range ids {
		fns[i] = p.watchers[id]
	}
	p.watchMu.RUnlock()

	for _, fn := range fns {
		fn(tag.ResourceEvent{Kind: kind, Resource: r})
	}
}

// SetState forces a run state, as the transfer engine would on its own.
func (p *Provider) SetState(id string, s tag.RunState) {
	r, ok := p.lookup(id)
	if !ok {
		return
	}
	if r.update(func(r *Resource) { r.life = tag.Lifecycle{State: s} }) {
		p.notify(tag.ResourceStateChanged, r)
	}
}

// Update mutates a resource's properties and notifies watchers.
func (p *Provider) Update(id string, fn func(f *Fixture)) {
	r, ok := p.lookup(id)
	if !ok {
		return
	}
	r.update(func(r *Resource) {
		f := Fixture{
			Name:         r.name,
			SavePath:     r.savePath,
			Networks:     r.networks,
			ForceStart:   r.forceStart,
			Complete:     r.complete,
			Private:      r.private,
			MetadataOnly: r.metadataOnly,
			LowNoise:     r.lowNoise,
			CanArchive:   r.canArchive,
			Transient:    !r.persistent,
		}
		fn(&f)
		r.name = f.Name
		r.savePath = f.SavePath
		r.networks = f.Networks
		r.forceStart = f.ForceStart
		r.complete = f.Complete
		r.private = f.Private
		r.metadataOnly = f.MetadataOnly
		r.lowNoise = f.LowNoise
		r.canArchive = f.CanArchive
		r.persistent = !f.Transient
	})
	p.notify(tag.ResourceChanged, r)
}

// UpdateStats mutates a resource's statistics and notifies watchers.
func (p *Provider) UpdateStats(id string, fn func(s *tag.Stats)) {
	r, ok := p.lookup(id)
	if !ok {
		return
	}
	r.UpdateStats(fn)
	p.notify(tag.ResourceChanged, r)
}

// FailOn makes every subsequent op command fail with err. A nil err clears it.
func (p *Provider) FailOn(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, op)
		return
	}
	p.failures[op] = err
}

// Calls returns the recorded commands in order.
func (p *Provider) Calls() []Call {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Call(nil), p.calls...)
}

// CallsFor returns the recorded commands for one resource.
func (p *Provider) CallsFor(id string) []Call {
	var out []Call
	for _, c := range p.Calls() {
		if c.ID == id {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the command log.
func (p *Provider) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

// record logs the call and returns the target resource.
func (p *Provider) record(ctx context.Context, op, id, arg string) (*Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.calls = append(p.calls, Call{Op: op, ID: id, Arg: arg})
	failure := p.failures[op]
	r, ok := p.byID[id]
	p.mu.Unlock()

	if failure != nil {
		return nil, failure
	}
	if !ok {
		return nil, fmt.Errorf("%s %s: no such resource", op, id)
	}
	return r, nil
}

func (p *Provider) transition(ctx context.Context, op, id string, cmd tag.Command) error {
	r, err := p.record(ctx, op, id, "")
	if err != nil {
		return err
	}
	if r.apply(cmd) {
		p.notify(tag.ResourceStateChanged, r)
	}
	return nil
}

func (p *Provider) Start(ctx context.Context, id string) error {
	return p.transition(ctx, "start", id, tag.CmdStart)
}

func (p *Provider) Stop(ctx context.Context, id string, target tag.RunState) error {
	r, err := p.record(ctx, "stop", id, target.String())
	if err != nil {
		return err
	}
	changed := r.update(func(r *Resource) {
		if r.life.State.IsActive() {
			r.life = tag.Lifecycle{State: target}
		}
	})
	if changed {
		p.notify(tag.ResourceStateChanged, r)
	}
	return nil
}

func (p *Provider) Pause(ctx context.Context, id string) error {
	return p.transition(ctx, "pause", id, tag.CmdPause)
}

func (p *Provider) Resume(ctx context.Context, id string) error {
	return p.transition(ctx, "resume", id, tag.CmdResume)
}

func (p *Provider) SetForceStart(ctx context.Context, id string, force bool) error {
	r, err := p.record(ctx, "force_start", id, strconv.FormatBool(force))
	if err != nil {
		return err
	}
	r.update(func(r *Resource) { r.forceStart = force })
	p.notify(tag.ResourceChanged, r)
	return nil
}

func (p *Provider) Archive(ctx context.Context, id string) error {
	r, err := p.record(ctx, "archive", id, "")
	if err != nil {
		return err
	}
	r.update(func(r *Resource) {
		r.life, _ = tag.Transition(r.life, tag.CmdArchive)
		r.archived = true
	})
	p.notify(tag.ResourceStateChanged, r)
	return nil
}

func (p *Provider) RemoveFromLibrary(ctx context.Context, id string) error {
	return p.destroy(ctx, "remove_from_library", id)
}

func (p *Provider) RemoveFromComputer(ctx context.Context, id string) error {
	return p.destroy(ctx, "remove_from_computer", id)
}

func (p *Provider) destroy(ctx context.Context, op, id string) error {
	r, err := p.record(ctx, op, id, "")
	if err != nil {
		return err
	}
	r.update(func(r *Resource) {
		r.life = tag.Lifecycle{State: tag.StateStopped}
		r.destroyed = true
	})
	p.drop(id)
	p.notify(tag.ResourceRemoved, r)
	return nil
}

func (p *Provider) MoveData(ctx context.Context, id string, path string) error {
	r, err := p.record(ctx, "move_data", id, path)
	if err != nil {
		return err
	}
	r.update(func(r *Resource) { r.savePath = path })
	p.notify(tag.ResourceChanged, r)
	return nil
}

func (p *Provider) RelocateMetadataFile(ctx context.Context, id string, path, name string) error {
	_, err := p.record(ctx, "relocate_metadata", id, path+"/"+name)
	return err
}

func (p *Provider) SetUploadPriority(ctx context.Context, id string, on bool) error {
	r, err := p.record(ctx, "upload_priority", id, strconv.FormatBool(on))
	if err != nil {
		return err
	}
	r.update(func(r *Resource) { r.uploadPriority = on })
	return nil
}

func (p *Provider) SetShareRatioLimits(ctx context.Context, id string, minRatio, maxRatio int) error {
	r, err := p.record(ctx, "share_ratio_limits", id, fmt.Sprintf("%d/%d", minRatio, maxRatio))
	if err != nil {
		return err
	}
	r.update(func(r *Resource) { r.minRatio, r.maxRatio = minRatio, maxRatio })
	return nil
}

func (p *Provider) AttachLimiter(ctx context.Context, id string, l tag.Limiter) error {
	r, err := p.record(ctx, "attach_limiter", id, l.Key())
	if err != nil {
		return err
	}
	r.update(func(r *Resource) { r.limiters[l.Key()] = l })
	return nil
}

func (p *Provider) DetachLimiter(ctx context.Context, id string, l tag.Limiter) error {
	r, err := p.record(ctx, "detach_limiter", id, l.Key())
	if err != nil {
		return err
	}
	r.update(func(r *Resource) { delete(r.limiters, l.Key()) })
	return nil
}

func (p *Provider) ApplyOptionsTemplate(ctx context.Context, id string, template string) error {
	_, err := p.record(ctx, "options_template", id, template)
	return err
}

func (p *Provider) Host(ctx context.Context, id string) error {
	_, err := p.record(ctx, "host", id, "")
	return err
}

func (p *Provider) Publish(ctx context.Context, id string) error {
	_, err := p.record(ctx, "publish", id, "")
	return err
}

var (
	_ tag.Provider = (*Provider)(nil)
	_ tag.Watcher  = (*Provider)(nil)
	_ tag.Resource = (*Resource)(nil)
)
