package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/autotag/internal/tag"
)

// DefaultWorkers is the number of resources whose actions may run at once.
const DefaultWorkers = 4

// ErrClosed is reported for actions submitted after Close.
var ErrClosed = errors.New("dispatcher closed")

// Action is one resource mutation.
type Action struct {
	// ID is assigned by Submit when empty.
	ID string

	// Resource is the target resource id. Actions sharing a Resource run in
	// submission order.
	Resource string

	// Name describes the action in logs and results ("pause", "archive", ...).
	Name string

	// Command, when set, lets the dispatcher skip run-state actions whose
	// target is already satisfied at execution time.
	Command tag.Command

	// Origin names what produced the action (a tag, "aggregate", ...).
	Origin string

	Run func(ctx context.Context) error
}

// ActionError is a failed action. It is logged and swallowed.
type ActionError struct {
	ActionID string
	Resource string
	Action   string
	Err      error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s on %s failed: %v", e.Action, e.Resource, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Result reports the outcome of one action to observers.
type Result struct {
	Action  Action
	Skipped bool
	Err     error // *ActionError or nil
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkers bounds how many resources execute actions concurrently.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithResources lets the dispatcher check run state before run-state actions.
func WithResources(lookup func(id string) (tag.Resource, bool)) Option {
	return func(d *Dispatcher) {
		d.lookup = lookup
	}
}

// WithIDGenerator overrides the action id generator.
func WithIDGenerator(gen func() string) Option {
	return func(d *Dispatcher) {
		d.newID = gen
	}
}

// WithObserver registers fn to receive every action result.
// fn runs on the worker goroutine and must not block.
func WithObserver(fn func(Result)) Option {
	return func(d *Dispatcher) {
		d.observers = append(d.observers, fn)
	}
}

// lane is the FIFO of pending actions for one resource.
type lane struct {
	queue []Action
}

// Dispatcher runs actions asynchronously: FIFO per resource, bounded across
// resources.
//
// CRITICAL: Submit never blocks. Each resource with pending work has at most
// one goroutine draining its lane, and that goroutine holds one semaphore
// slot until the lane is empty.
//
// Thread-safety: all methods are safe for concurrent use.
type Dispatcher struct {
	workers   int
	sem       *semaphore.Weighted
	lookup    func(id string) (tag.Resource, bool)
	newID     func() string
	observers []func(Result)

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	idle   chan struct{} // closed when the last lane retires; nil while idle
	lanes  map[string]*lane
	closed bool
}

// New creates a Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		workers: DefaultWorkers,
		newID:   func() string { return uuid.NewString() },
		lanes:   make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.sem = semaphore.NewWeighted(int64(d.workers))
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Submit queues an action and returns its id.
func (d *Dispatcher) Submit(a Action) string {
	if a.ID == "" {
		a.ID = d.newID()
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		slog.Warn("action dropped", "action", a.Name, "resource", a.Resource, "error", ErrClosed)
		actionsTotal.WithLabelValues(a.Name, "dropped").Inc()
		return a.ID
	}
	l, running := d.lanes[a.Resource]
	if !running {
		l = &lane{}
		d.lanes[a.Resource] = l
		if d.idle == nil {
			d.idle = make(chan struct{})
		}
	}
	l.queue = append(l.queue, a)
	pending.Inc()
	if !running {
		go d.drain(a.Resource, l)
	}
	d.mu.Unlock()

	return a.ID
}

// drain executes one resource's lane until it is empty.
func (d *Dispatcher) drain(resource string, l *lane) {
	// Acquire only fails when ctx is cancelled, which never happens while
	// lanes are pending.
	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		slog.Error("dispatcher lane aborted", "resource", resource, "error", err)
		d.mu.Lock()
		pending.Sub(float64(len(l.queue)))
		d.retireLocked(resource)
		d.mu.Unlock()
		return
	}
	defer d.sem.Release(1)

	for {
		d.mu.Lock()
		if len(l.queue) == 0 {
			d.retireLocked(resource)
			d.mu.Unlock()
			return
		}
		a := l.queue[0]
		l.queue = l.queue[1:]
		d.mu.Unlock()

		pending.Dec()
		d.execute(a)
	}
}

// retireLocked removes a finished lane and wakes Idle waiters.
func (d *Dispatcher) retireLocked(resource string) {
	delete(d.lanes, resource)
	if len(d.lanes) == 0 && d.idle != nil {
		close(d.idle)
		d.idle = nil
	}
}

func (d *Dispatcher) execute(a Action) {
	res := Result{Action: a}

	if a.Command != 0 && d.lookup != nil {
		if r, ok := d.lookup(a.Resource); ok && tag.Satisfied(r.State(), a.Command) {
			res.Skipped = true
			slog.Debug("action already satisfied", "action", a.Name, "resource", a.Resource, "state", r.State().String())
			actionsTotal.WithLabelValues(a.Name, "skipped").Inc()
			d.notify(res)
			return
		}
	}

	start := time.Now()
	err := d.run(a)
	actionDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		res.Err = &ActionError{ActionID: a.ID, Resource: a.Resource, Action: a.Name, Err: err}
		slog.Error("action failed",
			"action", a.Name,
			"resource", a.Resource,
			"origin", a.Origin,
			"action_id", a.ID,
			"error", err)
		actionsTotal.WithLabelValues(a.Name, "failed").Inc()
	} else {
		slog.Debug("action executed", "action", a.Name, "resource", a.Resource, "origin", a.Origin)
		actionsTotal.WithLabelValues(a.Name, "ok").Inc()
	}
	d.notify(res)
}

// run executes a.Run, converting panics into errors so one bad action
// cannot take down the lane.
func (d *Dispatcher) run(a Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if a.Run == nil {
		return nil
	}
	return a.Run(d.ctx)
}

func (d *Dispatcher) notify(res Result) {
	for _, fn := range d.observers {
		fn(res)
	}
}

// Pending returns the number of queued, not yet started actions.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, l := range d.lanes {
		n += len(l.queue)
	}
	return n
}

// Idle blocks until every submitted action has finished or ctx is done.
func (d *Dispatcher) Idle(ctx context.Context) error {
	d.mu.Lock()
	done := d.idle
	d.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting actions and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	_ = d.Idle(context.Background())
	d.cancel()
}
