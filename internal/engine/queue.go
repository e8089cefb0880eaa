package engine

import (
	"fmt"
	"sync"
)

// JobKind distinguishes reconciliation work items.
type JobKind int

const (
	// JobApplyAll applies every constraint to every resource.
	JobApplyAll JobKind = iota + 1
	// JobApplyTag applies one tag's constraint to every resource.
	JobApplyTag
	// JobApplyResource applies every constraint to one resource.
	JobApplyResource
	// JobReplay re-applies the mutations queued while suspended.
	JobReplay
)

func (k JobKind) String() string {
	switch k {
	case JobApplyAll:
		return "apply_all"
	case JobApplyTag:
		return "apply_tag"
	case JobApplyResource:
		return "apply_resource"
	case JobReplay:
		return "replay"
	default:
		return fmt.Sprintf("job(%d)", int(k))
	}
}

// Job is one unit of reconciliation work.
type Job struct {
	Kind JobKind

	// TagUID selects the tag for JobApplyTag.
	TagUID int64

	// ResourceID selects the resource for JobApplyResource.
	ResourceID string

	// DependentOnly restricts the job to constraints that read other tags'
	// membership.
	DependentOnly bool

	// Reason is logged with the pass.
	Reason string
}

// jobQueue is a thread-safe FIFO queue for reconciliation jobs.
//
// The queue is unbounded so event listeners never block on the serial
// worker. The Run loop is the only consumer.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop (prevents goroutine hangs on context cancellation).
type jobQueue struct {
	mu     sync.Mutex
	jobs   []Job
	closed bool
	signal chan struct{} // Signals job availability (buffered, size 1)
}

// newJobQueue creates an empty job queue.
func newJobQueue() *jobQueue {
	return &jobQueue{
		jobs:   make([]Job, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a job to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *jobQueue) Enqueue(j Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.jobs = append(q.jobs, j)
	queueDepth.Set(float64(len(q.jobs)))

	// Non-blocking: a buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// EnqueueFront adds a job ahead of everything already queued.
// Returns false if the queue is closed.
func (q *jobQueue) EnqueueFront(j Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.jobs = append(q.jobs, Job{})
	copy(q.jobs[1:], q.jobs)
	q.jobs[0] = j
	queueDepth.Set(float64(len(q.jobs)))

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (Job{}, false) if queue is empty.
func (q *jobQueue) TryDequeue() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return Job{}, false
	}

	j := q.jobs[0]
	q.jobs[0] = Job{}

	if len(q.jobs) == 1 {
		q.jobs = q.jobs[:0]
	} else {
		q.jobs = q.jobs[1:]
	}
	queueDepth.Set(float64(len(q.jobs)))

	return j, true
}

// Wait returns a channel that signals when jobs may be available.
// Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-q.Wait():
//	    // Try TryDequeue
//	}
func (q *jobQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Closed reports whether Close has been called.
func (q *jobQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close signals that no more jobs will be enqueued.
// Queued jobs stay available to TryDequeue. Wakes any blocked waiters by
// closing the signal channel.
func (q *jobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
