package engine

import (
	"sync"
	"time"
)

// coalescer limits how often one resource's state changes reach the queue.
//
// The first change of a quiet resource fires immediately. Changes inside the
// window after a firing collapse into one deferred firing at the end of the
// window.
//
// Thread-safety: all methods are safe for concurrent use.
type coalescer struct {
	window time.Duration
	fire   func(id string)

	mu      sync.Mutex
	last    map[string]time.Time
	timers  map[string]*time.Timer
	stopped bool
}

func newCoalescer(window time.Duration, fire func(id string)) *coalescer {
	return &coalescer{
		window: window,
		fire:   fire,
		last:   make(map[string]time.Time),
		timers: make(map[string]*time.Timer),
	}
}

// Trigger records a state change of id.
func (c *coalescer) Trigger(id string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if _, waiting := c.timers[id]; waiting {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	last, seen := c.last[id]
	if !seen || now.Sub(last) >= c.window {
		c.last[id] = now
		c.mu.Unlock()
		c.fire(id)
		return
	}
	c.timers[id] = time.AfterFunc(c.window-now.Sub(last), func() { c.deferred(id) })
	c.mu.Unlock()
}

func (c *coalescer) deferred(id string) {
	c.mu.Lock()
	delete(c.timers, id)
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.last[id] = time.Now()
	c.mu.Unlock()
	c.fire(id)
}

// Forget drops the state of a removed resource.
func (c *coalescer) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
	delete(c.last, id)
}

// Stop cancels pending firings. Later triggers are ignored.
func (c *coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}
