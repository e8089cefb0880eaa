package policy

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/autotag/internal/tag"
)

// Counters are a tag's session byte counters. They live as long as the
// policy engine and survive limiter reconfiguration.
type Counters struct {
	up   atomic.Int64
	down atomic.Int64
}

// Add records transferred bytes.
func (c *Counters) Add(upload bool, n int64) {
	if upload {
		c.up.Add(n)
		sessionBytes.WithLabelValues("up").Add(float64(n))
	} else {
		c.down.Add(n)
		sessionBytes.WithLabelValues("down").Add(float64(n))
	}
}

// Uploaded returns the bytes sent this session.
func (c *Counters) Uploaded() int64 { return c.up.Load() }

// Downloaded returns the bytes received this session.
func (c *Counters) Downloaded() int64 { return c.down.Load() }

// Limiter is a tag's shared upload/download gate. All members of the tag
// draw from the same buckets, so a positive limit caps the members'
// aggregate throughput.
//
// Limits are bytes/s: zero is unlimited, negative disables transfer
// entirely.
//
// Thread-safety: all methods are safe for concurrent use.
type Limiter struct {
	key      string
	counters *Counters

	mu        sync.Mutex
	upLimit   int
	downLimit int
	up        *rate.Limiter
	down      *rate.Limiter
}

var _ tag.Limiter = (*Limiter)(nil)

func newLimiter(t *tag.Tag, counters *Counters) *Limiter {
	return &Limiter{
		key:      fmt.Sprintf("tag:%d", t.UID()),
		counters: counters,
		up:       bucket(0),
		down:     bucket(0),
	}
}

// bucket builds a token bucket for limit bytes/s with a one-second burst.
func bucket(limit int) *rate.Limiter {
	switch {
	case limit < 0:
		return rate.NewLimiter(0, 0)
	case limit == 0:
		return rate.NewLimiter(rate.Inf, 0)
	default:
		return rate.NewLimiter(rate.Limit(limit), limit)
	}
}

// configure applies new limits and reports whether they changed.
func (l *Limiter) configure(upLimit, downLimit int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	changed := false
	if upLimit != l.upLimit {
		l.upLimit = upLimit
		l.up = bucket(upLimit)
		changed = true
	}
	if downLimit != l.downLimit {
		l.downLimit = downLimit
		l.down = bucket(downLimit)
		changed = true
	}
	return changed
}

// Key identifies the owning tag.
func (l *Limiter) Key() string { return l.key }

// Limits returns the configured upload and download limits.
func (l *Limiter) Limits() (upLimit, downLimit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.upLimit, l.downLimit
}

// AllowN reports whether n bytes may be transferred now.
func (l *Limiter) AllowN(upload bool, n int) bool {
	return l.allowAt(upload, n, time.Now())
}

func (l *Limiter) allowAt(upload bool, n int, now time.Time) bool {
	l.mu.Lock()
	limit, b := l.downLimit, l.down
	if upload {
		limit, b = l.upLimit, l.up
	}
	l.mu.Unlock()

	if limit < 0 {
		return false
	}
	return b.AllowN(now, n)
}

// Account records bytes actually transferred into the session counters.
func (l *Limiter) Account(upload bool, n int64) {
	if n > 0 {
		l.counters.Add(upload, n)
	}
}
