// Package drain implements connection draining and graceful transitions
// (spec §3 ConnectionState/ConnectionGuard, §4.5).
package drain

import (
	"sync"
	"sync/atomic"
)

// Guard is a request-scoped admission handle. Created on successful
// admission to a backend; Release decrements the backend's active count
// exactly once no matter how many times Release is called or from which
// exit path (spec §3 "Guard", invariant "No dropped admissions").
type Guard struct {
	released int32
	release  func()
}

// NewNoopGuard returns a Guard whose Release is a no-op, for callers that
// route without a drain coordinator wired in (e.g. tests).
func NewNoopGuard() *Guard {
	return &Guard{release: func() {}}
}

// Release performs the guard's release exactly once; subsequent calls are
// no-ops. Safe to call from completion, cancellation, or a forced close.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	if atomic.CompareAndSwapInt32(&g.released, 0, 1) {
		g.release()
	}
}

// Released reports whether Release has already run.
func (g *Guard) Released() bool {
	if g == nil {
		return true
	}
	return atomic.LoadInt32(&g.released) == 1
}

// connState tracks one backend's admission bookkeeping: active count,
// draining flag, and waiters blocked on active count reaching zero (spec
// §3 ConnectionState).
type connState struct {
	mu       sync.Mutex
	active   int64
	draining bool
	waiters  []chan struct{}
}

func newConnState() *connState {
	return &connState{}
}

// tryAdmit increments active count and returns true, unless draining.
func (c *connState) tryAdmit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining {
		return false
	}
	c.active++
	return true
}

// release decrements active count and wakes any waiters once it reaches
// zero.
func (c *connState) release() {
	c.mu.Lock()
	c.active--
	if c.active < 0 {
		// Defensive: a double-release must never be observable as negative
		// active count (spec §3 invariant "Active connection count ... is
		// >= 0 at all times").
		c.active = 0
	}
	drained := c.active == 0
	var waiters []chan struct{}
	if drained {
		waiters = c.waiters
		c.waiters = nil
	}
	c.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

func (c *connState) activeCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// startDraining flips the draining flag, refusing all future admissions.
func (c *connState) startDraining() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draining = true
}

func (c *connState) isDraining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining
}

// waitDrained returns a channel closed once active count reaches zero. If
// already zero, returns a pre-closed channel.
func (c *connState) waitDrained() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan struct{})
	if c.active == 0 {
		close(ch)
		return ch
	}
	c.waiters = append(c.waiters, ch)
	return ch
}

func (c *connState) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = 0
	c.draining = false
	c.waiters = nil
}
