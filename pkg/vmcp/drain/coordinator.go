package drain

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Strategy selects how a backend's in-flight work is wound down (spec
// §4.5).
type Strategy string

const (
	Immediate   Strategy = "immediate"
	Graceful    Strategy = "graceful"
	Progressive Strategy = "progressive"
)

// LifecycleState is the per-backend state machine: Active -> Draining (on
// update/removal) -> Drained (counter hit 0 or timeout) -> Reaped
// (resources released). A Reaped BackendId may be reused only after Reaped
// is observed (spec §4.5).
type LifecycleState string

const (
	Active   LifecycleState = "active"
	Draining LifecycleState = "draining"
	Drained  LifecycleState = "drained"
	Reaped   LifecycleState = "reaped"
)

// Stats reports the outcome of a drain operation (spec §6 "drain_backend").
type Stats struct {
	BackendID          string
	ConnectionsAtStart int64
	ConnectionsDrained int64
	ForceClosed        int64
	TimedOut           bool
	Duration           time.Duration
}

// WeightSetter receives a Progressive drain's decaying out-of-band routing
// weight for a backend. The router's weighted-random policy does not read
// it; that policy uses the descriptor weights of the current snapshot.
type WeightSetter func(backendID string, weight float64)

// Coordinator implements C5: counts active work per backend, gates new
// admissions, and coordinates graceful/progressive/immediate drains.
type Coordinator struct {
	mu     sync.Mutex
	states map[string]*connState
	phases map[string]LifecycleState

	weightSetter WeightSetter

	// ProgressiveStepInterval / ProgressiveDecayFraction tune the
	// progressive-drain weight ramp-down rate.
	ProgressiveStepInterval  time.Duration
	ProgressiveDecayFraction float64
}

// NewCoordinator constructs a Coordinator. weightSetter may be nil if the
// router does not support progressive weight decay.
func NewCoordinator(weightSetter WeightSetter) *Coordinator {
	return &Coordinator{
		states:                   make(map[string]*connState),
		phases:                   make(map[string]LifecycleState),
		weightSetter:             weightSetter,
		ProgressiveStepInterval:  500 * time.Millisecond,
		ProgressiveDecayFraction: 0.2,
	}
}

func (c *Coordinator) stateFor(backendID string) *connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[backendID]
	if !ok {
		s = newConnState()
		c.states[backendID] = s
		c.phases[backendID] = Active
	}
	return s
}

// Admit attempts to create a Guard for backendID. Returns (nil, false) if
// the backend is draining or otherwise refusing admission (spec §4.5).
func (c *Coordinator) Admit(backendID string) (*Guard, bool) {
	s := c.stateFor(backendID)
	if !s.tryAdmit() {
		return nil, false
	}
	return &Guard{release: s.release}, true
}

// ActiveCount returns the current in-flight count for backendID.
func (c *Coordinator) ActiveCount(backendID string) int64 {
	return c.stateFor(backendID).activeCount()
}

// Phase returns the lifecycle phase for backendID.
func (c *Coordinator) Phase(backendID string) LifecycleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.phases[backendID]; ok {
		return p
	}
	return Active
}

func (c *Coordinator) setPhase(backendID string, phase LifecycleState) {
	c.mu.Lock()
	c.phases[backendID] = phase
	c.mu.Unlock()
}

// Drain stops admissions to backendID and winds down in-flight work per
// strategy, blocking until complete or timeout (spec §4.5, §6
// "drain_backend", §8 invariant "Drain completeness").
func (c *Coordinator) Drain(ctx context.Context, backendID string, strategy Strategy, timeout time.Duration) (Stats, error) {
	s := c.stateFor(backendID)
	s.startDraining()
	c.setPhase(backendID, Draining)

	start := time.Now()
	startCount := s.activeCount()

	var stats Stats
	stats.BackendID = backendID
	stats.ConnectionsAtStart = startCount

	switch strategy {
	case Immediate:
		stats.ForceClosed = s.activeCount()
		s.reset()
		s.startDraining()
	case Progressive:
		if err := c.runProgressive(ctx, backendID, s, timeout); err != nil {
			stats.TimedOut = true
			stats.ForceClosed = s.activeCount()
			s.reset()
			s.startDraining()
		}
	case Graceful, "":
		if err := c.waitOrTimeout(ctx, s, timeout); err != nil {
			stats.TimedOut = true
			stats.ForceClosed = s.activeCount()
			s.reset()
			s.startDraining()
		}
	default:
		return Stats{}, fmt.Errorf("drain: unknown strategy %q", strategy)
	}

	stats.ConnectionsDrained = startCount - stats.ForceClosed
	stats.Duration = time.Since(start)
	c.setPhase(backendID, Drained)
	return stats, nil
}

func (c *Coordinator) waitOrTimeout(ctx context.Context, s *connState, timeout time.Duration) error {
	drained := s.waitDrained()
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case <-drained:
		return nil
	case <-timeoutCh:
		return fmt.Errorf("drain: timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) runProgressive(ctx context.Context, backendID string, s *connState, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if timeout <= 0 {
		deadline = time.Now().Add(24 * time.Hour)
	}
	weight := 1.0
	ticker := time.NewTicker(c.ProgressiveStepInterval)
	defer ticker.Stop()

	for {
		if s.activeCount() == 0 {
			if c.weightSetter != nil {
				c.weightSetter(backendID, 0)
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("drain: progressive drain of %s timed out", backendID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			weight -= weight * c.ProgressiveDecayFraction
			if weight < 0 {
				weight = 0
			}
			if c.weightSetter != nil {
				c.weightSetter(backendID, weight)
			}
		}
	}
}

// Reap releases a Drained backend's tracked state, transitioning it to
// Reaped. Only a backend observed Drained may be reaped; the BackendId may
// be reused only once Reaped is observed (spec §4.5).
func (c *Coordinator) Reap(backendID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	phase, ok := c.phases[backendID]
	if !ok || phase != Drained {
		return fmt.Errorf("drain: cannot reap %s from phase %q, must be %q", backendID, phase, Drained)
	}
	delete(c.states, backendID)
	c.phases[backendID] = Reaped
	return nil
}

// Restore reactivates a backend after an auto-rollback (spec §4.5 "Auto-
// rollback hook"): the coordinator only performs the restore, conditions
// for triggering it are evaluated by the external health monitor.
func (c *Coordinator) Restore(backendID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[backendID]
	if !ok {
		s = newConnState()
		c.states[backendID] = s
	} else {
		s.reset()
	}
	c.phases[backendID] = Active
}
