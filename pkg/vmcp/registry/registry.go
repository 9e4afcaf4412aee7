// Package registry implements C2: the authoritative, versioned view of
// which backends exist, with lock-free reads and atomic generational swaps
// (spec §4.2).
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doublegate/Only1MCP-sub001/pkg/logger"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/drain"
)

// Prober validates connectivity for added/modified backends during an
// update (spec §4.2 step 3). A production Prober dials the backend's
// transport; tests may stub it.
type Prober interface {
	Probe(ctx context.Context, d vmcp.BackendDescriptor) error
}

// Mode names a rollout strategy (spec §4.2 "Modes of modification").
// DefaultRegistry.ApplyUpdate does not read it: every update, whatever its
// Mode, is published at once as a single new generation, with no blue/green
// overlap and no canary weight ramp.
type Mode string

const (
	ModeInstant   Mode = "instant"
	ModeBlueGreen Mode = "blue_green"
	ModeCanary    Mode = "canary"
)

// CanaryStage is one step of a canary rollout's weight ramp.
type CanaryStage struct {
	Weight   int
	Duration time.Duration
}

// UpdateOptions configures one ApplyUpdate call.
type UpdateOptions struct {
	Mode          Mode
	DrainStrategy drain.Strategy
	DrainTimeout  time.Duration
	// BlueGreenOverlap and CanaryStages are carried for ModeBlueGreen and
	// ModeCanary; DefaultRegistry.ApplyUpdate does not read either field.
	BlueGreenOverlap time.Duration
	CanaryStages     []CanaryStage
	ProbeTimeout     time.Duration
	VirtualNodes     int
}

// DefaultUpdateOptions matches spec §4.2's stated defaults (5s probe
// timeout, graceful drain).
func DefaultUpdateOptions() UpdateOptions {
	return UpdateOptions{
		Mode:          ModeInstant,
		DrainStrategy: drain.Graceful,
		DrainTimeout:  30 * time.Second,
		ProbeTimeout:  5 * time.Second,
		VirtualNodes:  150,
	}
}

// Registry exposes the wait-free read / serialized write contract of
// spec §4.2.
type Registry interface {
	CurrentSnapshot() *vmcp.RegistrySnapshot
	ApplyUpdate(ctx context.Context, proposed []vmcp.BackendDescriptor, opts UpdateOptions) (vmcp.Generation, error)
	DrainBackend(ctx context.Context, id vmcp.BackendID, strategy drain.Strategy, timeout time.Duration) (drain.Stats, error)
}

// DefaultRegistry is the copy-on-write, pre-validated hot-swap registry
// (spec §4.2). Readers call CurrentSnapshot, which is wait-free
// (atomic.Pointer load); writers serialize through writerMu so at most one
// update is in flight (spec §5).
type DefaultRegistry struct {
	writerMu sync.Mutex
	current  atomic.Pointer[vmcp.RegistrySnapshot]

	prober        Prober
	drainCoord    *drain.Coordinator
	lastGen       atomic.Uint64
	priorSnapshot *vmcp.RegistrySnapshot // for canary/blue-green rollback
}

// New constructs a DefaultRegistry seeded with an initial (already
// validated) descriptor set at generation 1.
func New(initial []vmcp.BackendDescriptor, prober Prober, coord *drain.Coordinator) (*DefaultRegistry, error) {
	r := &DefaultRegistry{prober: prober, drainCoord: coord}

	descMap := make(map[vmcp.BackendID]vmcp.BackendDescriptor, len(initial))
	for _, d := range initial {
		if _, dup := descMap[d.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate backend id %q in initial set", d.ID)
		}
		descMap[d.ID] = d
	}
	if err := validateDescriptorSet(descMap); err != nil {
		return nil, fmt.Errorf("registry: invalid initial descriptor set: %w", err)
	}

	snap := vmcp.BuildSnapshot(1, descMap, nil, 150)
	r.current.Store(snap)
	r.lastGen.Store(1)
	return r, nil
}

// CurrentSnapshot is the wait-free read (spec §4.2 "Expose
// current_snapshot() -> RegistrySnapshot as a wait-free read").
func (r *DefaultRegistry) CurrentSnapshot() *vmcp.RegistrySnapshot {
	return r.current.Load()
}

// ApplyUpdate runs the full update protocol: diff, validate, probe,
// acceptance gate, build, publish, drain (spec §4.2).
func (r *DefaultRegistry) ApplyUpdate(ctx context.Context, proposed []vmcp.BackendDescriptor, opts UpdateOptions) (vmcp.Generation, error) {
	r.writerMu.Lock()
	defer r.writerMu.Unlock()

	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.VirtualNodes <= 0 {
		opts.VirtualNodes = 150
	}

	cur := r.current.Load()

	proposedMap := make(map[vmcp.BackendID]vmcp.BackendDescriptor, len(proposed))
	for _, d := range proposed {
		if _, dup := proposedMap[d.ID]; dup {
			return 0, fmt.Errorf("registry: duplicate backend id %q in proposed set", d.ID)
		}
		proposedMap[d.ID] = d
	}

	added, modified, removed := diff(cur, proposedMap)

	if err := validateDescriptorSet(proposedMap); err != nil {
		return 0, fmt.Errorf("registry: validation failed: %w", err)
	}

	toProbe := make([]vmcp.BackendDescriptor, 0, len(added)+len(modified))
	toProbe = append(toProbe, added...)
	toProbe = append(toProbe, modified...)

	failures := r.probeAll(ctx, toProbe, opts.ProbeTimeout)
	if len(toProbe) > 0 && failures*2 > len(toProbe) {
		return 0, fmt.Errorf("registry: update rejected, %d/%d probed backends failed (>50%%)", failures, len(toProbe))
	}
	for _, d := range toProbe {
		logger.Infow("registry: backend probed", "backend_id", string(d.ID))
	}

	newGen := vmcp.Generation(r.lastGen.Add(1))

	draining := make(map[vmcp.BackendID]struct{})
	if cur != nil {
		for id := range cur.Draining {
			if _, stillPresent := proposedMap[id]; stillPresent {
				draining[id] = struct{}{}
			}
		}
	}

	newSnap := vmcp.BuildSnapshot(newGen, proposedMap, draining, opts.VirtualNodes)

	// Linearization point: from this instant, new requests observe the new
	// snapshot (spec §4.2 step 6).
	r.priorSnapshot = cur
	r.current.Store(newSnap)

	r.drainRemoved(ctx, cur, removed, opts)

	return newGen, nil
}

func (r *DefaultRegistry) probeAll(ctx context.Context, backends []vmcp.BackendDescriptor, timeout time.Duration) int {
	if r.prober == nil || len(backends) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	failures := 0

	for _, d := range backends {
		wg.Add(1)
		go func(d vmcp.BackendDescriptor) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := r.prober.Probe(probeCtx, d); err != nil {
				logger.Warnw("registry: probe failed", "backend_id", string(d.ID), "error", err.Error())
				mu.Lock()
				failures++
				mu.Unlock()
			}
		}(d)
	}
	wg.Wait()
	return failures
}

func (r *DefaultRegistry) drainRemoved(ctx context.Context, cur *vmcp.RegistrySnapshot, removed []vmcp.BackendID, opts UpdateOptions) {
	if r.drainCoord == nil || cur == nil {
		return
	}
	for _, id := range removed {
		id := id
		go func() {
			if _, err := r.drainCoord.Drain(ctx, string(id), opts.DrainStrategy, opts.DrainTimeout); err != nil {
				logger.Errorw("registry: drain of removed backend failed", "backend_id", string(id), "error", err.Error())
			}
		}()
	}
}

// DrainBackend explicitly drains one backend via the coordinator without
// otherwise altering the registry (spec §6 "drain_backend").
func (r *DefaultRegistry) DrainBackend(ctx context.Context, id vmcp.BackendID, strategy drain.Strategy, timeout time.Duration) (drain.Stats, error) {
	if r.drainCoord == nil {
		return drain.Stats{}, fmt.Errorf("registry: no drain coordinator configured")
	}
	return r.drainCoord.Drain(ctx, string(id), strategy, timeout)
}

// Rollback restores the snapshot observed immediately before the most
// recent ApplyUpdate, re-applying it atomically at a fresh generation
// (spec §4.5 "Auto-rollback hook": the registry performs the restore, the
// external health monitor decides when to call it).
func (r *DefaultRegistry) Rollback(ctx context.Context) (vmcp.Generation, error) {
	r.writerMu.Lock()
	defer r.writerMu.Unlock()

	if r.priorSnapshot == nil {
		return 0, fmt.Errorf("registry: no prior snapshot to roll back to")
	}

	descs := make([]vmcp.BackendDescriptor, 0, len(r.priorSnapshot.Descriptors))
	for _, d := range r.priorSnapshot.Descriptors {
		descs = append(descs, d)
	}

	newGen := vmcp.Generation(r.lastGen.Add(1))
	newSnap := vmcp.BuildSnapshot(newGen, toMap(descs), nil, r.priorSnapshot.Ring.VirtualNodes())
	r.current.Store(newSnap)
	return newGen, nil
}

func toMap(descs []vmcp.BackendDescriptor) map[vmcp.BackendID]vmcp.BackendDescriptor {
	m := make(map[vmcp.BackendID]vmcp.BackendDescriptor, len(descs))
	for _, d := range descs {
		m[d.ID] = d
	}
	return m
}

func diff(cur *vmcp.RegistrySnapshot, proposed map[vmcp.BackendID]vmcp.BackendDescriptor) (added, modified []vmcp.BackendDescriptor, removed []vmcp.BackendID) {
	if cur == nil {
		for _, d := range proposed {
			added = append(added, d)
		}
		return added, nil, nil
	}
	for id, d := range proposed {
		old, existed := cur.Descriptors[id]
		if !existed {
			added = append(added, d)
		} else if !descriptorsEqual(old, d) {
			modified = append(modified, d)
		}
	}
	for id := range cur.Descriptors {
		if _, stillPresent := proposed[id]; !stillPresent {
			removed = append(removed, id)
		}
	}
	return added, modified, removed
}

func descriptorsEqual(a, b vmcp.BackendDescriptor) bool {
	aj, _ := marshalStable(a)
	bj, _ := marshalStable(b)
	return string(aj) == string(bj)
}
