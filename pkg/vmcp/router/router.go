// Package router implements C3: method/tool-aware dispatch with health
// awareness, circuit breaking, consistent hashing, retries, and failover
// (spec §4.3).
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/doublegate/Only1MCP-sub001/pkg/logger"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/drain"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/health"
)

// CallResult is what a backend call yielded, unary or the final state of a
// stream (spec §3 "RequestEnvelope" flows in, a response flows back).
type CallResult struct {
	Body     json.RawMessage
	Streamed bool
	// Chunks is non-nil for streamed responses; the router forwards each
	// chunk to ingress as it arrives (spec §4.3 "Response streaming").
	Chunks <-chan StreamChunk
}

// StreamChunk is one SSE/chunked fragment forwarded from transport to
// ingress.
type StreamChunk struct {
	Data    json.RawMessage
	EventID uint64
	Err     error
	IsFinal bool
}

// CallError classifies a backend-call failure for the retry decision
// (spec §7 taxonomy).
type CallError struct {
	Err       error
	Retryable bool
}

func (e *CallError) Error() string { return e.Err.Error() }
func (e *CallError) Unwrap() error { return e.Err }

// Caller dispatches one request to one specific backend. Implemented by
// the transport layer (spec §4.4); the router is transport-agnostic.
type Caller interface {
	Call(ctx context.Context, backendID vmcp.BackendID, env *vmcp.RequestEnvelope) (*CallResult, error)
}

// SnapshotSource supplies the currently-pinned registry snapshot (spec §3
// "RegistryGeneration pinned at routing time").
type SnapshotSource interface {
	CurrentSnapshot() *vmcp.RegistrySnapshot
}

var (
	// ErrNoRoutingKey is returned when the method requires a routing key
	// that could not be extracted (spec §4.3 step 1).
	ErrNoRoutingKey = fmt.Errorf("router: no routing key extractable for method")
	// ErrNoBackendAvailable is returned when the filtered candidate set is
	// empty after health/circuit/drain filtering (spec §4.3 step 4).
	ErrNoBackendAvailable = fmt.Errorf("router: no backend available")
	// ErrAdmissionRefused is returned when every retry attempt's guard
	// acquisition was refused.
	ErrAdmissionRefused = fmt.Errorf("router: admission refused on all candidates")
	// ErrCircuitOpen is returned when a selected candidate's circuit
	// breaker refuses the attempt at dispatch time.
	ErrCircuitOpen = fmt.Errorf("router: circuit open for backend")
)

// Router is C3's public contract.
type Router interface {
	Route(ctx context.Context, env *vmcp.RequestEnvelope) (*CallResult, error)
}

// CircuitBreakers is a keyed store of per-backend circuit breakers (spec
// §3 "CircuitState ... persists across generations for the same
// BackendId").
type CircuitBreakers struct {
	mu   sync.Mutex
	cbs  map[vmcp.BackendID]*health.CircuitBreaker
	fail int
	to   time.Duration
}

func NewCircuitBreakers(failureThreshold int, timeout time.Duration) *CircuitBreakers {
	return &CircuitBreakers{cbs: make(map[vmcp.BackendID]*health.CircuitBreaker), fail: failureThreshold, to: timeout}
}

func (c *CircuitBreakers) For(id vmcp.BackendID) *health.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.cbs[id]
	if !ok {
		cb = health.NewCircuitBreaker(c.fail, c.to)
		c.cbs[id] = cb
	}
	return cb
}

// DefaultRouter implements the six-step selection algorithm of spec §4.3.
type DefaultRouter struct {
	snapshots SnapshotSource
	caller    Caller
	coord     *drain.Coordinator
	monitor   health.Monitor
	breakers  *CircuitBreakers

	policy Policy

	roundRobin sync.Map // tool name -> *roundRobinCounter
	rng        *rand.Rand
	rngMu      sync.Mutex
}

// Config configures a DefaultRouter's dependencies and policy.
type Config struct {
	Snapshots        SnapshotSource
	Caller           Caller
	Coordinator      *drain.Coordinator
	Monitor          health.Monitor
	Policy           Policy
	FailureThreshold int
	OpenTimeout      time.Duration
}

// NewDefaultRouter constructs a router with spec-default circuit-breaker
// thresholds if unset.
func NewDefaultRouter(cfg Config) *DefaultRouter {
	if cfg.Policy == "" {
		cfg.Policy = PolicyConsistentHash
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = health.DefaultFailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = health.DefaultOpenTimeout
	}
	return &DefaultRouter{
		snapshots: cfg.Snapshots,
		caller:    cfg.Caller,
		coord:     cfg.Coordinator,
		monitor:   cfg.Monitor,
		breakers:  NewCircuitBreakers(cfg.FailureThreshold, cfg.OpenTimeout),
		policy:    cfg.Policy,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RoutingKey extracts the routing key per spec §4.3 step 1: tool name for
// tools/call, URI scheme+authority for resources/read, or the explicit
// prefix of a namespaced "<backendId>.<suffix>" name, which pins the
// backend directly.
func RoutingKey(env *vmcp.RequestEnvelope) (key string, pinnedBackend vmcp.BackendID, ok bool) {
	name := env.Tool
	if name == "" {
		return "", "", false
	}
	if idx := strings.IndexByte(name, '.'); idx > 0 {
		// Namespaced disambiguation: "<backendId>.<suffix>" pins the
		// backend directly (spec §4.3 step 1, §4.1 collision policy).
		return name, vmcp.BackendID(name[:idx]), true
	}
	return name, "", true
}

func (r *DefaultRouter) Route(ctx context.Context, env *vmcp.RequestEnvelope) (*CallResult, error) {
	key, pinned, ok := RoutingKey(env)
	if !ok {
		return nil, ErrNoRoutingKey
	}

	snap := r.snapshots.CurrentSnapshot()
	env.Generation = snap.Generation

	var candidates []vmcp.BackendID
	if pinned != "" {
		if _, ok := snap.Descriptors[pinned]; ok {
			candidates = []vmcp.BackendID{pinned}
		}
	} else {
		candidates = snap.CandidatesFor(key)
	}

	filtered := r.filter(snap, candidates)
	if len(filtered) == 0 {
		// One optional refresh against the latest snapshot before failing,
		// to avoid acting on a stale generation (spec §4.3 step 4).
		snap = r.snapshots.CurrentSnapshot()
		if pinned == "" {
			candidates = snap.CandidatesFor(key)
		}
		filtered = r.filter(snap, candidates)
		if len(filtered) == 0 {
			return nil, ErrNoBackendAvailable
		}
	}

	return r.callWithRetry(ctx, env, key, snap, filtered)
}

func (r *DefaultRouter) filter(snap *vmcp.RegistrySnapshot, candidates []vmcp.BackendID) []vmcp.BackendID {
	out := make([]vmcp.BackendID, 0, len(candidates))
	for _, id := range candidates {
		if snap.IsDraining(id) {
			continue
		}
		if r.monitor != nil {
			status := r.monitor.Status(string(id))
			if status != health.Healthy && status != health.Degraded {
				continue
			}
		}
		cb := r.breakers.For(id)
		if !cb.Allowed() {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (r *DefaultRouter) selectOne(snap *vmcp.RegistrySnapshot, key string, candidates []vmcp.BackendID, exclude map[vmcp.BackendID]struct{}) vmcp.BackendID {
	remaining := make([]vmcp.BackendID, 0, len(candidates))
	for _, id := range candidates {
		if _, skip := exclude[id]; !skip {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == 0 {
		return ""
	}

	switch r.policy {
	case PolicyConsistentHash:
		if chosen := selectConsistentHash(snap.Ring, key, remaining); chosen != "" {
			return chosen
		}
		return remaining[0]
	case PolicyRoundRobin:
		v, _ := r.roundRobin.LoadOrStore(key, &roundRobinCounter{})
		return selectRoundRobin(remaining, v.(*roundRobinCounter))
	case PolicyLeastConnections:
		r.rngMu.Lock()
		rng := r.rng
		r.rngMu.Unlock()
		return selectLeastConnections(remaining, r.coord, nil, rng)
	case PolicyWeightedRandom:
		weights := make(map[vmcp.BackendID]int, len(remaining))
		for _, id := range remaining {
			weights[id] = snap.Descriptors[id].Weight
		}
		r.rngMu.Lock()
		rng := r.rng
		r.rngMu.Unlock()
		return selectWeightedRandom(remaining, weights, rng)
	default:
		return remaining[0]
	}
}

func (r *DefaultRouter) callWithRetry(ctx context.Context, env *vmcp.RequestEnvelope, key string, snap *vmcp.RegistrySnapshot, candidates []vmcp.BackendID) (*CallResult, error) {
	retryPolicy := vmcp.DefaultRetryPolicy()
	if chosen := candidates[0]; chosen != "" {
		if d, ok := snap.Descriptors[chosen]; ok && d.Retry.MaxRetries > 0 {
			retryPolicy = d.Retry
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryPolicy.InitialBackoff
	bo.MaxInterval = retryPolicy.MaxBackoff
	bo.Multiplier = retryPolicy.Multiplier
	bo.RandomizationFactor = retryPolicy.JitterFraction

	tried := make(map[vmcp.BackendID]struct{})
	var lastErr error

	for attempt := 0; attempt <= retryPolicy.MaxRetries; attempt++ {
		chosen := r.selectOne(snap, key, candidates, tried)
		if chosen == "" {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ErrNoBackendAvailable
		}
		tried[chosen] = struct{}{}

		guard, admitted := r.admit(chosen)
		if !admitted {
			lastErr = ErrAdmissionRefused
			continue
		}

		cb := r.breakers.For(chosen)
		if !cb.CanAttempt() {
			guard.Release()
			lastErr = ErrCircuitOpen
			continue
		}

		deadline := snap.Descriptors[chosen].RequestTimeout
		callCtx := ctx
		var cancel context.CancelFunc
		if deadline > 0 {
			callCtx, cancel = context.WithTimeout(ctx, deadline)
		}

		start := time.Now()
		result, err := r.caller.Call(callCtx, chosen, env)
		if cancel != nil {
			cancel()
		}
		latency := time.Since(start)

		if err == nil {
			cb.RecordSuccess()
			if r.monitor != nil {
				r.monitor.RecordSuccess(string(chosen), latency)
			}
			if !result.Streamed {
				guard.Release()
				return result, nil
			}
			// A streamed result keeps the admission open until the
			// stream itself finishes; releaseOnDrain takes over the
			// guard's lifetime from here.
			return r.releaseOnDrain(ctx, guard, result), nil
		}

		guard.Release()
		cb.RecordFailure()
		if r.monitor != nil {
			r.monitor.RecordFailure(string(chosen))
		}
		lastErr = err

		logger.Warnw("router: backend call failed",
			"backend_id", string(chosen), "method", env.Method, "attempt", attempt, "error", err.Error())

		var ce *CallError
		retryable := true
		if asCallError(err, &ce) {
			retryable = ce.Retryable
		}
		if !retryable || attempt == retryPolicy.MaxRetries {
			break
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	return nil, lastErr
}

func (r *DefaultRouter) admit(id vmcp.BackendID) (*drain.Guard, bool) {
	if r.coord == nil {
		return drain.NewNoopGuard(), true
	}
	return r.coord.Admit(string(id))
}

// releaseOnDrain interposes a forwarding goroutine between the transport
// adapter's chunk channel and the caller so the admission guard releases
// exactly once, whichever of three ways the stream ends: the terminal
// chunk arrives, the source channel closes, or ctx is done (spec §3 "every
// successful admission to a backend has a paired release").
func (r *DefaultRouter) releaseOnDrain(ctx context.Context, guard *drain.Guard, result *CallResult) *CallResult {
	out := make(chan StreamChunk, 8)

	go func() {
		defer guard.Release()
		defer close(out)
		for {
			select {
			case chunk, ok := <-result.Chunks:
				if !ok {
					return
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
				if chunk.IsFinal || chunk.Err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return &CallResult{Streamed: true, Chunks: out}
}

func asCallError(err error, target **CallError) bool {
	ce, ok := err.(*CallError)
	if ok {
		*target = ce
	}
	return ok
}
