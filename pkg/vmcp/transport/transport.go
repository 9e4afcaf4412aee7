// Package transport implements C4: the per-backend wire adapters (stdio,
// streamable HTTP, SSE, legacy SSE) behind a single Caller contract
// consumed by the router (spec §4.4).
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/router"
)

// ErrUnsupportedTransport is returned when a descriptor's transport kind has
// no registered adapter.
var ErrUnsupportedTransport = fmt.Errorf("transport: unsupported transport kind")

// Adapter is implemented by each concrete transport (stdio/http/sse). It
// owns one backend's connection lifecycle: dialing, framing, and health
// probing.
type Adapter interface {
	// Call dispatches one request and waits for its response (or opens a
	// stream, when the method expects one).
	Call(ctx context.Context, env *vmcp.RequestEnvelope) (*router.CallResult, error)
	// Probe performs a lightweight liveness check without routing a full
	// request (spec §4.2 "probe before accept").
	Probe(ctx context.Context) error
	// Close releases the adapter's resources (child process, connection
	// pool, subscriptions).
	Close() error
}

// Factory builds the correct Adapter for a descriptor's transport kind.
type Factory func(d vmcp.BackendDescriptor) (Adapter, error)

// NewAdapter dispatches to the concrete constructor matching d.Transport.Kind
// (spec §3 "TransportSpec" tagged union).
func NewAdapter(d vmcp.BackendDescriptor) (Adapter, error) {
	switch d.Transport.Kind {
	case vmcp.TransportStdio:
		if d.Transport.Stdio == nil {
			return nil, fmt.Errorf("transport: stdio descriptor missing stdio spec for %s", d.ID)
		}
		return NewStdioAdapter(d.ID, *d.Transport.Stdio)
	case vmcp.TransportHTTP:
		if d.Transport.HTTP == nil {
			return nil, fmt.Errorf("transport: http descriptor missing http spec for %s", d.ID)
		}
		return NewHTTPAdapter(d.ID, *d.Transport.HTTP)
	case vmcp.TransportSSE:
		if d.Transport.SSE == nil {
			return nil, fmt.Errorf("transport: sse descriptor missing sse spec for %s", d.ID)
		}
		return NewSSEAdapter(d.ID, *d.Transport.SSE)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTransport, d.Transport.Kind)
	}
}

// Pool is a keyed, lazily-populated store of live adapters, one per backend
// (spec §4.4 "connection reuse across requests").
type Pool struct {
	mu       sync.Mutex
	adapters map[vmcp.BackendID]Adapter
	factory  Factory
}

// NewPool constructs a Pool using NewAdapter unless a custom factory is
// supplied (tests substitute a fake factory here).
func NewPool(factory Factory) *Pool {
	if factory == nil {
		factory = NewAdapter
	}
	return &Pool{adapters: make(map[vmcp.BackendID]Adapter), factory: factory}
}

// GetOrCreate returns the pooled adapter for d.ID, constructing it on first
// access.
func (p *Pool) GetOrCreate(d vmcp.BackendDescriptor) (Adapter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.adapters[d.ID]; ok {
		return a, nil
	}
	a, err := p.factory(d)
	if err != nil {
		return nil, err
	}
	p.adapters[d.ID] = a
	return a, nil
}

// Evict closes and removes backendID's adapter, if any. Nothing in the
// server calls it when a backend is drained or removed.
func (p *Pool) Evict(backendID vmcp.BackendID) error {
	p.mu.Lock()
	a, ok := p.adapters[backendID]
	delete(p.adapters, backendID)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return a.Close()
}

// CallerAdapter implements router.Caller by resolving backendID against a
// Pool of per-backend transport adapters, and implements registry.Prober by
// probing the adapter it would otherwise dispatch through.
type CallerAdapter struct {
	pool        *Pool
	descriptors func(vmcp.BackendID) (vmcp.BackendDescriptor, bool)
}

// NewCallerAdapter builds a router.Caller over pool, resolving descriptors
// via lookup (typically the current registry snapshot).
func NewCallerAdapter(pool *Pool, lookup func(vmcp.BackendID) (vmcp.BackendDescriptor, bool)) *CallerAdapter {
	return &CallerAdapter{pool: pool, descriptors: lookup}
}

func (c *CallerAdapter) Call(ctx context.Context, backendID vmcp.BackendID, env *vmcp.RequestEnvelope) (*router.CallResult, error) {
	d, ok := c.descriptors(backendID)
	if !ok {
		return nil, fmt.Errorf("transport: unknown backend %s", backendID)
	}
	a, err := c.pool.GetOrCreate(d)
	if err != nil {
		return nil, &router.CallError{Err: err, Retryable: false}
	}
	return a.Call(ctx, env)
}

// Probe implements registry.Prober by dialing/handshaking the backend's
// adapter without routing a request (spec §4.2).
func (c *CallerAdapter) Probe(ctx context.Context, d vmcp.BackendDescriptor) error {
	a, err := c.pool.GetOrCreate(d)
	if err != nil {
		return err
	}
	return a.Probe(ctx)
}

var _ router.Caller = (*CallerAdapter)(nil)
