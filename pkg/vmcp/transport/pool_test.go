package transport

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/router"
)

type fakeAdapter struct {
	id     vmcp.BackendID
	closed bool
}

func (f *fakeAdapter) Call(context.Context, *vmcp.RequestEnvelope) (*router.CallResult, error) {
	return &router.CallResult{}, nil
}
func (f *fakeAdapter) Probe(context.Context) error { return nil }
func (f *fakeAdapter) Close() error                { f.closed = true; return nil }

func TestPool_GetOrCreateReturnsSameAdapterForSameBackend(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	pool := NewPool(func(d vmcp.BackendDescriptor) (Adapter, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return &fakeAdapter{id: d.ID}, nil
	})

	d := vmcp.BackendDescriptor{ID: "a"}
	a1, err := pool.GetOrCreate(d)
	require.NoError(t, err)
	a2, err := pool.GetOrCreate(d)
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.Equal(t, 1, calls)
}

func TestPool_DifferentBackendsGetDifferentAdapters(t *testing.T) {
	t.Parallel()

	pool := NewPool(func(d vmcp.BackendDescriptor) (Adapter, error) {
		return &fakeAdapter{id: d.ID}, nil
	})

	a1, err := pool.GetOrCreate(vmcp.BackendDescriptor{ID: "a"})
	require.NoError(t, err)
	b1, err := pool.GetOrCreate(vmcp.BackendDescriptor{ID: "b"})
	require.NoError(t, err)

	assert.NotSame(t, a1, b1)
}

func TestPool_EvictClosesAndRemovesAdapter(t *testing.T) {
	t.Parallel()

	pool := NewPool(func(d vmcp.BackendDescriptor) (Adapter, error) {
		return &fakeAdapter{id: d.ID}, nil
	})

	a1, err := pool.GetOrCreate(vmcp.BackendDescriptor{ID: "a"})
	require.NoError(t, err)

	require.NoError(t, pool.Evict("a"))
	assert.True(t, a1.(*fakeAdapter).closed)

	a2, err := pool.GetOrCreate(vmcp.BackendDescriptor{ID: "a"})
	require.NoError(t, err)
	assert.NotSame(t, a1, a2, "evicted backend must get a fresh adapter on next access")
}

func TestPool_EvictUnknownBackendIsNoop(t *testing.T) {
	t.Parallel()

	pool := NewPool(func(d vmcp.BackendDescriptor) (Adapter, error) {
		return &fakeAdapter{id: d.ID}, nil
	})
	assert.NoError(t, pool.Evict("never-created"))
}

func TestNewAdapter_RejectsUnknownTransportKind(t *testing.T) {
	t.Parallel()

	_, err := NewAdapter(vmcp.BackendDescriptor{ID: "a", Transport: vmcp.TransportSpec{Kind: "carrier-pigeon"}})
	assert.ErrorIs(t, err, ErrUnsupportedTransport)
}

func TestCallerAdapter_CallsThroughPool(t *testing.T) {
	t.Parallel()

	var captured vmcp.BackendID
	pool := NewPool(func(d vmcp.BackendDescriptor) (Adapter, error) {
		return &fakeAdapter{id: d.ID}, nil
	})
	descs := map[vmcp.BackendID]vmcp.BackendDescriptor{"a": {ID: "a"}}
	caller := NewCallerAdapter(pool, func(id vmcp.BackendID) (vmcp.BackendDescriptor, bool) {
		captured = id
		d, ok := descs[id]
		return d, ok
	})

	_, err := caller.Call(context.Background(), "a", &vmcp.RequestEnvelope{})
	require.NoError(t, err)
	assert.Equal(t, vmcp.BackendID("a"), captured)
}

func TestCallerAdapter_UnknownBackendErrors(t *testing.T) {
	t.Parallel()

	pool := NewPool(func(d vmcp.BackendDescriptor) (Adapter, error) {
		return &fakeAdapter{id: d.ID}, nil
	})
	caller := NewCallerAdapter(pool, func(vmcp.BackendID) (vmcp.BackendDescriptor, bool) {
		return vmcp.BackendDescriptor{}, false
	})

	_, err := caller.Call(context.Background(), "missing", &vmcp.RequestEnvelope{})
	assert.Error(t, err)
}
