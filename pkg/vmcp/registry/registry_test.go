package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/drain"
)

func descriptor(id string, priority int, tools ...string) vmcp.BackendDescriptor {
	return vmcp.BackendDescriptor{
		ID:       vmcp.BackendID(id),
		Priority: priority,
		Weight:   1,
		Tools:    tools,
		Transport: vmcp.TransportSpec{
			Kind: vmcp.TransportHTTP,
			HTTP: &vmcp.HTTPSpec{URL: fmt.Sprintf("http://%s.example/mcp", id)},
		},
	}
}

type alwaysOKProber struct{}

func (alwaysOKProber) Probe(context.Context, vmcp.BackendDescriptor) error { return nil }

type failingProber struct{ failIDs map[vmcp.BackendID]bool }

func (f failingProber) Probe(_ context.Context, d vmcp.BackendDescriptor) error {
	if f.failIDs[d.ID] {
		return fmt.Errorf("simulated probe failure for %s", d.ID)
	}
	return nil
}

func TestNew_ValidatesInitialSet(t *testing.T) {
	t.Parallel()

	_, err := New([]vmcp.BackendDescriptor{descriptor("a", 1, "echo")}, alwaysOKProber{}, nil)
	require.NoError(t, err)

	bad := vmcp.BackendDescriptor{ID: "bad", Transport: vmcp.TransportSpec{Kind: vmcp.TransportHTTP}}
	_, err = New([]vmcp.BackendDescriptor{bad}, alwaysOKProber{}, nil)
	assert.Error(t, err)
}

func TestApplyUpdate_IncrementsGenerationAndPublishesAtomically(t *testing.T) {
	t.Parallel()

	r, err := New([]vmcp.BackendDescriptor{descriptor("a", 1, "echo")}, alwaysOKProber{}, nil)
	require.NoError(t, err)

	before := r.CurrentSnapshot()
	assert.EqualValues(t, 1, before.Generation)

	gen, err := r.ApplyUpdate(context.Background(), []vmcp.BackendDescriptor{
		descriptor("a", 1, "echo"),
		descriptor("b", 1, "echo"),
	}, DefaultUpdateOptions())
	require.NoError(t, err)
	assert.EqualValues(t, 2, gen)

	after := r.CurrentSnapshot()
	assert.EqualValues(t, 2, after.Generation)
	assert.Len(t, after.Descriptors, 2)

	// Invariant: every reader sees the whole pre-update or post-update
	// snapshot, never a hybrid.
	assert.Len(t, before.Descriptors, 1, "previously-read snapshot must stay untouched")
}

func TestApplyUpdate_NoDanglingToolIndexReferences(t *testing.T) {
	t.Parallel()

	r, err := New([]vmcp.BackendDescriptor{descriptor("a", 1, "echo")}, alwaysOKProber{}, nil)
	require.NoError(t, err)

	snap := r.CurrentSnapshot()
	for tool, ids := range snap.ToolIndex {
		for _, id := range ids {
			_, ok := snap.Descriptors[id]
			assert.True(t, ok, "tool %q references missing backend %q", tool, id)
		}
	}
}

func TestApplyUpdate_RejectsWhenMoreThanHalfProbesFail(t *testing.T) {
	t.Parallel()

	r, err := New(nil, nil, nil)
	require.NoError(t, err)

	r.prober = failingProber{failIDs: map[vmcp.BackendID]bool{"a": true, "b": true}}

	_, err = r.ApplyUpdate(context.Background(), []vmcp.BackendDescriptor{
		descriptor("a", 1, "echo"),
		descriptor("b", 1, "echo"),
		descriptor("c", 1, "echo"),
	}, DefaultUpdateOptions())

	assert.Error(t, err)
	assert.EqualValues(t, 1, r.CurrentSnapshot().Generation, "rejected update must not advance generation")
}

func TestApplyUpdate_AcceptsWhenMinorityOfProbesFail(t *testing.T) {
	t.Parallel()

	r, err := New(nil, nil, nil)
	require.NoError(t, err)
	r.prober = failingProber{failIDs: map[vmcp.BackendID]bool{"a": true}}

	gen, err := r.ApplyUpdate(context.Background(), []vmcp.BackendDescriptor{
		descriptor("a", 1, "echo"),
		descriptor("b", 1, "echo"),
		descriptor("c", 1, "echo"),
	}, DefaultUpdateOptions())

	require.NoError(t, err)
	assert.EqualValues(t, 2, gen)
}

func TestApplyUpdate_RejectsDuplicateBackendID(t *testing.T) {
	t.Parallel()

	r, err := New(nil, alwaysOKProber{}, nil)
	require.NoError(t, err)

	_, err = r.ApplyUpdate(context.Background(), []vmcp.BackendDescriptor{
		descriptor("a", 1, "echo"),
		descriptor("a", 2, "echo"),
	}, DefaultUpdateOptions())

	assert.Error(t, err)
}

func TestApplyUpdate_NoOpProducesSameIndexesNewGeneration(t *testing.T) {
	t.Parallel()

	initial := []vmcp.BackendDescriptor{descriptor("a", 1, "echo"), descriptor("b", 2, "echo")}
	r, err := New(initial, alwaysOKProber{}, nil)
	require.NoError(t, err)

	gen, err := r.ApplyUpdate(context.Background(), initial, DefaultUpdateOptions())
	require.NoError(t, err)
	assert.EqualValues(t, 2, gen)

	snap := r.CurrentSnapshot()
	assert.Equal(t, []vmcp.BackendID{"b", "a"}, snap.ToolIndex["echo"])
}

func TestApplyUpdate_DrainsRemovedBackends(t *testing.T) {
	t.Parallel()

	coord := drain.NewCoordinator(nil)
	r, err := New([]vmcp.BackendDescriptor{descriptor("a", 1, "echo")}, alwaysOKProber{}, coord)
	require.NoError(t, err)

	g, ok := coord.Admit("a")
	require.True(t, ok)

	_, err = r.ApplyUpdate(context.Background(), nil, DefaultUpdateOptions())
	require.NoError(t, err)

	g.Release()

	assert.Eventually(t, func() bool {
		return coord.Phase("a") == drain.Drained
	}, time.Second, 5*time.Millisecond)
}

func TestCurrentSnapshot_ConcurrentReadsDuringUpdate(t *testing.T) {
	t.Parallel()

	r, err := New([]vmcp.BackendDescriptor{descriptor("a", 1, "echo")}, alwaysOKProber{}, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lastGen := vmcp.Generation(0)
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := r.CurrentSnapshot()
				// Monotonic generation invariant (spec §8.3).
				assert.GreaterOrEqual(t, snap.Generation, lastGen)
				lastGen = snap.Generation
			}
		}()
	}

	for i := 0; i < 20; i++ {
		_, err := r.ApplyUpdate(context.Background(), []vmcp.BackendDescriptor{
			descriptor("a", 1, "echo"),
			descriptor(fmt.Sprintf("b%d", i), 1, "echo"),
		}, DefaultUpdateOptions())
		require.NoError(t, err)
	}

	close(stop)
	wg.Wait()
}

func TestImmutableRegistry_RejectsUpdates(t *testing.T) {
	t.Parallel()

	r, err := NewImmutable([]vmcp.BackendDescriptor{descriptor("a", 1, "echo")})
	require.NoError(t, err)

	snap := r.CurrentSnapshot()
	assert.Len(t, snap.Descriptors, 1)

	_, err = r.ApplyUpdate(context.Background(), nil, DefaultUpdateOptions())
	assert.Error(t, err)
}
