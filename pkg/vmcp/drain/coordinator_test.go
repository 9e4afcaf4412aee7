package drain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_AdmitAndRelease(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(nil)

	g, ok := c.Admit("backend-a")
	require.True(t, ok)
	require.NotNil(t, g)
	assert.EqualValues(t, 1, c.ActiveCount("backend-a"))

	g.Release()
	assert.EqualValues(t, 0, c.ActiveCount("backend-a"))

	// Double release must not go negative (spec invariant).
	g.Release()
	assert.EqualValues(t, 0, c.ActiveCount("backend-a"))
	assert.True(t, g.Released())
}

func TestCoordinator_AdmitRefusedWhileDraining(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(nil)
	_, _ = c.Admit("backend-a")

	go func() {
		_, _ = c.Drain(context.Background(), "backend-a", Graceful, 50*time.Millisecond)
	}()

	time.Sleep(5 * time.Millisecond)
	_, ok := c.Admit("backend-a")
	assert.False(t, ok, "no new admission should succeed once draining starts")
}

func TestCoordinator_GracefulDrainWaitsForCompletion(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(nil)
	guards := make([]*Guard, 0, 5)
	for i := 0; i < 5; i++ {
		g, ok := c.Admit("backend-a")
		require.True(t, ok)
		guards = append(guards, g)
	}

	done := make(chan Stats, 1)
	go func() {
		stats, err := c.Drain(context.Background(), "backend-a", Graceful, time.Second)
		require.NoError(t, err)
		done <- stats
	}()

	time.Sleep(10 * time.Millisecond)
	for _, g := range guards {
		g.Release()
	}

	select {
	case stats := <-done:
		assert.EqualValues(t, 5, stats.ConnectionsAtStart)
		assert.EqualValues(t, 5, stats.ConnectionsDrained)
		assert.False(t, stats.TimedOut)
	case <-time.After(time.Second):
		t.Fatal("drain did not complete")
	}

	assert.EqualValues(t, 0, c.ActiveCount("backend-a"))
	assert.Equal(t, Drained, c.Phase("backend-a"))
}

func TestCoordinator_GracefulDrainForceClosesOnTimeout(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(nil)
	_, ok := c.Admit("backend-a")
	require.True(t, ok)

	stats, err := c.Drain(context.Background(), "backend-a", Graceful, 20*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, stats.TimedOut)
	assert.EqualValues(t, 0, c.ActiveCount("backend-a"))
}

func TestCoordinator_ImmediateDrainZeroesCounterInstantly(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(nil)
	for i := 0; i < 3; i++ {
		_, _ = c.Admit("backend-a")
	}

	stats, err := c.Drain(context.Background(), "backend-a", Immediate, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, c.ActiveCount("backend-a"))
	assert.EqualValues(t, 3, stats.ForceClosed)
}

func TestCoordinator_ProgressiveDrainDecaysWeight(t *testing.T) {
	t.Parallel()

	var observed []float64
	c := NewCoordinator(func(_ string, w float64) { observed = append(observed, w) })
	c.ProgressiveStepInterval = 5 * time.Millisecond

	_, _ = c.Admit("backend-a")
	done := make(chan struct{})
	go func() {
		_, _ = c.Drain(context.Background(), "backend-a", Progressive, 200*time.Millisecond)
		close(done)
	}()

	time.Sleep(25 * time.Millisecond)
	c.stateFor("backend-a").release()
	<-done

	assert.NotEmpty(t, observed)
}

func TestCoordinator_ReapRequiresDrainedPhase(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(nil)
	_, _ = c.Admit("backend-a")

	err := c.Reap("backend-a")
	assert.Error(t, err, "cannot reap an active backend")

	_, _ = c.Drain(context.Background(), "backend-a", Immediate, 0)
	err = c.Reap("backend-a")
	assert.NoError(t, err)
	assert.Equal(t, Reaped, c.Phase("backend-a"))
}

func TestCoordinator_RestoreReactivatesBackend(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(nil)
	_, _ = c.Admit("backend-a")
	_, _ = c.Drain(context.Background(), "backend-a", Immediate, 0)

	c.Restore("backend-a")
	assert.Equal(t, Active, c.Phase("backend-a"))

	_, ok := c.Admit("backend-a")
	assert.True(t, ok, "admission should succeed again after restore")
}
