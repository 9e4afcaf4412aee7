package ingress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdmission_AllowsUpToMaxInFlight(t *testing.T) {
	t.Parallel()

	a := NewAdmission(AdmissionConfig{MaxInFlight: 2, RatePerSecond: 1000, Burst: 1000})

	assert.True(t, a.TryAdmit())
	assert.True(t, a.TryAdmit())
	assert.False(t, a.TryAdmit(), "third concurrent admission must be refused")

	a.Release()
	assert.True(t, a.TryAdmit(), "releasing a slot must free capacity for the next admission")
}

func TestAdmission_RateLimitRefusesBurstsAboveLimit(t *testing.T) {
	t.Parallel()

	a := NewAdmission(AdmissionConfig{MaxInFlight: 1000, RatePerSecond: 1, Burst: 1})

	assert.True(t, a.TryAdmit())
	assert.False(t, a.TryAdmit(), "second immediate call must exceed the burst-1 token bucket")
}

func TestDefaultAdmissionConfig_IsUsedWhenMaxInFlightUnset(t *testing.T) {
	t.Parallel()

	a := NewAdmission(AdmissionConfig{})
	assert.True(t, a.TryAdmit())
}
