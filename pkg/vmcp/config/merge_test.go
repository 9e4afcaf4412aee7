package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeOverrides_OverrideWinsOverBase(t *testing.T) {
	t.Parallel()

	base := Default()
	overrides := &Config{Ingress: IngressConfig{ListenAddr: ":9090"}}

	merged, err := MergeOverrides(base, overrides)
	require.NoError(t, err)
	assert.Equal(t, ":9090", merged.Ingress.ListenAddr)
}

func TestMergeOverrides_ZeroValueOverrideFieldsKeepBase(t *testing.T) {
	t.Parallel()

	base := Default()
	overrides := &Config{Ingress: IngressConfig{ListenAddr: ":9090"}}

	merged, err := MergeOverrides(base, overrides)
	require.NoError(t, err)
	assert.Equal(t, base.Registry.VirtualNodes, merged.Registry.VirtualNodes, "unset override fields must not clobber base defaults")
}
