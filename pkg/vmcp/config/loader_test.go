package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestYAMLLoader_LoadsAndAppliesDefaultsForUnsetFields(t *testing.T) {
	t.Parallel()

	path := writeTempConfig(t, `
name: demo
group: prod
`)
	loader := NewYAMLLoader(path, OSReader{})
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "demo", cfg.Name)
	assert.Equal(t, "prod", cfg.Group)
	assert.Equal(t, ":8080", cfg.Ingress.ListenAddr, "unset fields must fall back to Default()")
}

func TestYAMLLoader_InterpolatesEnvironmentVariables(t *testing.T) {
	t.Parallel()

	path := writeTempConfig(t, `
name: ${SERVICE_NAME}
group: ${SERVICE_GROUP:-fallback}
`)
	loader := NewYAMLLoader(path, MapReader{"SERVICE_NAME": "edge-proxy"})
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "edge-proxy", cfg.Name)
	assert.Equal(t, "fallback", cfg.Group, "unset var with a default must expand to the default")
}

func TestYAMLLoader_MissingFileErrors(t *testing.T) {
	t.Parallel()

	loader := NewYAMLLoader(filepath.Join(t.TempDir(), "missing.yaml"), OSReader{})
	_, err := loader.Load()
	assert.Error(t, err)
}

func TestYAMLLoader_InvalidYAMLErrors(t *testing.T) {
	t.Parallel()

	path := writeTempConfig(t, "name: [unterminated")
	loader := NewYAMLLoader(path, OSReader{})
	_, err := loader.Load()
	assert.Error(t, err)
}
