package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":4700", c.Addr)
	assert.Equal(t, 3, c.MaxDepth)
	assert.Equal(t, 25, c.MaxFleet)
	assert.Equal(t, 3, c.MaxRestarts)
	assert.Equal(t, 5000, c.DismissGraceMS)
	assert.Equal(t, 15000, c.HealthTickMS)
	assert.Equal(t, 1000, c.PollIntervalMS)
	assert.False(t, c.PheromoneDecay.Enabled)
	assert.NotEmpty(t, c.DBPath)
}

func TestLoadPrefixedEnvOverride(t *testing.T) {
	t.Setenv("FLEETMUX_MAX_FLEET", "50")
	t.Setenv("FLEETMUX_ADDR", ":9999")
	t.Setenv("FLEETMUX_PHEROMONE_DECAY__ENABLED", "true")

	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 50, c.MaxFleet)
	assert.Equal(t, ":9999", c.Addr)
	assert.True(t, c.PheromoneDecay.Enabled)
}

func TestLoadBareEnvOverride(t *testing.T) {
	t.Setenv("MAX_DEPTH", "5")
	t.Setenv("DISMISS_GRACE_MS", "1234")

	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5, c.MaxDepth)
	assert.Equal(t, 1234, c.DismissGraceMS)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetmux.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \":7100\"\nmax_fleet: 10\n"), 0o600))

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7100", c.Addr)
	assert.Equal(t, 10, c.MaxFleet)
	// Untouched keys keep defaults.
	assert.Equal(t, 3, c.MaxDepth)
}

func TestValidate(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	c.DBPath = ":memory:"
	require.NoError(t, c.Validate())

	c.Addr = ""
	assert.Error(t, c.Validate())

	c.Addr = ":4700"
	c.MaxFleet = 0
	assert.Error(t, c.Validate())
}
