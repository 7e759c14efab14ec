package ramses

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.EnforceKnownList = true
	cfg.KnownDevices = []KnownDevice{{ID: "01:145038", Slug: DevSlugCTL, Alias: "boiler"}}

	require.NoError(t, cfg.Save(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, loaded.EnforceKnownList)
	require.Len(t, loaded.KnownDevices, 1)
	assert.Equal(t, "01:145038", loaded.KnownDevices[0].ID)
	assert.True(t, loaded.IsKnown(MustParseAddress("01:145038")))
	assert.False(t, loaded.IsKnown(MustParseAddress("04:123456")))
}

func TestPersistedStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	packets := []string{sampleZoneTempLine}
	known := []KnownDevice{{ID: "01:145038"}}
	require.NoError(t, SavePersistedState(path, packets, known))

	loaded, err := LoadPersistedState(path)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Schema)
	assert.Equal(t, packets, loaded.Packets)
	assert.Equal(t, known, loaded.KnownDevices)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
