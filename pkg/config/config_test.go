package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverridesOnlySetFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spiderd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("threadMaximum: 32\nlogLevel: debug\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.ThreadMaximum)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, Default().CatalogRootDir, cfg.CatalogRootDir)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDefaultWatchdogMaxTime(t *testing.T) {
	assert.Equal(t, 5*time.Minute, Default().WatchdogMaxTime)
}
