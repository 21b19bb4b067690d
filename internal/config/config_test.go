package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "./cache", cfg.Cache.Dir)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 3*time.Second, cfg.ArchiveTimeout())
	assert.Equal(t, 10*time.Second, cfg.RestPageTimeout())
	assert.Equal(t, 48*time.Hour, cfg.PublicationDelay())
	assert.Equal(t, 4, cfg.FCP.Parallelism)
	assert.Equal(t, 6000, cfg.Rest.WeightPerMinute)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"cache": {"dir": "/data/klines", "enabled": true},
		"fcp": {"publication_delay": "24h", "parallelism": 8}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/klines", cfg.Cache.Dir)
	assert.Equal(t, 24*time.Hour, cfg.PublicationDelay())
	assert.Equal(t, 8, cfg.FCP.Parallelism)
	// Untouched sections keep defaults.
	assert.Equal(t, 2, cfg.Archive.MaxRetries)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"fcp": {"parallelism": 8, "publication_delay": "48h"}}`), 0o644))

	t.Setenv("KLINE_PARALLELISM", "2")
	t.Setenv("KLINE_CACHE_DIR", "/env/cache")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.FCP.Parallelism)
	assert.Equal(t, "/env/cache", cfg.Cache.Dir)
}

func TestValidateRejectsBadDurations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Archive.Timeout = "three seconds"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.FCP.Parallelism = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Cache.Dir = ""
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.FCP.Parallelism)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
