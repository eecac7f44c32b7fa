package core

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultConfig verifies that DefaultConfig returns valid defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NotNil(t, cfg)
	assert.Equal(t, BackendRemote, cfg.Backend.Mode)
	assert.Equal(t, "http://gee:8000", cfg.Backend.BaseURL)
	assert.Equal(t, 180*time.Second, cfg.Backend.Timeout)

	assert.Equal(t, 64, cfg.Tiling.MaxTiles)
	assert.Equal(t, 4, cfg.Tiling.Workers)
	assert.NotEmpty(t, cfg.Tiling.OutputDir)

	assert.Equal(t, "gee_output_", cfg.Naming.Prefix)
	assert.Equal(t, "public", cfg.Persistence.PostGIS.Schema)
	assert.Equal(t, "512x512", cfg.Persistence.PostGIS.TileSize)
	assert.False(t, cfg.Persistence.PostGIS.Enabled)

	assert.Equal(t, 8, cfg.Clarification.MaxIterations)
	assert.Equal(t, 10, cfg.Clarification.MaxRepairs)
	assert.Equal(t, 3, cfg.Clarification.MaxRepairsPerError)

	assert.NoError(t, cfg.Validate())
}

// TestLoadFromEnv verifies environment overrides including legacy names
func TestLoadFromEnv(t *testing.T) {
	t.Run("legacy names", func(t *testing.T) {
		t.Setenv("GEE_PLUGIN_URL", "http://legacy:9000")
		t.Setenv("ACTIVE_PLUGIN_EXECUTOR", "dummy")
		t.Setenv("POSTGIS_TABLE_PREFIX", "raster_")
		t.Setenv("POSTGIS_ENABLED", "yes")
		t.Setenv("POSTGIS_PORT", "6543")

		cfg := DefaultConfig()
		require.NoError(t, cfg.LoadFromEnv())

		assert.Equal(t, "http://legacy:9000", cfg.Backend.BaseURL)
		assert.Equal(t, "dummy", cfg.Backend.Plugin)
		assert.Equal(t, "raster_", cfg.Naming.Prefix)
		assert.True(t, cfg.Persistence.PostGIS.Enabled)
		assert.Equal(t, 6543, cfg.Persistence.PostGIS.Port)
	})

	t.Run("geomind names win", func(t *testing.T) {
		t.Setenv("GEE_PLUGIN_URL", "http://legacy:9000")
		t.Setenv("GEOMIND_BACKEND_URL", "http://primary:8000")
		t.Setenv("GEOMIND_BACKEND_TIMEOUT", "90")
		t.Setenv("GEOMIND_MAX_TILES", "9")
		t.Setenv("GEOMIND_INPUT_TIMEOUT", "2m")

		cfg := DefaultConfig()
		require.NoError(t, cfg.LoadFromEnv())

		assert.Equal(t, "http://primary:8000", cfg.Backend.BaseURL)
		assert.Equal(t, 90*time.Second, cfg.Backend.Timeout)
		assert.Equal(t, 9, cfg.Tiling.MaxTiles)
		assert.Equal(t, 2*time.Minute, cfg.Clarification.InputTimeout)
	})

	t.Run("bad integer", func(t *testing.T) {
		t.Setenv("GEOMIND_TILE_WORKERS", "many")

		cfg := DefaultConfig()
		err := cfg.LoadFromEnv()
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidConfiguration))
	})
}

// TestLoadFromFile covers JSON and YAML files
func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "geomind.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
backend:
  mode: inprocess
  plugin: synthetic
tiling:
  max_tiles: 4
  workers: 2
clarification:
  max_iterations: 0
  input_timeout: 45s
`), 0o600))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromFile(yamlPath))
	assert.Equal(t, BackendInProcess, cfg.Backend.Mode)
	assert.Equal(t, 4, cfg.Tiling.MaxTiles)
	assert.Equal(t, 2, cfg.Tiling.Workers)
	assert.Equal(t, 0, cfg.Clarification.MaxIterations)
	assert.Equal(t, 45*time.Second, cfg.Clarification.InputTimeout)
	// untouched sections keep defaults
	assert.Equal(t, "gee_output_", cfg.Naming.Prefix)

	jsonPath := filepath.Join(dir, "geomind.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"naming":{"prefix":"x_"}}`), 0o600))
	require.NoError(t, cfg.LoadFromFile(jsonPath))
	assert.Equal(t, "x_", cfg.Naming.Prefix)

	durPath := filepath.Join(dir, "durations.json")
	require.NoError(t, os.WriteFile(durPath, []byte(`{
  "backend": {"timeout": "90s"},
  "tiling": {"download_timeout": 5000000000},
  "clarification": {"input_timeout": "2m"},
  "resilience": {"retry": {"initial_interval": "250ms"}}
}`), 0o600))
	require.NoError(t, cfg.LoadFromFile(durPath))
	assert.Equal(t, 90*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Tiling.DownloadTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Clarification.InputTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Resilience.Retry.InitialInterval)
	assert.Equal(t, "x_", cfg.Naming.Prefix)

	badDur := filepath.Join(dir, "bad-duration.json")
	require.NoError(t, os.WriteFile(badDur, []byte(`{"backend": {"timeout": "soon"}}`), 0o600))
	err := cfg.LoadFromFile(badDur)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
	assert.ErrorContains(t, err, "backend.timeout")

	err = cfg.LoadFromFile(filepath.Join(dir, "geomind.toml"))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	badPath := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badPath, []byte(`{`), 0o600))
	assert.ErrorIs(t, cfg.LoadFromFile(badPath), ErrInvalidConfiguration)
}

// TestValidate covers the rejection paths
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"unknown mode", func(c *Config) { c.Backend.Mode = "grpc" }, ErrInvalidConfiguration},
		{"remote without url", func(c *Config) { c.Backend.BaseURL = "" }, ErrMissingConfiguration},
		{"inprocess without plugin", func(c *Config) {
			c.Backend.Mode = BackendInProcess
			c.Backend.Plugin = ""
		}, ErrMissingConfiguration},
		{"zero max tiles", func(c *Config) { c.Tiling.MaxTiles = 0 }, ErrInvalidConfiguration},
		{"zero workers", func(c *Config) { c.Tiling.Workers = 0 }, ErrInvalidConfiguration},
		{"negative iterations", func(c *Config) { c.Clarification.MaxIterations = -1 }, ErrInvalidConfiguration},
		{"redis without url", func(c *Config) { c.Persistence.Redis.Enabled = true }, ErrMissingConfiguration},
		{"otlp without endpoint", func(c *Config) { c.Telemetry.Enabled = true }, ErrMissingConfiguration},
		{"unknown exporter", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.Exporter = "zipkin"
		}, ErrInvalidConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var fe *FrameworkError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, "config", fe.Kind)
		})
	}
}

// TestNewConfigOptions verifies option precedence over environment
func TestNewConfigOptions(t *testing.T) {
	t.Setenv("GEOMIND_MAX_TILES", "100")

	cfg, err := NewConfig(
		WithInProcessPlugin("synthetic"),
		WithMaxTiles(12),
		WithTileWorkers(3),
		WithNamePrefix("raster_"),
		WithMaxIterations(0),
	)
	require.NoError(t, err)
	assert.Equal(t, BackendInProcess, cfg.Backend.Mode)
	assert.Equal(t, 12, cfg.Tiling.MaxTiles)
	assert.Equal(t, 3, cfg.Tiling.Workers)
	assert.Equal(t, "raster_", cfg.Naming.Prefix)
	assert.Equal(t, 0, cfg.Clarification.MaxIterations)

	_, err = NewConfig(WithMaxTiles(0))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestPostGISDSN(t *testing.T) {
	pg := DefaultConfig().Persistence.PostGIS
	assert.Equal(t, "host=localhost port=5432 dbname=gis user=postgres sslmode=disable", pg.DSN())

	pg.Password = "secret"
	assert.Contains(t, pg.DSN(), "password=secret")
}
