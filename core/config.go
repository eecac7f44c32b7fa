package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend modes. Exactly one backend is active per process.
const (
	BackendRemote    = "remote"
	BackendInProcess = "inprocess"
)

// Config is the root configuration for the execution engine.
// Values are resolved in this order: defaults, environment variables,
// an optional config file, then functional options.
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithBackendURL("http://gee:8000"),
//	    WithMaxTiles(16),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	Backend       BackendConfig       `json:"backend" yaml:"backend"`
	Tiling        TilingConfig        `json:"tiling" yaml:"tiling"`
	Naming        NamingConfig        `json:"naming" yaml:"naming"`
	Persistence   PersistenceConfig   `json:"persistence" yaml:"persistence"`
	Clarification ClarificationConfig `json:"clarification" yaml:"clarification"`
	Resilience    ResilienceConfig    `json:"resilience" yaml:"resilience"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`
	Telemetry     TelemetryConfig     `json:"telemetry" yaml:"telemetry"`
}

// BackendConfig selects and configures the single active geoprocessing backend.
type BackendConfig struct {
	Mode    string        `json:"mode" yaml:"mode" env:"GEOMIND_BACKEND_MODE" default:"remote"`
	BaseURL string        `json:"base_url" yaml:"base_url" env:"GEOMIND_BACKEND_URL" default:"http://gee:8000"`
	Plugin  string        `json:"plugin" yaml:"plugin" env:"GEOMIND_BACKEND_PLUGIN" default:"synthetic"`
	Timeout time.Duration `json:"timeout" yaml:"timeout" env:"GEOMIND_BACKEND_TIMEOUT" default:"180s"`
}

// TilingConfig bounds the tile reassembly engine.
// Workers is the only contention knob for tile downloads.
type TilingConfig struct {
	MaxTiles        int           `json:"max_tiles" yaml:"max_tiles" env:"GEOMIND_MAX_TILES" default:"64"`
	Workers         int           `json:"workers" yaml:"workers" env:"GEOMIND_TILE_WORKERS" default:"4"`
	TileSize        int           `json:"tile_size" yaml:"tile_size" env:"GEOMIND_TILE_SIZE" default:"0"`
	OutputDir       string        `json:"output_dir" yaml:"output_dir" env:"GEOMIND_OUTPUT_DIR"`
	DownloadTimeout time.Duration `json:"download_timeout" yaml:"download_timeout" env:"GEOMIND_DOWNLOAD_TIMEOUT" default:"120s"`
}

// NamingConfig controls artifact identity.
type NamingConfig struct {
	Prefix string `json:"prefix" yaml:"prefix" env:"GEOMIND_TABLE_PREFIX" default:"gee_output_"`
}

// PersistenceConfig configures the handoff sinks.
type PersistenceConfig struct {
	PostGIS PostGISConfig `json:"postgis" yaml:"postgis"`
	Redis   RedisConfig   `json:"redis" yaml:"redis"`
}

// PostGISConfig describes the raster database the artifacts are handed to.
type PostGISConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled" env:"POSTGIS_ENABLED" default:"false"`
	Host       string `json:"host" yaml:"host" env:"POSTGIS_HOST" default:"localhost"`
	Port       int    `json:"port" yaml:"port" env:"POSTGIS_PORT" default:"5432"`
	Database   string `json:"database" yaml:"database" env:"POSTGIS_DB" default:"gis"`
	User       string `json:"user" yaml:"user" env:"POSTGIS_USER" default:"postgres"`
	Password   string `json:"password" yaml:"password" env:"POSTGIS_PASSWORD"`
	Schema     string `json:"schema" yaml:"schema" env:"POSTGIS_SCHEMA" default:"public"`
	SSLMode    string `json:"ssl_mode" yaml:"ssl_mode" env:"POSTGIS_SSLMODE" default:"disable"`
	TileSize   string `json:"tile_size" yaml:"tile_size" env:"POSTGIS_TILE_SIZE" default:"512x512"`
	LoadRaster bool   `json:"load_raster" yaml:"load_raster" env:"POSTGIS_LOAD_RASTER" default:"true"`
}

// DSN renders a lib/pq connection string.
func (p PostGISConfig) DSN() string {
	parts := []string{
		"host=" + p.Host,
		"port=" + strconv.Itoa(p.Port),
		"dbname=" + p.Database,
		"user=" + p.User,
		"sslmode=" + p.SSLMode,
	}
	if p.Password != "" {
		parts = append(parts, "password="+p.Password)
	}
	return strings.Join(parts, " ")
}

// RedisConfig configures the artifact registry used by display collaborators.
type RedisConfig struct {
	Enabled   bool          `json:"enabled" yaml:"enabled" env:"GEOMIND_REDIS_ENABLED" default:"false"`
	URL       string        `json:"url" yaml:"url" env:"GEOMIND_REDIS_URL"`
	DB        int           `json:"db" yaml:"db" env:"GEOMIND_REDIS_DB" default:"0"`
	KeyPrefix string        `json:"key_prefix" yaml:"key_prefix" env:"GEOMIND_REDIS_PREFIX" default:"geomind:artifact:"`
	TTL       time.Duration `json:"ttl" yaml:"ttl" env:"GEOMIND_REDIS_TTL" default:"0"`
}

// ClarificationConfig bounds the clarification loop.
// MaxIterations of 0 means unbounded; InputTimeout of 0 waits forever.
type ClarificationConfig struct {
	MaxIterations      int           `json:"max_iterations" yaml:"max_iterations" env:"GEOMIND_MAX_ITERATIONS" default:"8"`
	InputTimeout       time.Duration `json:"input_timeout" yaml:"input_timeout" env:"GEOMIND_INPUT_TIMEOUT" default:"0"`
	MaxRepairs         int           `json:"max_repairs" yaml:"max_repairs" env:"GEOMIND_MAX_REPAIRS" default:"10"`
	MaxRepairsPerError int           `json:"max_repairs_per_error" yaml:"max_repairs_per_error" env:"GEOMIND_MAX_REPAIRS_PER_ERROR" default:"3"`
}

// ResilienceConfig contains the caller-side retry policy for backend calls.
type ResilienceConfig struct {
	Retry          RetryConfig          `json:"retry" yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
}

// RetryConfig defines retry pattern settings with exponential backoff.
// Formula: interval = min(InitialInterval * (Multiplier ^ attempt), MaxInterval)
type RetryConfig struct {
	Enabled         bool          `json:"enabled" yaml:"enabled" env:"GEOMIND_RETRY_ENABLED" default:"false"`
	MaxAttempts     int           `json:"max_attempts" yaml:"max_attempts" env:"GEOMIND_RETRY_MAX_ATTEMPTS" default:"3"`
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval" env:"GEOMIND_RETRY_INITIAL_INTERVAL" default:"1s"`
	MaxInterval     time.Duration `json:"max_interval" yaml:"max_interval" env:"GEOMIND_RETRY_MAX_INTERVAL" default:"30s"`
	Multiplier      float64       `json:"multiplier" yaml:"multiplier" env:"GEOMIND_RETRY_MULTIPLIER" default:"2.0"`
}

// CircuitBreakerConfig defines circuit breaker pattern settings.
type CircuitBreakerConfig struct {
	Enabled   bool          `json:"enabled" yaml:"enabled" env:"GEOMIND_CB_ENABLED" default:"false"`
	Threshold int           `json:"threshold" yaml:"threshold" env:"GEOMIND_CB_THRESHOLD" default:"5"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout" env:"GEOMIND_CB_TIMEOUT" default:"30s"`
}

// LoggingConfig contains logging configuration.
// Supports structured (JSON) and human-readable (text) formats.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"GEOMIND_LOG_LEVEL" default:"info"`
	Format string `json:"format" yaml:"format" env:"GEOMIND_LOG_FORMAT" default:"json"`
	Output string `json:"output" yaml:"output" env:"GEOMIND_LOG_OUTPUT" default:"stderr"`
}

// TelemetryConfig contains OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled" env:"GEOMIND_TELEMETRY_ENABLED" default:"false"`
	Exporter     string  `json:"exporter" yaml:"exporter" env:"GEOMIND_TELEMETRY_EXPORTER" default:"otlp"`
	Endpoint     string  `json:"endpoint" yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string  `json:"service_name" yaml:"service_name" env:"OTEL_SERVICE_NAME" default:"geomind"`
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate" env:"GEOMIND_TELEMETRY_SAMPLING_RATE" default:"1.0"`
	Insecure     bool    `json:"insecure" yaml:"insecure" env:"GEOMIND_TELEMETRY_INSECURE" default:"true"`

	// MetricsEndpoint is an OTLP/HTTP collector address for metrics. Empty
	// keeps the meter provider in-process.
	MetricsEndpoint string `json:"metrics_endpoint" yaml:"metrics_endpoint" env:"OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"`
}

// Option is a functional option for configuring the engine.
// Options are applied in order and can return an error if the configuration is invalid.
type Option func(*Config) error

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Mode:    BackendRemote,
			BaseURL: "http://gee:8000",
			Plugin:  "synthetic",
			Timeout: 180 * time.Second,
		},
		Tiling: TilingConfig{
			MaxTiles:        64,
			Workers:         4,
			OutputDir:       filepath.Join(os.TempDir(), "geomind"),
			DownloadTimeout: 120 * time.Second,
		},
		Naming: NamingConfig{
			Prefix: "gee_output_",
		},
		Persistence: PersistenceConfig{
			PostGIS: PostGISConfig{
				Host:       "localhost",
				Port:       5432,
				Database:   "gis",
				User:       "postgres",
				Schema:     "public",
				SSLMode:    "disable",
				TileSize:   "512x512",
				LoadRaster: true,
			},
			Redis: RedisConfig{
				KeyPrefix: "geomind:artifact:",
			},
		},
		Clarification: ClarificationConfig{
			MaxIterations:      8,
			MaxRepairs:         10,
			MaxRepairsPerError: 3,
		},
		Resilience: ResilienceConfig{
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: time.Second,
				MaxInterval:     30 * time.Second,
				Multiplier:      2.0,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Threshold: 5,
				Timeout:   30 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Telemetry: TelemetryConfig{
			Exporter:     "otlp",
			ServiceName:  "geomind",
			SamplingRate: 1.0,
			Insecure:     true,
		},
	}
}

// LoadFromEnv loads configuration from environment variables.
// Legacy variable names (GEE_PLUGIN_URL, ACTIVE_PLUGIN_EXECUTOR, POSTGIS_TABLE_PREFIX, REDIS_URL)
// are honoured when the GEOMIND_ variants are absent.
func (c *Config) LoadFromEnv() error {
	// Backend
	if v := os.Getenv("GEOMIND_BACKEND_MODE"); v != "" {
		c.Backend.Mode = strings.ToLower(v)
	}
	if v := firstEnv("GEOMIND_BACKEND_URL", "GEE_PLUGIN_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := firstEnv("GEOMIND_BACKEND_PLUGIN", "ACTIVE_PLUGIN_EXECUTOR"); v != "" {
		c.Backend.Plugin = v
	}
	if v := os.Getenv("GEOMIND_BACKEND_TIMEOUT"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return envError("GEOMIND_BACKEND_TIMEOUT", v, err)
		}
		c.Backend.Timeout = d
	}

	// Tiling
	if err := envInt("GEOMIND_MAX_TILES", &c.Tiling.MaxTiles); err != nil {
		return err
	}
	if err := envInt("GEOMIND_TILE_WORKERS", &c.Tiling.Workers); err != nil {
		return err
	}
	if err := envInt("GEOMIND_TILE_SIZE", &c.Tiling.TileSize); err != nil {
		return err
	}
	if v := os.Getenv("GEOMIND_OUTPUT_DIR"); v != "" {
		c.Tiling.OutputDir = v
	}
	if v := os.Getenv("GEOMIND_DOWNLOAD_TIMEOUT"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return envError("GEOMIND_DOWNLOAD_TIMEOUT", v, err)
		}
		c.Tiling.DownloadTimeout = d
	}

	// Naming
	if v := firstEnv("GEOMIND_TABLE_PREFIX", "POSTGIS_TABLE_PREFIX"); v != "" {
		c.Naming.Prefix = v
	}

	// PostGIS
	pg := &c.Persistence.PostGIS
	if v := os.Getenv("POSTGIS_ENABLED"); v != "" {
		pg.Enabled = parseBool(v)
	}
	if v := os.Getenv("POSTGIS_HOST"); v != "" {
		pg.Host = v
	}
	if err := envInt("POSTGIS_PORT", &pg.Port); err != nil {
		return err
	}
	if v := os.Getenv("POSTGIS_DB"); v != "" {
		pg.Database = v
	}
	if v := os.Getenv("POSTGIS_USER"); v != "" {
		pg.User = v
	}
	if v := os.Getenv("POSTGIS_PASSWORD"); v != "" {
		pg.Password = v
	}
	if v := os.Getenv("POSTGIS_SCHEMA"); v != "" {
		pg.Schema = v
	}
	if v := os.Getenv("POSTGIS_SSLMODE"); v != "" {
		pg.SSLMode = v
	}
	if v := os.Getenv("POSTGIS_TILE_SIZE"); v != "" {
		pg.TileSize = v
	}
	if v := os.Getenv("POSTGIS_LOAD_RASTER"); v != "" {
		pg.LoadRaster = parseBool(v)
	}

	// Redis
	rc := &c.Persistence.Redis
	if v := os.Getenv("GEOMIND_REDIS_ENABLED"); v != "" {
		rc.Enabled = parseBool(v)
	}
	if v := firstEnv("GEOMIND_REDIS_URL", "REDIS_URL"); v != "" {
		rc.URL = v
	}
	if err := envInt("GEOMIND_REDIS_DB", &rc.DB); err != nil {
		return err
	}
	if v := os.Getenv("GEOMIND_REDIS_PREFIX"); v != "" {
		rc.KeyPrefix = v
	}
	if v := os.Getenv("GEOMIND_REDIS_TTL"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return envError("GEOMIND_REDIS_TTL", v, err)
		}
		rc.TTL = d
	}

	// Clarification
	cl := &c.Clarification
	if err := envInt("GEOMIND_MAX_ITERATIONS", &cl.MaxIterations); err != nil {
		return err
	}
	if v := os.Getenv("GEOMIND_INPUT_TIMEOUT"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return envError("GEOMIND_INPUT_TIMEOUT", v, err)
		}
		cl.InputTimeout = d
	}
	if err := envInt("GEOMIND_MAX_REPAIRS", &cl.MaxRepairs); err != nil {
		return err
	}
	if err := envInt("GEOMIND_MAX_REPAIRS_PER_ERROR", &cl.MaxRepairsPerError); err != nil {
		return err
	}

	// Resilience
	rt := &c.Resilience.Retry
	if v := os.Getenv("GEOMIND_RETRY_ENABLED"); v != "" {
		rt.Enabled = parseBool(v)
	}
	if err := envInt("GEOMIND_RETRY_MAX_ATTEMPTS", &rt.MaxAttempts); err != nil {
		return err
	}
	if v := os.Getenv("GEOMIND_RETRY_INITIAL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			rt.InitialInterval = d
		}
	}
	if v := os.Getenv("GEOMIND_RETRY_MAX_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			rt.MaxInterval = d
		}
	}
	if v := os.Getenv("GEOMIND_RETRY_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			rt.Multiplier = f
		}
	}
	cb := &c.Resilience.CircuitBreaker
	if v := os.Getenv("GEOMIND_CB_ENABLED"); v != "" {
		cb.Enabled = parseBool(v)
	}
	if err := envInt("GEOMIND_CB_THRESHOLD", &cb.Threshold); err != nil {
		return err
	}
	if v := os.Getenv("GEOMIND_CB_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cb.Timeout = d
		}
	}

	// Logging
	if v := os.Getenv("GEOMIND_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GEOMIND_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("GEOMIND_LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}

	// Telemetry
	if v := os.Getenv("GEOMIND_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("GEOMIND_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"); v != "" {
		c.Telemetry.MetricsEndpoint = v
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}
	if v := os.Getenv("GEOMIND_TELEMETRY_SAMPLING_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Telemetry.SamplingRate = f
		}
	}
	if v := os.Getenv("GEOMIND_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = parseBool(v)
	}

	return nil
}

// LoadFromFile loads configuration from a JSON or YAML file.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)

	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file extension %s: %w", ext, ErrInvalidConfiguration)
	}

	data, err := os.ReadFile(cleanPath) // nosec G304 -- operator-supplied config path
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	switch ext {
	case ".json":
		var raw map[string]interface{}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("failed to parse JSON config file: %v: %w", err, ErrInvalidConfiguration)
		}
		if err := jsonDurations(raw, reflect.TypeOf(*c), ""); err != nil {
			return err
		}
		if data, err = json.Marshal(raw); err == nil {
			err = json.Unmarshal(data, c)
		}
		if err != nil {
			return fmt.Errorf("failed to parse JSON config file: %v: %w", err, ErrInvalidConfiguration)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse YAML config file: %v: %w", err, ErrInvalidConfiguration)
		}
	}

	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Backend.Mode {
	case BackendRemote:
		if c.Backend.BaseURL == "" {
			return configError("backend base URL is required in remote mode", ErrMissingConfiguration)
		}
	case BackendInProcess:
		if c.Backend.Plugin == "" {
			return configError("backend plugin is required in inprocess mode", ErrMissingConfiguration)
		}
	default:
		return configError(fmt.Sprintf("invalid backend mode: %q", c.Backend.Mode), ErrInvalidConfiguration)
	}

	if c.Backend.Timeout <= 0 {
		return configError("backend timeout must be positive", ErrInvalidConfiguration)
	}
	if c.Tiling.MaxTiles < 1 {
		return configError(fmt.Sprintf("invalid max tiles: %d", c.Tiling.MaxTiles), ErrInvalidConfiguration)
	}
	if c.Tiling.Workers < 1 {
		return configError(fmt.Sprintf("invalid tile workers: %d", c.Tiling.Workers), ErrInvalidConfiguration)
	}
	if c.Tiling.TileSize < 0 {
		return configError(fmt.Sprintf("invalid tile size: %d", c.Tiling.TileSize), ErrInvalidConfiguration)
	}
	if c.Tiling.OutputDir == "" {
		return configError("tiling output directory is required", ErrMissingConfiguration)
	}
	if c.Clarification.MaxIterations < 0 {
		return configError("max iterations cannot be negative", ErrInvalidConfiguration)
	}
	if c.Clarification.MaxRepairs < 0 || c.Clarification.MaxRepairsPerError < 0 {
		return configError("repair limits cannot be negative", ErrInvalidConfiguration)
	}
	if c.Persistence.PostGIS.Enabled && (c.Persistence.PostGIS.Host == "" || c.Persistence.PostGIS.Database == "") {
		return configError("postgis host and database are required when postgis is enabled", ErrMissingConfiguration)
	}
	if c.Persistence.Redis.Enabled && c.Persistence.Redis.URL == "" {
		return configError("redis URL is required when the redis registry is enabled", ErrMissingConfiguration)
	}
	if c.Telemetry.Enabled {
		switch c.Telemetry.Exporter {
		case "otlp", "otlp-http":
			if c.Telemetry.Endpoint == "" {
				return configError("telemetry endpoint is required for the "+c.Telemetry.Exporter+" exporter", ErrMissingConfiguration)
			}
		case "stdout":
		default:
			return configError(fmt.Sprintf("unknown telemetry exporter: %q", c.Telemetry.Exporter), ErrInvalidConfiguration)
		}
	}

	return nil
}

// Helper functions

func configError(msg string, err error) error {
	return &FrameworkError{
		Op:      "Config.Validate",
		Kind:    "config",
		Message: msg,
		Err:     err,
	}
}

func envError(name, value string, err error) error {
	return &FrameworkError{
		Op:      "Config.LoadFromEnv",
		Kind:    "config",
		Message: fmt.Sprintf("invalid value %q for %s: %v", value, name, err),
		Err:     ErrInvalidConfiguration,
	}
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return envError(name, v, err)
	}
	*dst = n
	return nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

var durationType = reflect.TypeOf(time.Duration(0))

// jsonDurations rewrites duration strings ("180s", "2m") in a decoded JSON
// object to nanoseconds, walking the struct type t by its json tags.
// Numeric values are left as nanoseconds.
func jsonDurations(obj map[string]interface{}, t reflect.Type, prefix string) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := strings.Split(f.Tag.Get("json"), ",")[0]
		if name == "" || name == "-" {
			continue
		}
		for key, v := range obj {
			if !strings.EqualFold(key, name) {
				continue
			}
			switch {
			case f.Type == durationType:
				str, ok := v.(string)
				if !ok {
					continue
				}
				d, err := parseDuration(str)
				if err != nil {
					return fmt.Errorf("invalid duration for %s%s: %q: %w", prefix, name, str, ErrInvalidConfiguration)
				}
				obj[key] = int64(d)
			case f.Type.Kind() == reflect.Struct:
				if sub, ok := v.(map[string]interface{}); ok {
					if err := jsonDurations(sub, f.Type, prefix+name+"."); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// parseDuration accepts Go durations ("90s") and bare seconds ("180").
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// parseBool converts a string to a boolean value.
// Accepts: "true", "1", "yes", "on" (case-insensitive) as true.
// Everything else is false.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// Functional Options

// WithBackendURL selects the remote backend at the given base URL.
func WithBackendURL(url string) Option {
	return func(c *Config) error {
		if url == "" {
			return configError("backend URL cannot be empty", ErrInvalidConfiguration)
		}
		c.Backend.Mode = BackendRemote
		c.Backend.BaseURL = strings.TrimRight(url, "/")
		return nil
	}
}

// WithInProcessPlugin selects the in-process backend with the named registered plugin.
func WithInProcessPlugin(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return configError("plugin name cannot be empty", ErrInvalidConfiguration)
		}
		c.Backend.Mode = BackendInProcess
		c.Backend.Plugin = name
		return nil
	}
}

// WithBackendTimeout sets the per-call backend timeout.
func WithBackendTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.Backend.Timeout = d
		return nil
	}
}

// WithMaxTiles caps the tile grid size accepted from the backend.
func WithMaxTiles(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return configError(fmt.Sprintf("invalid max tiles: %d", n), ErrInvalidConfiguration)
		}
		c.Tiling.MaxTiles = n
		return nil
	}
}

// WithTileWorkers sets the bounded download pool size.
func WithTileWorkers(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return configError(fmt.Sprintf("invalid tile workers: %d", n), ErrInvalidConfiguration)
		}
		c.Tiling.Workers = n
		return nil
	}
}

// WithOutputDir sets where materialized artifacts are written.
func WithOutputDir(dir string) Option {
	return func(c *Config) error {
		c.Tiling.OutputDir = dir
		return nil
	}
}

// WithNamePrefix sets the artifact namespace prefix.
func WithNamePrefix(prefix string) Option {
	return func(c *Config) error {
		c.Naming.Prefix = prefix
		return nil
	}
}

// WithPostGIS enables the PostGIS handoff sink.
func WithPostGIS(pg PostGISConfig) Option {
	return func(c *Config) error {
		pg.Enabled = true
		c.Persistence.PostGIS = pg
		return nil
	}
}

// WithRedisRegistry enables the Redis artifact registry.
func WithRedisRegistry(url string) Option {
	return func(c *Config) error {
		c.Persistence.Redis.Enabled = true
		c.Persistence.Redis.URL = url
		return nil
	}
}

// WithMaxIterations bounds the clarification loop; 0 means unbounded.
func WithMaxIterations(n int) Option {
	return func(c *Config) error {
		c.Clarification.MaxIterations = n
		return nil
	}
}

// WithInputTimeout bounds how long the loop waits for external input.
func WithInputTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.Clarification.InputTimeout = d
		return nil
	}
}

// WithRetry enables caller-side retry of backend calls.
func WithRetry(maxAttempts int, initialInterval time.Duration) Option {
	return func(c *Config) error {
		c.Resilience.Retry.Enabled = true
		c.Resilience.Retry.MaxAttempts = maxAttempts
		c.Resilience.Retry.InitialInterval = initialInterval
		return nil
	}
}

// WithLogLevel sets the log level.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithTelemetry enables tracing with the given exporter and endpoint.
func WithTelemetry(exporter, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = exporter
		c.Telemetry.Endpoint = endpoint
		return nil
	}
}

// WithConfigFile loads configuration from a file.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// NewConfig creates a new configuration with the given options.
// Options override environment variables, which override defaults.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
