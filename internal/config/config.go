package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Cache backends understood by the client.
const (
	CacheBackendSQLite = "sqlite"
	CacheBackendBadger = "badger"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Database        DatabaseConfig        `yaml:"database"`
	Auth            AuthConfig            `yaml:"auth"`
	Worker          WorkerConfig          `yaml:"worker"`
	Log             LogConfig             `yaml:"log"`
	SnapshotStorage SnapshotStorageConfig `yaml:"snapshot_storage"`
	Client          ClientConfig          `yaml:"client"`
	Cache           CacheConfig           `yaml:"cache"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	// DeleteRate is the number of part deletions allowed per minute per client.
	DeleteRate int `yaml:"delete_rate"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig contains authentication settings. The same key is used by the
// server to authenticate requests and by the client to send them.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	RollupInterval   Duration `yaml:"rollup_interval"`
	SnapshotInterval Duration `yaml:"snapshot_interval"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SnapshotStorageConfig contains S3-compatible snapshot storage settings.
// An empty bucket keeps snapshots local.
type SnapshotStorageConfig struct {
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	Prefix    string   `yaml:"prefix"`
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
	AccessKey string   `yaml:"-"` // env-only
	SecretKey string   `yaml:"-"` // env-only
}

// ClientConfig contains settings of the tracker client used by the CLI.
type ClientConfig struct {
	ServerURL string   `yaml:"server_url"`
	Timeout   Duration `yaml:"timeout"`
}

// CacheConfig selects the client's local tooling detail cache.
type CacheConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("FOUNDRY_CONFIG_PATH", "config/foundry.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	useSSL := true
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			DeleteRate:      30,
		},
		Database: DatabaseConfig{
			Path: "data/foundry.db",
		},
		Worker: WorkerConfig{
			RollupInterval:   Duration(15 * time.Minute),
			SnapshotInterval: Duration(1 * time.Hour),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		SnapshotStorage: SnapshotStorageConfig{
			Region:    "us-east-1",
			Prefix:    "foundry",
			UseSSL:    &useSSL,
			URLExpiry: Duration(15 * time.Minute),
		},
		Client: ClientConfig{
			ServerURL: "http://localhost:8080",
			Timeout:   Duration(10 * time.Second),
		},
		Cache: CacheConfig{
			Backend: CacheBackendSQLite,
			Path:    "data/tooling-cache.db",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	envInt("FOUNDRY_PORT", &cfg.Server.Port)
	envDuration("FOUNDRY_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("FOUNDRY_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("FOUNDRY_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	envInt("FOUNDRY_DELETE_RATE", &cfg.Server.DeleteRate)

	// Database
	envString("FOUNDRY_DB_PATH", &cfg.Database.Path)

	// Auth
	envString("FOUNDRY_API_KEY", &cfg.Auth.APIKey)

	// Worker
	envDuration("FOUNDRY_ROLLUP_INTERVAL", &cfg.Worker.RollupInterval)
	envDuration("FOUNDRY_SNAPSHOT_INTERVAL", &cfg.Worker.SnapshotInterval)

	// Log
	envString("FOUNDRY_LOG_LEVEL", &cfg.Log.Level)
	envString("FOUNDRY_LOG_FORMAT", &cfg.Log.Format)

	// Snapshot storage
	envString("FOUNDRY_SNAPSHOT_BUCKET", &cfg.SnapshotStorage.Bucket)
	envString("FOUNDRY_S3_ENDPOINT", &cfg.SnapshotStorage.Endpoint)
	envString("FOUNDRY_S3_REGION", &cfg.SnapshotStorage.Region)
	envString("FOUNDRY_S3_ACCESS_KEY", &cfg.SnapshotStorage.AccessKey)
	envString("FOUNDRY_S3_SECRET_KEY", &cfg.SnapshotStorage.SecretKey)
	envDuration("FOUNDRY_S3_URL_EXPIRY", &cfg.SnapshotStorage.URLExpiry)
	if v := os.Getenv("FOUNDRY_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.SnapshotStorage.UseSSL = &useSSL
	}

	// Client
	envString("FOUNDRY_SERVER_URL", &cfg.Client.ServerURL)
	envDuration("FOUNDRY_CLIENT_TIMEOUT", &cfg.Client.Timeout)
	envString("FOUNDRY_CACHE_BACKEND", &cfg.Cache.Backend)
	envString("FOUNDRY_CACHE_PATH", &cfg.Cache.Path)
}

// validate checks that required configuration values are set.
// In dev mode (FOUNDRY_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate() error {
	switch c.Cache.Backend {
	case CacheBackendSQLite, CacheBackendBadger:
	default:
		return fmt.Errorf("cache backend %q must be %s or %s", c.Cache.Backend, CacheBackendSQLite, CacheBackendBadger)
	}
	if c.Worker.RollupInterval <= 0 {
		return fmt.Errorf("rollup interval must be positive, got %s", time.Duration(c.Worker.RollupInterval))
	}
	if c.Worker.SnapshotInterval <= 0 {
		return fmt.Errorf("snapshot interval must be positive, got %s", time.Duration(c.Worker.SnapshotInterval))
	}

	// Dev mode bypasses API key validation
	if os.Getenv("FOUNDRY_DEV_MODE") == "true" {
		return nil
	}

	if c.Auth.APIKey == "" {
		return errors.New("FOUNDRY_API_KEY is required")
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
