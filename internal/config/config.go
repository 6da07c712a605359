package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Metadata MetadataConfig `yaml:"metadata"`
	Storage  StorageConfig  `yaml:"storage"`
	Engine   EngineConfig   `yaml:"engine"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Auth     AuthConfig     `yaml:"auth"`
	Worker   WorkerConfig   `yaml:"worker"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// MetadataConfig selects where task and lazy-table metadata is kept.
type MetadataConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// StorageConfig selects where table payloads are kept.
type StorageConfig struct {
	// Backend is "fs" or "memory".
	Backend string `yaml:"backend"`
	Root    string `yaml:"root"`
	// Compression is "none" or "lz4". Only used by the fs backend.
	Compression string `yaml:"compression"`
	// BlobRoot holds non-table task outputs. Defaults to "blobs" next to Root.
	BlobRoot string `yaml:"blob_root"`
	// LockDir holds schema lock files. Defaults to "locks" next to Root.
	LockDir string `yaml:"lock_dir"`
}

// BlobRootPath returns BlobRoot or its default.
func (c StorageConfig) BlobRootPath() string {
	if c.BlobRoot != "" {
		return c.BlobRoot
	}
	return filepath.Join(filepath.Dir(c.Root), "blobs")
}

// LockDirPath returns LockDir or its default.
func (c StorageConfig) LockDirPath() string {
	if c.LockDir != "" {
		return c.LockDir
	}
	return filepath.Join(filepath.Dir(c.Root), "locks")
}

// EngineConfig contains flow execution settings.
type EngineConfig struct {
	// Mode is "sequential" or "parallel".
	Mode    string `yaml:"mode"`
	Workers int    `yaml:"workers"`
}

// ArchiveConfig configures S3-compatible archiving of swapped schemas.
// When Bucket is empty, archiving is disabled.
type ArchiveConfig struct {
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	UseSSL    *bool  `yaml:"use_ssl"`
	AccessKey string `yaml:"-"` // env-only, never in YAML
	SecretKey string `yaml:"-"` // env-only, never in YAML
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	VacuumInterval Duration `yaml:"vacuum_interval"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
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

	// Determine config path
	configPath := getEnv("TABLESTAGE_CONFIG_PATH", "config/tablestage.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	// Load YAML file (file must exist for this function)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Metadata: MetadataConfig{
			Backend: "sqlite",
			Path:    "data/metadata.db",
		},
		Storage: StorageConfig{
			Backend:     "fs",
			Root:        "data/tables",
			Compression: "lz4",
		},
		Engine: EngineConfig{
			Mode:    "sequential",
			Workers: 4,
		},
		Archive: ArchiveConfig{
			Region: "us-east-1",
		},
		Worker: WorkerConfig{
			VacuumInterval: Duration(1 * time.Hour),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file is OK; use defaults
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
	if v := os.Getenv("TABLESTAGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TABLESTAGE_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("TABLESTAGE_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("TABLESTAGE_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Metadata
	if v := os.Getenv("TABLESTAGE_METADATA_BACKEND"); v != "" {
		cfg.Metadata.Backend = v
	}
	if v := os.Getenv("TABLESTAGE_METADATA_PATH"); v != "" {
		cfg.Metadata.Path = v
	}

	// Storage
	if v := os.Getenv("TABLESTAGE_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("TABLESTAGE_STORAGE_ROOT"); v != "" {
		cfg.Storage.Root = v
	}
	if v := os.Getenv("TABLESTAGE_STORAGE_COMPRESSION"); v != "" {
		cfg.Storage.Compression = v
	}
	if v := os.Getenv("TABLESTAGE_STORAGE_BLOB_ROOT"); v != "" {
		cfg.Storage.BlobRoot = v
	}
	if v := os.Getenv("TABLESTAGE_STORAGE_LOCK_DIR"); v != "" {
		cfg.Storage.LockDir = v
	}

	// Engine
	if v := os.Getenv("TABLESTAGE_ENGINE_MODE"); v != "" {
		cfg.Engine.Mode = v
	}
	if v := os.Getenv("TABLESTAGE_ENGINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.Workers = n
		}
	}

	// Archive
	if v := os.Getenv("TABLESTAGE_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("TABLESTAGE_S3_ENDPOINT"); v != "" {
		cfg.Archive.Endpoint = v
	}
	if v := os.Getenv("TABLESTAGE_S3_REGION"); v != "" {
		cfg.Archive.Region = v
	}
	if v := os.Getenv("TABLESTAGE_S3_ACCESS_KEY"); v != "" {
		cfg.Archive.AccessKey = v
	}
	if v := os.Getenv("TABLESTAGE_S3_SECRET_KEY"); v != "" {
		cfg.Archive.SecretKey = v
	}
	if v := os.Getenv("TABLESTAGE_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Archive.UseSSL = &useSSL
	}

	// Auth
	if v := os.Getenv("TABLESTAGE_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Worker
	if v := os.Getenv("TABLESTAGE_VACUUM_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.VacuumInterval = Duration(d)
		}
	}

	// Log
	if v := os.Getenv("TABLESTAGE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TABLESTAGE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// expandHome replaces a leading "~/" in path with the user's home directory.
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}

// expandPaths applies expandHome to every filesystem path setting.
func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.Metadata.Path,
		&c.Storage.Root,
		&c.Storage.BlobRoot,
		&c.Storage.LockDir,
	} {
		expanded, err := expandHome(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// validate checks that enumerated settings hold known values.
func (c *Config) validate() error {
	switch c.Metadata.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("metadata.backend %q is invalid (valid: sqlite, memory)", c.Metadata.Backend)
	}
	if c.Metadata.Backend == "sqlite" && c.Metadata.Path == "" {
		return fmt.Errorf("metadata.path is required for the sqlite backend")
	}

	switch c.Storage.Backend {
	case "fs", "memory":
	default:
		return fmt.Errorf("storage.backend %q is invalid (valid: fs, memory)", c.Storage.Backend)
	}
	if c.Storage.Backend == "fs" && c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required for the fs backend")
	}
	switch c.Storage.Compression {
	case "", "none", "lz4":
	default:
		return fmt.Errorf("storage.compression %q is invalid (valid: none, lz4)", c.Storage.Compression)
	}

	switch c.Engine.Mode {
	case "sequential", "parallel":
	default:
		return fmt.Errorf("engine.mode %q is invalid (valid: sequential, parallel)", c.Engine.Mode)
	}
	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers must not be negative")
	}

	if c.Archive.Bucket != "" && c.Archive.Endpoint == "" {
		return fmt.Errorf("archive.endpoint is required when archive.bucket is set")
	}
	return nil
}

// EngineAttrs returns the settings exposed to tasks through their
// config context.
func (c *Config) EngineAttrs() map[string]string {
	return map[string]string{
		"engine.mode":         c.Engine.Mode,
		"engine.workers":      strconv.Itoa(c.Engine.Workers),
		"storage.backend":     c.Storage.Backend,
		"storage.compression": c.Storage.Compression,
		"metadata.backend":    c.Metadata.Backend,
	}
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
