// Package config handles loading and parsing of tmpfiles configuration.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then environment variables. The environment keys mirror the deployment
// contract of the service (STORAGE_DIR, MAX_FILE_SIZE_MB, ...) and always win.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for tmpfiles.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metadata MetadataConfig `yaml:"metadata"`
	Storage  StorageConfig  `yaml:"storage"`
	Cleanup  CleanupConfig  `yaml:"cleanup"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// APIBase and APIVersion form the route prefix, e.g. "/api/v1".
	APIBase    string `yaml:"api_base"`
	APIVersion string `yaml:"api_version"`
	// ShutdownTimeout is the graceful shutdown window in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
}

// AuthConfig holds bearer-token authentication settings.
type AuthConfig struct {
	// Enabled controls whether the Authorization header is enforced.
	Enabled bool `yaml:"enabled"`
	// Token is the shared bearer secret compared against incoming requests.
	Token string `yaml:"token"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetadataConfig holds metadata store settings.
type MetadataConfig struct {
	// Engine is the metadata backend engine ("json", "redis", "sqlite", "memory").
	Engine string       `yaml:"engine"`
	Redis  RedisConfig  `yaml:"redis"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// RedisConfig holds Redis metadata store settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// KeyPrefix namespaces every key written by this instance.
	KeyPrefix string `yaml:"key_prefix"`
}

// SQLiteConfig holds SQLite metadata store settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// StorageConfig holds object storage and upload policy settings.
type StorageConfig struct {
	// Backend is the object backend type ("local", "s3", "memory").
	Backend string `yaml:"backend"`
	// BasePath is the backend base path (local root directory or S3 key
	// prefix context). Required.
	BasePath string `yaml:"base_path"`
	// MaxFileSizeMB is the upload size ceiling in megabytes.
	MaxFileSizeMB int64 `yaml:"max_file_size_mb"`
	// MaxTTLMin is the ceiling on a requested TTL, in minutes.
	MaxTTLMin int `yaml:"max_ttl_min"`
	// AllowedMimeTypes restricts uploads to the listed types. Empty permits all.
	AllowedMimeTypes []string `yaml:"allowed_mime_types"`
	// EnableDeduplication toggles content-addressed dedup of identical uploads.
	EnableDeduplication bool     `yaml:"enable_deduplication"`
	S3                  S3Config `yaml:"s3"`
}

// S3Config holds S3-compatible backend settings.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	// Prefix is the key prefix for all objects in the upstream bucket.
	Prefix string `yaml:"prefix"`
	// EndpointURL overrides the S3 endpoint for S3-compatible stores.
	EndpointURL string `yaml:"endpoint_url"`
	// UsePathStyle forces path-style addressing (required by most
	// S3-compatible servers).
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// CleanupConfig holds background reclamation settings.
type CleanupConfig struct {
	// Cron is the expiry reaper schedule expression.
	Cron string `yaml:"cron"`
	// BatchSize is the number of records fetched per reaper page.
	BatchSize int `yaml:"batch_size"`
	// OrphanIntervalMin is the orphan reaper run interval in minutes.
	OrphanIntervalMin int `yaml:"orphan_interval_min"`
	// OrphanGraceSec is the minimum object age before an unreferenced
	// backend object is considered an orphan.
	OrphanGraceSec int `yaml:"orphan_grace_sec"`
}

// APIPrefix returns the route prefix for the file API, e.g. "/api/v1".
func (c *ServerConfig) APIPrefix() string {
	return path.Join("/", c.APIBase, c.APIVersion)
}

// MaxFileSize returns the upload ceiling in bytes.
func (c *StorageConfig) MaxFileSize() int64 {
	return c.MaxFileSizeMB * 1024 * 1024
}

// MaxTTL returns the TTL ceiling as a duration.
func (c *StorageConfig) MaxTTL() time.Duration {
	return time.Duration(c.MaxTTLMin) * time.Minute
}

// OrphanInterval returns the orphan reaper interval as a duration.
func (c *CleanupConfig) OrphanInterval() time.Duration {
	return time.Duration(c.OrphanIntervalMin) * time.Minute
}

// OrphanGrace returns the orphan grace window as a duration.
func (c *CleanupConfig) OrphanGrace() time.Duration {
	return time.Duration(c.OrphanGraceSec) * time.Second
}

// Load reads a YAML configuration file from the given path, applies defaults
// for unset values, and overlays environment variables. A missing file is not
// an error: defaults plus environment alone form a valid configuration as
// long as the storage base path ends up set.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if cfg.Storage.BasePath == "" {
		return nil, fmt.Errorf("storage.base_path (STORAGE_DIR) is required")
	}
	if cfg.Auth.Enabled && cfg.Auth.Token == "" {
		return nil, fmt.Errorf("auth.token (AUTH_TOKEN) is required when auth is enabled")
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			APIBase:         "/api",
			APIVersion:      "v1",
			ShutdownTimeout: 30,
		},
		Auth: AuthConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metadata: MetadataConfig{
			Engine: "json",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "tmpfiles:",
			},
			SQLite: SQLiteConfig{
				Path: "./data/metadata.db",
			},
		},
		Storage: StorageConfig{
			Backend:             "local",
			MaxFileSizeMB:       100,
			MaxTTLMin:           10080,
			EnableDeduplication: true,
		},
		Cleanup: CleanupConfig{
			Cron:              "*/10 * * * *",
			BatchSize:         100,
			OrphanIntervalMin: 60,
			OrphanGraceSec:    60,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value after
// YAML unmarshaling and environment overlay.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.APIBase == "" {
		cfg.Server.APIBase = "/api"
	}
	if cfg.Server.APIVersion == "" {
		cfg.Server.APIVersion = "v1"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Metadata.Engine == "" {
		cfg.Metadata.Engine = "json"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.MaxFileSizeMB == 0 {
		cfg.Storage.MaxFileSizeMB = 100
	}
	if cfg.Storage.MaxTTLMin == 0 {
		cfg.Storage.MaxTTLMin = 10080
	}
	if cfg.Cleanup.Cron == "" {
		cfg.Cleanup.Cron = "*/10 * * * *"
	}
	if cfg.Cleanup.BatchSize == 0 {
		cfg.Cleanup.BatchSize = 100
	}
	if cfg.Cleanup.OrphanIntervalMin == 0 {
		cfg.Cleanup.OrphanIntervalMin = 60
	}
	if cfg.Cleanup.OrphanGraceSec == 0 {
		cfg.Cleanup.OrphanGraceSec = 60
	}
}

// applyEnv overlays the deployment environment variables onto cfg.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing PORT: %w", err)
		}
		cfg.Server.Port = p
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("STORAGE_DIR"); v != "" {
		cfg.Storage.BasePath = v
	}
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("METADATA_ENGINE"); v != "" {
		cfg.Metadata.Engine = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Metadata.Redis.Addr = v
	}
	if v := os.Getenv("MAX_FILE_SIZE_MB"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing MAX_FILE_SIZE_MB: %w", err)
		}
		cfg.Storage.MaxFileSizeMB = n
	}
	if v := os.Getenv("MAX_TTL_MIN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing MAX_TTL_MIN: %w", err)
		}
		cfg.Storage.MaxTTLMin = n
	}
	if v := os.Getenv("ALLOWED_MIME_TYPES"); v != "" {
		var types []string
		if err := json.Unmarshal([]byte(v), &types); err != nil {
			return fmt.Errorf("parsing ALLOWED_MIME_TYPES (expected JSON array): %w", err)
		}
		cfg.Storage.AllowedMimeTypes = types
	}
	if v := os.Getenv("ENABLE_DEDUPLICATION"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing ENABLE_DEDUPLICATION: %w", err)
		}
		cfg.Storage.EnableDeduplication = b
	}
	if v := os.Getenv("CLEANUP_CRON"); v != "" {
		cfg.Cleanup.Cron = v
	}
	if v := os.Getenv("CLEANUP_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing CLEANUP_BATCH_SIZE: %w", err)
		}
		cfg.Cleanup.BatchSize = n
	}
	if v := os.Getenv("ORPHAN_INTERVAL_MIN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing ORPHAN_INTERVAL_MIN: %w", err)
		}
		cfg.Cleanup.OrphanIntervalMin = n
	}
	if v := os.Getenv("ORPHAN_GRACE_SEC"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing ORPHAN_GRACE_SEC: %w", err)
		}
		cfg.Cleanup.OrphanGraceSec = n
	}
	if v := os.Getenv("AUTH_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing AUTH_ENABLED: %w", err)
		}
		cfg.Auth.Enabled = b
	}
	if v := os.Getenv("AUTH_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	return nil
}
