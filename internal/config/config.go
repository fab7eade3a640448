// Package config handles loading and validation of the s3sfs configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for s3sfs.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Storage       StorageConfig       `yaml:"storage"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Region string `yaml:"region"`
	// Domains are the base domains for virtual-hosted-style requests.
	Domains         []string      `yaml:"domains"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxObjectSize caps single-object bodies in bytes. Zero means unlimited.
	MaxObjectSize int64 `yaml:"max_object_size"`
	// MaxInFlight caps concurrently served requests. Zero means unlimited.
	MaxInFlight int64 `yaml:"max_in_flight"`
}

// AuthConfig holds the single SigV4 credential pair. When both fields are
// empty the server accepts anonymous requests.
type AuthConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// Enabled reports whether a credential pair is configured.
func (a AuthConfig) Enabled() bool {
	return a.AccessKey != "" && a.SecretKey != ""
}

// StorageConfig holds the filesystem engine settings.
type StorageConfig struct {
	// Root is the directory holding one subdirectory per bucket.
	Root  string `yaml:"root"`
	Fsync bool   `yaml:"fsync"`
	// UploadTTL is the age after which incomplete multipart uploads are swept at startup.
	UploadTTL     time.Duration `yaml:"upload_ttl"`
	MetaCacheSize int           `yaml:"meta_cache_size"`
	// MetadataXattr stores object metadata in extended attributes instead of sidecar files.
	MetadataXattr bool  `yaml:"metadata_xattr"`
	MaxOpenFiles  int64 `yaml:"max_open_files"`
	// LinkCopies lets CopyObject hard-link blobs within a filesystem.
	LinkCopies bool `yaml:"link_copies"`
}

// LoggingConfig controls the process-wide slog logger.
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	ReportCaller bool   `yaml:"report_caller"`
}

// ObservabilityConfig toggles metrics, health and tracing.
type ObservabilityConfig struct {
	Metrics     bool          `yaml:"metrics"`
	HealthCheck bool          `yaml:"health_check"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Exporter is one of "otlp-grpc", "otlp-http" or "stdout".
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
}

// Load reads a YAML configuration file from path. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8014,
			Region:          "us-east-1",
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Fsync:         true,
			UploadTTL:     7 * 24 * time.Hour,
			MetaCacheSize: 4096,
			LinkCopies:    true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
			Tracing: TracingConfig{
				Exporter:    "otlp-grpc",
				SampleRatio: 1.0,
				ServiceName: "s3sfs",
			},
		},
	}
}

// applyDefaults fills in fields that are still at their zero value after
// YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8014
	}
	if cfg.Server.Region == "" {
		cfg.Server.Region = "us-east-1"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Storage.UploadTTL == 0 {
		cfg.Storage.UploadTTL = 7 * 24 * time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Observability.Tracing.Exporter == "" {
		cfg.Observability.Tracing.Exporter = "otlp-grpc"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "s3sfs"
	}
	if cfg.Observability.Tracing.SampleRatio == 0 {
		cfg.Observability.Tracing.SampleRatio = 1.0
	}
}

// Validate checks cross-field constraints and canonicalizes the storage
// root to an absolute path of an existing directory.
func (c *Config) Validate() error {
	if c.Storage.Root == "" {
		return errors.New("storage.root is required")
	}
	root, err := filepath.Abs(c.Storage.Root)
	if err != nil {
		return fmt.Errorf("resolving storage.root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("storage.root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage.root %q is not a directory", root)
	}
	c.Storage.Root = root

	if (c.Auth.AccessKey == "") != (c.Auth.SecretKey == "") {
		return errors.New("auth.access_key and auth.secret_key must be set together")
	}
	for _, d := range c.Server.Domains {
		if d == "" || strings.Contains(d, "/") {
			return fmt.Errorf("invalid virtual-host domain %q", d)
		}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Server.MaxObjectSize < 0 || c.Server.MaxInFlight < 0 || c.Storage.MaxOpenFiles < 0 {
		return errors.New("limits must not be negative")
	}
	switch c.Observability.Tracing.Exporter {
	case "otlp-grpc", "otlp-http", "stdout":
	default:
		return fmt.Errorf("unknown tracing exporter %q", c.Observability.Tracing.Exporter)
	}
	return nil
}
