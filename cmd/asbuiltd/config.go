package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gridscope/asbuilt/blobstore"
)

// Config is the daemon configuration, loaded from YAML.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// DBPath is the SQLite database file. Parent directories are created.
	DBPath string `yaml:"db_path"`
	// UtilityConfigDir holds one YAML utility config per file, seeded into
	// the database at startup. Empty means no seeding.
	UtilityConfigDir string `yaml:"utility_config_dir"`

	Blobstore BlobstoreConfig `yaml:"blobstore"`
	Queue     QueueConfig     `yaml:"queue"`

	// DeliveryConcurrency bounds concurrent section deliveries per
	// submission.
	DeliveryConcurrency int `yaml:"delivery_concurrency"`

	// Destinations carries per-destination adapter settings keyed by
	// destination key (oracle_ppm, gis_esri, ...). Each value is handed to
	// the matching adapter factory as JSON.
	Destinations map[string]map[string]any `yaml:"destinations"`
}

// BlobstoreConfig selects the package blob backend.
type BlobstoreConfig struct {
	// Kind is "fs" or "minio".
	Kind string `yaml:"kind"`
	// Root is the directory for the fs backend.
	Root  string                `yaml:"root"`
	Minio blobstore.MinioConfig `yaml:"minio"`
}

// QueueConfig tunes the background task consumer. Durations are Go
// duration strings ("5m", "1s").
type QueueConfig struct {
	Workers      int    `yaml:"workers"`
	Visibility   string `yaml:"visibility"`
	PollInterval string `yaml:"poll_interval"`
}

// duration parses a config duration string, returning zero (use the
// package default) when empty.
func duration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// DefaultConfig returns a runnable local configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:   ":8080",
		LogLevel: "info",
		DBPath:   "db/asbuilt.db",
		Blobstore: BlobstoreConfig{
			Kind: "fs",
			Root: "data/blobs",
		},
		Queue: QueueConfig{
			Workers: 4,
		},
		DeliveryConcurrency: 4,
	}
}

// LoadConfig reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks fields without defaults.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: db_path is required")
	}
	switch c.Blobstore.Kind {
	case "fs":
		if c.Blobstore.Root == "" {
			return fmt.Errorf("config: blobstore.root is required for fs")
		}
	case "minio":
		if c.Blobstore.Minio.Endpoint == "" || c.Blobstore.Minio.Bucket == "" {
			return fmt.Errorf("config: blobstore.minio endpoint and bucket are required")
		}
	default:
		return fmt.Errorf("config: unknown blobstore kind %q", c.Blobstore.Kind)
	}
	if _, err := duration(c.Queue.Visibility); err != nil {
		return fmt.Errorf("config: queue.visibility: %w", err)
	}
	if _, err := duration(c.Queue.PollInterval); err != nil {
		return fmt.Errorf("config: queue.poll_interval: %w", err)
	}
	return nil
}

// DestinationJSON returns the adapter config for a destination key as raw
// JSON, or nil when unset.
func (c *Config) DestinationJSON(key string) (json.RawMessage, error) {
	m, ok := c.Destinations[key]
	if !ok {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("config: destination %s: %w", key, err)
	}
	return raw, nil
}
