// Package config loads crmsync settings from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/crmsync/internal/backup"
	"github.com/roach88/crmsync/internal/crm"
	"github.com/roach88/crmsync/internal/kvstore"
	"github.com/roach88/crmsync/internal/poller"
	"github.com/roach88/crmsync/internal/record"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverDir    = "dir"
)

// Poll interval bounds.
const (
	MinPollInterval = 2 * time.Second
	MaxPollInterval = 5 * time.Second
)

// Store selects and sizes the shared durable store.
type Store struct {
	// Driver is one of memory, sqlite, dir.
	Driver string `yaml:"driver"`

	// Path is the database file (sqlite) or directory (dir).
	Path string `yaml:"path,omitempty"`

	// MaxPages caps the sqlite database size in pages. Zero means no cap.
	MaxPages int `yaml:"max_pages,omitempty"`

	// QuotaBytes caps the total stored bytes (memory, dir). Zero means no cap.
	QuotaBytes int64 `yaml:"quota_bytes,omitempty"`
}

// Config holds every crmsync setting.
type Config struct {
	Store Store `yaml:"store"`

	// IdentityPath is a directory private to this context that holds its
	// writer identity.
	IdentityPath string `yaml:"identity_path,omitempty"`

	PollInterval   time.Duration `yaml:"poll_interval"`
	BackupCapacity int           `yaml:"backup_capacity"`

	// Broadcast enables an in-process broadcast bus. Without it writes are
	// announced through the store's marker key.
	Broadcast bool `yaml:"broadcast"`

	// WatchInterval is how often the sqlite driver polls for foreign writes.
	WatchInterval time.Duration `yaml:"watch_interval"`

	// Keys are the record sets subscribed by default.
	Keys []string `yaml:"keys"`

	// Schemas maps keys to CUE shapes, added to or replacing the built-in
	// CRM shapes.
	Schemas map[string]string `yaml:"schemas,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store:          Store{Driver: DriverSQLite, Path: "crm.db"},
		PollInterval:   poller.DefaultInterval,
		BackupCapacity: backup.DefaultCapacity,
		WatchInterval:  kvstore.DefaultWatchInterval,
		Keys:           append([]string(nil), crm.Keys...),
	}
}

// Load reads path over the defaults. Unknown fields are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks that every setting is usable.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverDir:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	if c.Store.MaxPages < 0 {
		return fmt.Errorf("store.max_pages must be non-negative")
	}
	if c.Store.QuotaBytes < 0 {
		return fmt.Errorf("store.quota_bytes must be non-negative")
	}

	if c.PollInterval < MinPollInterval || c.PollInterval > MaxPollInterval {
		return fmt.Errorf("poll_interval must be between %s and %s, got %s",
			MinPollInterval, MaxPollInterval, c.PollInterval)
	}
	if c.BackupCapacity < 1 {
		return fmt.Errorf("backup_capacity must be at least 1")
	}
	if c.WatchInterval <= 0 {
		return fmt.Errorf("watch_interval must be positive")
	}

	if len(c.Keys) == 0 {
		return fmt.Errorf("keys list is required and must be non-empty")
	}
	for i, k := range c.Keys {
		if record.NormalizeKey(k) == "" {
			return fmt.Errorf("keys[%d]: key is empty", i)
		}
		if record.IsReserved(k) {
			return fmt.Errorf("keys[%d]: %q is reserved", i, k)
		}
	}
	return nil
}

// Shapes builds the shape registry: the CRM shapes, then Schemas.
func (c *Config) Shapes() (*record.Shapes, error) {
	s := record.NewShapes()
	if err := crm.RegisterShapes(s); err != nil {
		return nil, err
	}
	for key, src := range c.Schemas {
		if err := s.Register(key, src); err != nil {
			return nil, fmt.Errorf("schemas.%s: %w", key, err)
		}
	}
	return s, nil
}
