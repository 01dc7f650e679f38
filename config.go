package carelog

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines replica configuration.
type Config struct {
	// ReplicaID identifies this replica in version vectors and audit
	// entries. Generated on first open if empty.
	ReplicaID string `yaml:"replica_id"`

	// Path is the SQLite database file path. Empty means an in-memory
	// backend, which exists for tests and throwaway replicas only.
	Path string `yaml:"path"`

	// Sealing configures PHI encryption at rest. Required.
	Sealing SealConfig `yaml:"sealing"`

	// PolicyPath points to the YAML merge policy table. Empty uses the
	// built-in defaults.
	PolicyPath string `yaml:"policy_path"`

	// Store holds record store settings.
	Store RecordStoreConfig `yaml:"store"`

	// Audit configures the tamper-evident audit chain.
	Audit AuditChainConfig `yaml:"audit"`

	// Sync configures the peer sync protocol.
	Sync SyncConfig `yaml:"sync"`

	// ChangeBuffer is the per-subscriber change feed buffer size.
	ChangeBuffer int `yaml:"change_buffer"`

	// Archive configures the central S3 archive. Nil disables archiving;
	// field replicas normally leave this unset.
	Archive *S3BackendConfig `yaml:"archive,omitempty"`

	// SQLite holds backend tuning. Path above takes precedence over
	// SQLite.Path.
	SQLite SQLiteBackendConfig `yaml:"sqlite"`

	// PurgeInterval is how often the tombstone sweeper runs. Zero
	// disables the background sweeper.
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Store:         DefaultRecordStoreConfig(),
		Audit:         DefaultAuditChainConfig(),
		Sync:          DefaultSyncConfig(),
		SQLite:        DefaultSQLiteBackendConfig(),
		ChangeBuffer:  256,
		PurgeInterval: time.Hour,
	}
}

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if len(c.Sealing.Key) == 0 && c.Sealing.Secret == "" {
		return errors.New("config: sealing requires a key or a secret")
	}
	if len(c.Sealing.Key) != 0 && len(c.Sealing.Key) != SealKeySize {
		return fmt.Errorf("config: sealing key must be %d bytes, got %d", SealKeySize, len(c.Sealing.Key))
	}
	if c.Sync.ChunkSize < 0 {
		return errors.New("config: sync chunk size cannot be negative")
	}
	if c.Store.TombstoneRetention < 0 {
		return errors.New("config: tombstone retention cannot be negative")
	}
	return nil
}
