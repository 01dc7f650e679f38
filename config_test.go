package carelog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfig_Validate(t *testing.T) {
	t.Run("RequiresKeyOrSecret", func(t *testing.T) {
		cfg := DefaultConfig()
		if err := cfg.Validate(); err == nil {
			t.Error("Expected validation to require sealing material")
		}
	})

	t.Run("RejectsShortKey", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Sealing.Key = []byte("short")
		if err := cfg.Validate(); err == nil {
			t.Error("Expected validation to reject a short key")
		}
	})

	t.Run("AcceptsSecret", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Sealing.Secret = "clinic-secret"
		if err := cfg.Validate(); err != nil {
			t.Errorf("Expected valid config, got %v", err)
		}
	})
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "carelog.yaml")
	content := []byte(`
replica_id: clinic-7-tablet-3
sealing:
  secret: clinic-secret
sync:
  chunksize: 32
change_buffer: 64
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.ReplicaID != "clinic-7-tablet-3" {
		t.Errorf("Expected replica ID from file, got %q", cfg.ReplicaID)
	}
	if cfg.ChangeBuffer != 64 {
		t.Errorf("Expected change buffer 64, got %d", cfg.ChangeBuffer)
	}
	// Unset fields keep their defaults.
	if cfg.SQLite.JournalMode != "WAL" {
		t.Errorf("Expected default journal mode, got %q", cfg.SQLite.JournalMode)
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Expected error for a missing file")
	}
}
