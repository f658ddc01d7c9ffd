package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := DefaultConfig()
	cfg.LogLevel = "warn"
	cfg.Workers.Max = 32
	cfg.Retention.TTL = Duration(24 * time.Hour)
	cfg.Store.Path = "/var/lib/conductor/state.db"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load() after save error = %v", err)
	}

	if loaded.LogLevel != "warn" {
		t.Errorf("log level = %q, want %q", loaded.LogLevel, "warn")
	}
	if loaded.Workers.Max != 32 {
		t.Errorf("workers max = %d, want 32", loaded.Workers.Max)
	}
	if loaded.Retention.TTL.Std() != 24*time.Hour {
		t.Errorf("retention ttl = %s, want 24h", loaded.Retention.TTL.Std())
	}
	if loaded.Store.Path != "/var/lib/conductor/state.db" {
		t.Errorf("store path = %q, want saved path", loaded.Store.Path)
	}
}
