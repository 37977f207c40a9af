package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFileLayersFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quire.yaml")
	body := []byte("addr: \":9000\"\nlog_backend: pebble\npresence_ttl: 45s\nsnapshot_every: 50\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("QUIRE_SNAPSHOT_EVERY", "75")
	t.Setenv("QUIRE_TOMBSTONE_TTL", "1h")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("QUIRE_APPEND_TIMEOUT", "3s")
	t.Setenv("QUIRE_IDLE_CACHE_SIZE", "16")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Addr != ":9000" || cfg.LogBackend != "pebble" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.PresenceTTL != 45*time.Second {
		t.Fatalf("PresenceTTL = %s, want 45s", cfg.PresenceTTL)
	}
	if cfg.SnapshotEvery != 75 || cfg.TombstoneTTL != time.Hour || !cfg.MinIOUseSSL {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.AppendTimeout != 3*time.Second || cfg.IdleCacheSize != 16 {
		t.Fatalf("session tuning not applied: append timeout %s, idle cache %d", cfg.AppendTimeout, cfg.IdleCacheSize)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Fatalf("HeartbeatInterval = %s, want default", cfg.HeartbeatInterval)
	}
}

func TestLoadFileRejectsUnknownBackend(t *testing.T) {
	t.Setenv("QUIRE_LOG_BACKEND", "cassandra")
	if _, err := LoadFile(""); err == nil {
		t.Fatal("expected LoadFile() to reject unknown log backend")
	}
}

func TestGetenvFallsBackOnGarbage(t *testing.T) {
	t.Setenv("QUIRE_PRESENCE_TTL", "soon")
	t.Setenv("QUIRE_SUBSCRIBER_BUFFER", "many")
	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.PresenceTTL != 30*time.Second || cfg.SubscriberBuffer != 64 {
		t.Fatalf("garbage env values were not ignored: %+v", cfg)
	}
}
