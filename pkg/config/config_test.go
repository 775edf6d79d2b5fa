package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("LOG_LEVEL")
	os.Unsetenv("DATABASE_URL")
	os.Unsetenv("REDIS_ADDR")
	os.Unsetenv("LOOP_TYPES")

	cfg := Load()
	if cfg.LogLevel != "INFO" {
		t.Fatalf("expected INFO, got %s", cfg.LogLevel)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("unexpected redis addr %s", cfg.RedisAddr)
	}
	if cfg.LoopTypes != "procurement,production,transfer" {
		t.Fatalf("unexpected loop types %s", cfg.LoopTypes)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("REDIS_ADDR", "redis.internal:6380")

	cfg := Load()
	if cfg.LogLevel != "DEBUG" || cfg.RedisAddr != "redis.internal:6380" {
		t.Fatalf("env not honored: %+v", cfg)
	}
}

func TestLoadProfileDefaultsWhenUnset(t *testing.T) {
	p, err := LoadProfile("")
	if err != nil {
		t.Fatal(err)
	}
	pending, completed, failed := p.ClaimTTLs()
	if pending != 30*time.Second || completed != 10*time.Minute || failed != 5*time.Second {
		t.Fatalf("unexpected default TTLs: %v %v %v", pending, completed, failed)
	}
}

func TestLoadProfileFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	doc := `
claims:
  pending_seconds: 60
  completed_minutes: 30
  failed_seconds: 10
retry:
  max_retries: 5
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.Claims.PendingSeconds != 60 || p.Retry.MaxRetries != 5 {
		t.Fatalf("profile not applied: %+v", p)
	}
	// Unset sections keep defaults.
	if p.Events.ReclaimSeconds != 30 {
		t.Fatalf("expected default reclaim, got %d", p.Events.ReclaimSeconds)
	}
}

func TestLoadProfileRejectsInvalidTTLs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	doc := `
claims:
  pending_seconds: 5
  completed_minutes: 10
  failed_seconds: 30
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadProfile(path); err == nil {
		t.Fatal("failed TTL longer than pending must be rejected")
	}
}
