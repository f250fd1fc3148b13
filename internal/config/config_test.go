package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Host != "127.0.0.1" {
		t.Errorf("expected default host 127.0.0.1, got %s", cfg.Host)
	}
	if cfg.PoolMaxSize != 5 {
		t.Errorf("expected default pool max size 5, got %d", cfg.PoolMaxSize)
	}
	if cfg.AccessTokenTTL != 15*time.Minute {
		t.Errorf("expected default access token TTL 15m, got %s", cfg.AccessTokenTTL)
	}
	if cfg.SessionStoreType != "auto" {
		t.Errorf("expected default store type auto, got %s", cfg.SessionStoreType)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("BROWSER_POOL_MAX_SIZE", "8")
	t.Setenv("BROWSER_POOL_IDLE_TIMEOUT", "5m")
	t.Setenv("SESSION_TTL", "120") // plain integer = seconds
	t.Setenv("RATE_LIMIT_SKIP_SUCCESSFUL_REQUESTS", "true")

	cfg := Load()

	if cfg.PoolMaxSize != 8 {
		t.Errorf("expected pool max size 8, got %d", cfg.PoolMaxSize)
	}
	if cfg.MaxIdleTime != 5*time.Minute {
		t.Errorf("expected idle timeout 5m, got %s", cfg.MaxIdleTime)
	}
	if cfg.SessionTTL != 120*time.Second {
		t.Errorf("expected session TTL 120s, got %s", cfg.SessionTTL)
	}
	if !cfg.RateLimitSkipSuccessful {
		t.Error("expected skip-successful to be true")
	}
}

func TestValidateCorrectsBounds(t *testing.T) {
	cfg := Load()
	cfg.PoolMaxSize = 0
	cfg.PoolMinSize = 99
	cfg.DefaultTimeout = 20 * time.Minute
	cfg.MaxTimeout = 5 * time.Minute

	issues := conform(t, cfg)

	if cfg.PoolMaxSize != 5 {
		t.Errorf("expected pool max corrected to 5, got %d", cfg.PoolMaxSize)
	}
	if cfg.PoolMinSize > cfg.PoolMaxSize {
		t.Errorf("min %d still exceeds max %d", cfg.PoolMinSize, cfg.PoolMaxSize)
	}
	if cfg.DefaultTimeout > cfg.MaxTimeout {
		t.Errorf("default timeout %s still exceeds max %s", cfg.DefaultTimeout, cfg.MaxTimeout)
	}
	if HasFatal(issues) {
		t.Error("bounds corrections should not be fatal")
	}
}

func TestValidateProductionRequiresTLSAndSecrets(t *testing.T) {
	cfg := Load()
	cfg.Profile = ProfileProduction
	cfg.TLSEnabled = false
	cfg.JWTSecret = "short"
	cfg.SessionSecret = ""

	issues := conform(t, cfg)

	if !HasFatal(issues) {
		t.Fatal("expected fatal issues for production without TLS and secrets")
	}

	var fields []string
	for _, issue := range issues {
		if issue.Fatal {
			fields = append(fields, issue.Field)
		}
	}
	want := map[string]bool{"TLS_ENABLED": true, "JWT_SECRET": true, "SESSION_SECRET": true}
	for _, f := range fields {
		delete(want, f)
	}
	for f := range want {
		t.Errorf("missing fatal issue for %s", f)
	}
}

func TestValidateRedisStoreNeedsURL(t *testing.T) {
	cfg := Load()
	cfg.SessionStoreType = "redis"
	cfg.RedisURL = ""

	if !HasFatal(conform(t, cfg)) {
		t.Error("expected fatal issue for redis store without REDIS_URL")
	}
}

func TestValidateReplicationPolicy(t *testing.T) {
	cfg := Load()
	cfg.SessionReplicationPolicy = "newest_wins"

	issues := conform(t, cfg)
	if HasFatal(issues) {
		t.Error("unknown replication policy should not be fatal")
	}
	if cfg.SessionReplicationPolicy != "last_write_wins" {
		t.Errorf("expected policy reset to last_write_wins, got %s", cfg.SessionReplicationPolicy)
	}
}

func conform(t *testing.T, cfg *Config) []Issue {
	t.Helper()
	return cfg.Validate()
}

func TestFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "browsergrid.yaml")

	if err := WriteDefaultFile(path); err != nil {
		t.Fatalf("WriteDefaultFile: %v", err)
	}
	// Second write must refuse to clobber.
	if err := WriteDefaultFile(path); err == nil {
		t.Fatal("expected error writing over existing config file")
	}

	content := `
port: 9999
pool:
  max_size: 7
session:
  store_type: memory
  replica_urls:
    - redis://replica-1:6379/0
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	overrides, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	cfg := Load()
	overrides.Apply(cfg)

	if cfg.Port != 9999 {
		t.Errorf("expected port override 9999, got %d", cfg.Port)
	}
	if cfg.PoolMaxSize != 7 {
		t.Errorf("expected pool max override 7, got %d", cfg.PoolMaxSize)
	}
	if cfg.SessionStoreType != "memory" {
		t.Errorf("expected store type override memory, got %s", cfg.SessionStoreType)
	}
	if len(cfg.SessionReplicaURLs) != 1 || cfg.SessionReplicaURLs[0] != "redis://replica-1:6379/0" {
		t.Errorf("expected replica url override, got %v", cfg.SessionReplicaURLs)
	}
	// Untouched fields keep their defaults.
	if cfg.Host != "127.0.0.1" {
		t.Errorf("host should be unchanged, got %s", cfg.Host)
	}
}

func TestLoadFileMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("pool: [not a map"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("expected parse error for malformed YAML")
	}
}
