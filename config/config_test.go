package config

import (
	"os"
	"strings"
	"testing"
)

func TestFromEnvDefaults(t *testing.T) {
	os.Unsetenv("RELAY_STORAGE_BACKING")
	os.Unsetenv("RELAY_STORAGE_LABEL")
	os.Unsetenv("RELAY_REDIS_ADDR")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.StorageBacking != StorageBackingFS {
		t.Errorf("StorageBacking = %q, want fs", cfg.StorageBacking)
	}
	if !strings.HasSuffix(cfg.StorageRoot, defaultStorageRootSuffix) {
		t.Errorf("StorageRoot = %q, want suffix %q", cfg.StorageRoot, defaultStorageRootSuffix)
	}
}

func TestFromEnvLabelAppendsToRoot(t *testing.T) {
	os.Setenv("RELAY_STORAGE_LABEL", "tenant-a")
	defer os.Unsetenv("RELAY_STORAGE_LABEL")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if !strings.HasSuffix(cfg.StorageRoot, "tenant-a") {
		t.Errorf("StorageRoot = %q, want suffix tenant-a", cfg.StorageRoot)
	}
}

func TestFromEnvRejectsUnknownBacking(t *testing.T) {
	os.Setenv("RELAY_STORAGE_BACKING", "bogus")
	defer os.Unsetenv("RELAY_STORAGE_BACKING")

	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for unknown backing")
	}
}

func TestFromEnvRedis(t *testing.T) {
	os.Setenv("RELAY_STORAGE_BACKING", "redis")
	os.Setenv("RELAY_REDIS_ADDR", "redis.internal:6380")
	defer os.Unsetenv("RELAY_STORAGE_BACKING")
	defer os.Unsetenv("RELAY_REDIS_ADDR")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.StorageBacking != StorageBackingRedis {
		t.Errorf("StorageBacking = %q, want redis", cfg.StorageBacking)
	}
	if cfg.RedisAddr != "redis.internal:6380" {
		t.Errorf("RedisAddr = %q", cfg.RedisAddr)
	}
}
