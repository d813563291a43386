// Package config gathers the environment-driven knobs spec.md §6
// enumerates into a single struct, so that constructors take an explicit
// value instead of reading os.Getenv themselves (the "global storage
// singleton" design note).
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// StorageBacking selects which store.Backend implementation the caller
// should construct.
type StorageBacking string

const (
	// StorageBackingFS persists session state under a directory tree.
	StorageBackingFS StorageBacking = "fs"
	// StorageBackingRedis persists session state in a Redis keyspace.
	StorageBackingRedis StorageBacking = "redis"
)

const defaultStorageRootSuffix = ".librelay/storage"

// Config is the resolved configuration for one client process. It is built
// once via FromEnv (or constructed directly in tests) and passed explicitly
// into the store and pipeline constructors; nothing in this module reads
// os.Getenv outside of FromEnv.
type Config struct {
	// StorageBacking selects fs or redis. Defaults to fs.
	StorageBacking StorageBacking
	// StorageLabel namespaces the store for multi-tenant processes sharing
	// one backing. FromEnv appends it to StorageRoot as a path component;
	// the redis backend does not use it.
	StorageLabel string
	// StorageRoot is the filesystem root used when StorageBacking is fs.
	// Defaults to ~/.librelay/storage.
	StorageRoot string
	// RedisAddr is the redis server address used when StorageBacking is
	// redis. Defaults to localhost:6379.
	RedisAddr string

	// ServiceURL, Username, and Password address the signal service this
	// process authenticates against (signalservice.Client's constructor
	// arguments).
	ServiceURL string
	Username   string
	Password   string
}

// FromEnv builds a Config from the process environment:
//
//	RELAY_STORAGE_BACKING  - "fs" (default) or "redis"
//	RELAY_STORAGE_LABEL    - namespace string, default ""
//	RELAY_REDIS_ADDR       - redis address when backing is "redis"
//	RELAY_SERVICE_URL      - base URL of the signal service
//	RELAY_USERNAME         - basic-auth username against the signal service
//	RELAY_PASSWORD         - basic-auth password against the signal service
func FromEnv() (*Config, error) {
	cfg := &Config{
		StorageBacking: StorageBackingFS,
		StorageLabel:   os.Getenv("RELAY_STORAGE_LABEL"),
		RedisAddr:      "localhost:6379",
		ServiceURL:     os.Getenv("RELAY_SERVICE_URL"),
		Username:       os.Getenv("RELAY_USERNAME"),
		Password:       os.Getenv("RELAY_PASSWORD"),
	}

	if backing := os.Getenv("RELAY_STORAGE_BACKING"); backing != "" {
		switch StorageBacking(backing) {
		case StorageBackingFS, StorageBackingRedis:
			cfg.StorageBacking = StorageBacking(backing)
		default:
			return nil, fmt.Errorf("config: unknown RELAY_STORAGE_BACKING %q", backing)
		}
	}

	if addr := os.Getenv("RELAY_REDIS_ADDR"); addr != "" {
		cfg.RedisAddr = addr
	}

	root, err := defaultStorageRoot()
	if err != nil {
		return nil, err
	}
	cfg.StorageRoot = root
	if cfg.StorageLabel != "" {
		cfg.StorageRoot = filepath.Join(cfg.StorageRoot, cfg.StorageLabel)
	}

	return cfg, nil
}

func defaultStorageRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, defaultStorageRootSuffix), nil
}
