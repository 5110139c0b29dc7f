// Package config loads the repository-level configuration file
// (`config.yaml` at the repository root): the snapshot interval, LRU
// cache size, replication batch size, and sync server bind address.
package config

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

const (
	DefaultSnapshotInterval = 1000
	DefaultCacheSize        = 64
	DefaultReplBatchSize    = 100
	DefaultSyncBindAddress  = "127.0.0.1:8090"
)

// Config is the repository's ambient tuning knobs, layered over the
// hard-coded defaults used by pkg/revstore, pkg/reconstruct, and
// pkg/replication when no config.yaml is present.
type Config struct {
	SnapshotInterval uint64 `yaml:"snapshot_interval"`
	CacheSize        int    `yaml:"cache_size"`
	ReplBatchSize    int    `yaml:"repl_batch_size"`
	SyncBindAddress  string `yaml:"sync_bind_address"`
}

// Default returns the Config matching the engine's built-in defaults.
func Default() *Config {
	return &Config{
		SnapshotInterval: DefaultSnapshotInterval,
		CacheSize:        DefaultCacheSize,
		ReplBatchSize:    DefaultReplBatchSize,
		SyncBindAddress:  DefaultSyncBindAddress,
	}
}

// Unmarshal parses YAML bytes over the defaults, so a config.yaml only
// needs to name the fields it overrides.
func Unmarshal(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads config.yaml from path, or the defaults if it does not
// exist.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to load %v: %v", path, err)
	}
	cfg, err := Unmarshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.SnapshotInterval == 0 {
		return fmt.Errorf("snapshot_interval must be > 0")
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("cache_size must be > 0")
	}
	if c.ReplBatchSize <= 0 {
		return fmt.Errorf("repl_batch_size must be > 0")
	}
	if c.SyncBindAddress == "" {
		return fmt.Errorf("sync_bind_address must not be empty")
	}
	return nil
}
