package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// CompressionPolicy selects how aggressively rendered artifacts are compacted.
type CompressionPolicy string

const (
	CompressionNone   CompressionPolicy = "none"
	CompressionLow    CompressionPolicy = "low"
	CompressionMedium CompressionPolicy = "medium"
	CompressionHigh   CompressionPolicy = "high"
)

// StorageConfig is the immutable tiering policy for a running instance.
// Changing it never moves already-placed artifacts; that is the migrator's job.
type StorageConfig struct {
	HotDays             int               `yaml:"hot_days"`
	WarmDays            int               `yaml:"warm_days"`
	RetentionDays       int               `yaml:"retention_days"`
	ShardSizeLimitBytes int64             `yaml:"shard_size_limit_bytes"`
	BucketsPerDay       int               `yaml:"buckets_per_day"`
	Compression         CompressionPolicy `yaml:"compression"`
	BackupSites         []string          `yaml:"backup_sites"`
	DedupEnabled        bool              `yaml:"dedup_enabled"`
	Namespace           string            `yaml:"namespace"`
}

// DefaultStorageConfig mirrors the production defaults: 7 hot days, 90 warm
// days, 7 years of total retention, 50 GiB shards, one shard bucket per hour.
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		HotDays:             7,
		WarmDays:            90,
		RetentionDays:       2555,
		ShardSizeLimitBytes: 50 << 30,
		BucketsPerDay:       24,
		Compression:         CompressionMedium,
		BackupSites:         []string{"dc2", "dc3"},
		DedupEnabled:        true,
		Namespace:           "smt",
	}
}

// ParseStorageConfig parses and validates storage config YAML bytes.
// Omitted fields take their defaults.
func ParseStorageConfig(data []byte) (*StorageConfig, error) {
	cfg := DefaultStorageConfig()
	if len(data) > 0 {
		if err := validateConfigSchema("storage", storageSchemaFile, data); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse storage config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadStorageConfig reads a YAML storage config file.
func LoadStorageConfig(path string) (*StorageConfig, error) {
	if path == "" {
		return nil, errors.New("storage config path is empty")
	}
	// #nosec G304 -- storage config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read storage config %s: %w", path, err)
	}
	cfg, err := ParseStorageConfig(data)
	if err != nil {
		return nil, fmt.Errorf("load storage config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate enforces the structural invariants of the tiering policy.
func (c *StorageConfig) Validate() error {
	if c.HotDays < 1 {
		return errors.New("hot_days must be at least 1")
	}
	if c.WarmDays < 1 {
		return errors.New("warm_days must be at least 1")
	}
	if c.RetentionDays <= c.HotDays+c.WarmDays {
		return fmt.Errorf("retention_days (%d) must exceed hot_days+warm_days (%d)", c.RetentionDays, c.HotDays+c.WarmDays)
	}
	if c.ShardSizeLimitBytes <= 0 {
		return errors.New("shard_size_limit_bytes must be positive")
	}
	if c.BucketsPerDay < 1 || 24%c.BucketsPerDay != 0 {
		return fmt.Errorf("buckets_per_day (%d) must evenly divide 24", c.BucketsPerDay)
	}
	switch c.Compression {
	case CompressionNone, CompressionLow, CompressionMedium, CompressionHigh:
	default:
		return fmt.Errorf("unknown compression policy %q", c.Compression)
	}
	if strings.TrimSpace(c.Namespace) == "" {
		return errors.New("namespace must not be empty")
	}
	for _, site := range c.BackupSites {
		if strings.TrimSpace(site) == "" {
			return errors.New("backup_sites must not contain empty entries")
		}
	}
	return nil
}
