package config

import (
	"os"
	"strings"
	"time"
)

const (
	defaultRedisURL          = "redis://localhost:6379"
	defaultNATSURL           = "nats://localhost:4222"
	defaultStorageConfigPath = "config/storage.yaml"
	defaultStorageRoot       = "storage"
	defaultMetricsAddr       = ":9090"
	defaultStampSecret       = "dev-stamp-secret"
	defaultMigrateInterval   = time.Hour
	defaultReconcileInterval = 6 * time.Hour
	defaultBatchTimeout      = 5 * time.Minute

	envRedisURL          = "REDIS_URL"
	envNATSURL           = "NATS_URL"
	envStorageConfigPath = "STORAGE_CONFIG_PATH"
	envStorageRoot       = "STORAGE_ROOT"
	envMetricsAddr       = "METRICS_ADDR"
	envStampSecret       = "STAMP_SECRET"
	envMigrateInterval   = "MIGRATE_INTERVAL"
	envReconcileInterval = "RECONCILE_INTERVAL"
	envBatchTimeout      = "BATCH_TIMEOUT"
)

// Config holds runtime wiring for the stampmint services.
type Config struct {
	RedisURL          string
	NatsURL           string
	StorageConfigPath string
	StorageRoot       string
	MetricsAddr       string
	StampSecret       string
	MigrateInterval   time.Duration
	ReconcileInterval time.Duration
	BatchTimeout      time.Duration
}

// Load returns configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		RedisURL:          stringEnv(envRedisURL, defaultRedisURL),
		NatsURL:           stringEnv(envNATSURL, defaultNATSURL),
		StorageConfigPath: stringEnv(envStorageConfigPath, defaultStorageConfigPath),
		StorageRoot:       stringEnv(envStorageRoot, defaultStorageRoot),
		MetricsAddr:       stringEnv(envMetricsAddr, defaultMetricsAddr),
		StampSecret:       stringEnv(envStampSecret, defaultStampSecret),
		MigrateInterval:   durationEnv(envMigrateInterval, defaultMigrateInterval),
		ReconcileInterval: durationEnv(envReconcileInterval, defaultReconcileInterval),
		BatchTimeout:      durationEnv(envBatchTimeout, defaultBatchTimeout),
	}
}

func stringEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
