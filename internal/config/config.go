// Package config loads the linking engine's YAML configuration, with
// ${VAR} / ${VAR:-default} environment-variable expansion. Adapted from
// the reference system's internal/config, rescoped away from proxy
// upstream/intercept settings to the linker/rebuilder's own surface:
// store DSN, cache, batch size, logging.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the top-level configuration for a linkctl run.
type Config struct {
	Domain  string        `yaml:"domain"`
	Store   StoreConfig   `yaml:"store"`
	Cache   CacheConfig   `yaml:"cache,omitempty"`
	Rebuild RebuildConfig `yaml:"rebuild,omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty"`
}

// StoreConfig selects and configures a Store backend.
type StoreConfig struct {
	// Type is "postgres" or "memory".
	Type     string          `yaml:"type"`
	Postgres *PostgresConfig `yaml:"postgres,omitempty"`
}

// PostgresConfig configures the Postgres-backed Store.
type PostgresConfig struct {
	DSN               string `yaml:"dsn"`
	MaxOpenConns      int    `yaml:"max_open_conns,omitempty"`
	UsePgxPoolMetrics bool   `yaml:"use_pgx_pool_metrics,omitempty"`
}

// CacheConfig configures the advisory lookup cache.
type CacheConfig struct {
	// Type is "lru", "redis", or "none".
	Type     string        `yaml:"type,omitempty"`
	LRUSize  int           `yaml:"lru_size,omitempty"`
	RedisURL string        `yaml:"redis_url,omitempty"`
	RedisTTL time.Duration `yaml:"redis_ttl,omitempty"`
}

// UnmarshalYAML lets redis_ttl be written as a human-readable duration
// string ("10m") rather than a raw nanosecond count, which is all yaml.v2
// gives a bare time.Duration field for free.
func (c *CacheConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var aux struct {
		Type     string `yaml:"type,omitempty"`
		LRUSize  int    `yaml:"lru_size,omitempty"`
		RedisURL string `yaml:"redis_url,omitempty"`
		RedisTTL string `yaml:"redis_ttl,omitempty"`
	}
	if err := unmarshal(&aux); err != nil {
		return err
	}
	c.Type = aux.Type
	c.LRUSize = aux.LRUSize
	c.RedisURL = aux.RedisURL
	if aux.RedisTTL != "" {
		d, err := time.ParseDuration(aux.RedisTTL)
		if err != nil {
			return fmt.Errorf("cache.redis_ttl: %w", err)
		}
		c.RedisTTL = d
	}
	return nil
}

// RebuildConfig configures a rebuild pass.
type RebuildConfig struct {
	BatchSize int  `yaml:"batch_size,omitempty"`
	DryRun    bool `yaml:"dry_run,omitempty"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Format string `yaml:"format,omitempty"`
	Level  string `yaml:"level,omitempty"`
}

// LoadConfig loads and expands the configuration at filename.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	expanded := expandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Store.Type == "" {
		cfg.Store.Type = "postgres"
	}
	if cfg.Cache.Type == "" {
		cfg.Cache.Type = "lru"
	}
	if cfg.Cache.LRUSize == 0 {
		cfg.Cache.LRUSize = 10000
	}
	if cfg.Cache.RedisTTL == 0 {
		cfg.Cache.RedisTTL = 10 * time.Minute
	}
	if cfg.Rebuild.BatchSize == 0 {
		cfg.Rebuild.BatchSize = 500
	}
	if cfg.Store.Postgres != nil && cfg.Store.Postgres.MaxOpenConns == 0 {
		cfg.Store.Postgres.MaxOpenConns = 5
	}

	return &cfg, nil
}

// expandEnv expands ${VAR} and ${VAR:-default} references in s.
func expandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		if strings.Contains(key, ":-") {
			parts := strings.SplitN(key, ":-", 2)
			if val, ok := os.LookupEnv(parts[0]); ok {
				return val
			}
			return parts[1]
		}
		return os.Getenv(key)
	})
}
