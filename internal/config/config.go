// Package config loads the gateway configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Sternrassler/anilist-gql-client/pkg/logging"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvEndpoint     = "ANILIST_ENDPOINT"
	EnvRedisURL     = "REDIS_URL"
	EnvPort         = "PORT"
	EnvUserAgent    = "USER_AGENT"
	EnvBatchMaxSize = "BATCH_MAX_SIZE"
	EnvBatchDelay   = "BATCH_DELAY"
	EnvLogLevel     = "LOG_LEVEL"
	EnvLogPretty    = "LOG_PRETTY"
	EnvCacheEnabled = "CACHE_ENABLED"
	EnvRevalidate   = "REVALIDATE_TOKEN"
)

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            DefaultPort,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Upstream: UpstreamConfig{
			Endpoint:  DefaultEndpoint,
			UserAgent: DefaultUserAgent,
			Timeout:   DefaultTimeout,
		},
		Batch: BatchConfig{
			MaxSize: DefaultBatchMaxSize,
			Delay:   DefaultBatchDelay,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MemorySize: DefaultMemoryCacheSize,
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
	}
}

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Parse decodes YAML into cfg. Keys absent from data keep their value.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from the environment through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvEndpoint); ok && v != "" {
		c.Upstream.Endpoint = v
	}
	if v, ok := lookup(EnvRedisURL); ok {
		c.Redis.URL = v
	}
	if v, ok := lookup(EnvUserAgent); ok && v != "" {
		c.Upstream.UserAgent = v
	}
	if v, ok := lookup(EnvRevalidate); ok {
		c.Server.RevalidateToken = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}

	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		c.Server.Port = port
	}

	if v, ok := lookup(EnvBatchMaxSize); ok && v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBatchMaxSize, err)
		}
		c.Batch.MaxSize = size
	}

	if v, ok := lookup(EnvBatchDelay); ok && v != "" {
		delay, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBatchDelay, err)
		}
		c.Batch.Delay = delay
	}

	if v, ok := lookup(EnvLogPretty); ok && v != "" {
		pretty, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvLogPretty, err)
		}
		c.Log.Pretty = pretty
	}

	if v, ok := lookup(EnvCacheEnabled); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCacheEnabled, err)
		}
		c.Cache.Enabled = enabled
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Upstream.Endpoint == "" {
		return errors.New("upstream.endpoint is required")
	}
	if c.Upstream.UserAgent == "" {
		return errors.New("upstream.userAgent is required")
	}
	if c.Upstream.Timeout <= 0 {
		return errors.New("upstream.timeout must be positive")
	}
	if c.Batch.MaxSize < 1 {
		return fmt.Errorf("batch.maxSize must be >= 1 (got %d)", c.Batch.MaxSize)
	}
	if c.Batch.Delay <= 0 {
		return fmt.Errorf("batch.delay must be positive (got %v)", c.Batch.Delay)
	}
	if c.Cache.Enabled && c.Cache.MemorySize <= 0 {
		return errors.New("cache.memorySize must be positive when cache is enabled")
	}
	if !logging.ValidLevel(c.Log.Level) {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	return nil
}
