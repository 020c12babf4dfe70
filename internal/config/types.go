package config

import "time"

// Defaults
const (
	DefaultPort            = 8080
	DefaultEndpoint        = "https://graphql.anilist.co"
	DefaultUserAgent       = "anilist-gateway/0.1.0"
	DefaultTimeout         = 30 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
	DefaultBatchMaxSize    = 10
	DefaultBatchDelay      = 50 * time.Millisecond
	DefaultMemoryCacheSize = 1024
	DefaultLogLevel        = "info"
)

// Config is the gateway process configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Batch    BatchConfig    `yaml:"batch"`
	Cache    CacheConfig    `yaml:"cache"`
	Redis    RedisConfig    `yaml:"redis"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	// RevalidateToken, when set, must accompany /revalidate calls
	RevalidateToken string `yaml:"revalidateToken"`
}

// UpstreamConfig configures the GraphQL endpoint.
type UpstreamConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	UserAgent string        `yaml:"userAgent"`
	Timeout   time.Duration `yaml:"timeout"`
}

// BatchConfig configures request coalescing.
type BatchConfig struct {
	MaxSize            int           `yaml:"maxSize"`
	Delay              time.Duration `yaml:"delay"`
	PositionalFallback bool          `yaml:"positionalFallback"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled    bool `yaml:"enabled"`
	MemorySize int  `yaml:"memorySize"`
}

// RedisConfig configures the optional shared Redis.
type RedisConfig struct {
	// URL in redis:// form; empty disables Redis
	URL string `yaml:"url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}
