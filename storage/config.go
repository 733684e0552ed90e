/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/acronis/go-ratekeeper/config"
	"github.com/acronis/go-ratekeeper/log"
)

const cfgDefaultKeyPrefix = "storage"

const (
	cfgKeyBackend               = "backend"
	cfgKeyMemoryMaxKeys         = "memory.maxKeys"
	cfgKeyMemoryIdleTTL         = "memory.idleTTL"
	cfgKeyMemoryCleanupInterval = "memory.cleanupInterval"
	cfgKeyRedisURL              = "redis.url"
	cfgKeyRedisOpTimeout        = "redis.opTimeout"
	cfgKeyRedisKeyTTL           = "redis.keyTTL"
	cfgKeyRedisPoolSize         = "redis.poolSize"
	cfgKeyRedisStartupWait      = "redis.startupWait"
)

// Default values.
const (
	DefaultMemoryIdleTTL         = time.Hour
	DefaultMemoryCleanupInterval = time.Minute
	DefaultRedisKeyTTL           = time.Hour
	DefaultRedisStartupWait      = time.Second * 10
)

// Backend defines possible storage backends.
type Backend string

// Storage backends.
const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

var availableBackends = []string{string(BackendMemory), string(BackendRedis)}

// Config represents a set of configuration parameters for the rate-limiting storage.
type Config struct {
	Backend Backend      `mapstructure:"backend" yaml:"backend" json:"backend"`
	Memory  MemoryConfig `mapstructure:"memory" yaml:"memory" json:"memory"`
	Redis   RedisConfig  `mapstructure:"redis" yaml:"redis" json:"redis"`

	keyPrefix string
}

// MemoryConfig is a configuration for the in-memory backend.
type MemoryConfig struct {
	MaxKeys         int           `mapstructure:"maxKeys" yaml:"maxKeys" json:"maxKeys"`
	IdleTTL         time.Duration `mapstructure:"idleTTL" yaml:"idleTTL" json:"idleTTL"`
	CleanupInterval time.Duration `mapstructure:"cleanupInterval" yaml:"cleanupInterval" json:"cleanupInterval"`
}

// RedisConfig is a configuration for the Redis backend.
type RedisConfig struct {
	// URL is a connection URL (e.g., "redis://:password@localhost:6379/0").
	// It may be supplied by the environment variable (e.g., RATEKEEPER_STORAGE_REDIS_URL).
	URL       string        `mapstructure:"url" yaml:"url" json:"url"`
	OpTimeout time.Duration `mapstructure:"opTimeout" yaml:"opTimeout" json:"opTimeout"`
	KeyTTL    time.Duration `mapstructure:"keyTTL" yaml:"keyTTL" json:"keyTTL"`
	PoolSize  int           `mapstructure:"poolSize" yaml:"poolSize" json:"poolSize"`
	// StartupWait limits how long the service waits for Redis at startup (see WaitAvailable).
	// The service starts anyway when Redis is still unreachable. 0 disables waiting.
	StartupWait time.Duration `mapstructure:"startupWait" yaml:"startupWait" json:"startupWait"`
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new instance of the Config.
func NewConfig() *Config {
	return &Config{keyPrefix: cfgDefaultKeyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values (in-memory backend).
func NewDefaultConfig() *Config {
	return &Config{
		keyPrefix: cfgDefaultKeyPrefix,
		Backend:   BackendMemory,
		Memory: MemoryConfig{
			MaxKeys:         DefaultMemoryMaxKeys,
			IdleTTL:         DefaultMemoryIdleTTL,
			CleanupInterval: DefaultMemoryCleanupInterval,
		},
		Redis: RedisConfig{
			OpTimeout:   DefaultRedisOpTimeout,
			KeyTTL:      DefaultRedisKeyTTL,
			StartupWait: DefaultRedisStartupWait,
		},
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values for storage in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyBackend, string(BackendMemory))
	dp.SetDefault(cfgKeyMemoryMaxKeys, DefaultMemoryMaxKeys)
	dp.SetDefault(cfgKeyMemoryIdleTTL, DefaultMemoryIdleTTL.String())
	dp.SetDefault(cfgKeyMemoryCleanupInterval, DefaultMemoryCleanupInterval.String())
	dp.SetDefault(cfgKeyRedisOpTimeout, DefaultRedisOpTimeout.String())
	dp.SetDefault(cfgKeyRedisKeyTTL, DefaultRedisKeyTTL.String())
	dp.SetDefault(cfgKeyRedisStartupWait, DefaultRedisStartupWait.String())
}

// Set sets storage configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	backend, err := dp.GetStringFromSet(cfgKeyBackend, availableBackends, true)
	if err != nil {
		return err
	}
	c.Backend = Backend(strings.ToLower(backend))

	if c.Memory.MaxKeys, err = dp.GetInt(cfgKeyMemoryMaxKeys); err != nil {
		return err
	}
	if c.Memory.MaxKeys < 0 {
		return dp.WrapKeyErr(cfgKeyMemoryMaxKeys, fmt.Errorf("should be >= 0"))
	}
	if c.Memory.IdleTTL, err = dp.GetDuration(cfgKeyMemoryIdleTTL); err != nil {
		return err
	}
	if c.Memory.CleanupInterval, err = dp.GetDuration(cfgKeyMemoryCleanupInterval); err != nil {
		return err
	}
	if c.Memory.IdleTTL > 0 && c.Memory.CleanupInterval == 0 {
		return dp.WrapKeyErr(cfgKeyMemoryCleanupInterval, fmt.Errorf("should be > 0 when idle TTL is set"))
	}

	if c.Redis.URL, err = dp.GetString(cfgKeyRedisURL); err != nil {
		return err
	}
	if c.Redis.URL == "" && c.Backend == BackendRedis {
		return dp.WrapKeyErr(cfgKeyRedisURL, fmt.Errorf("cannot be empty when %q backend is used", BackendRedis))
	}
	if c.Redis.OpTimeout, err = dp.GetDuration(cfgKeyRedisOpTimeout); err != nil {
		return err
	}
	if c.Redis.KeyTTL, err = dp.GetDuration(cfgKeyRedisKeyTTL); err != nil {
		return err
	}
	if c.Redis.PoolSize, err = dp.GetInt(cfgKeyRedisPoolSize); err != nil {
		return err
	}
	if c.Redis.PoolSize < 0 {
		return dp.WrapKeyErr(cfgKeyRedisPoolSize, fmt.Errorf("should be >= 0"))
	}
	if c.Redis.StartupWait, err = dp.GetDuration(cfgKeyRedisStartupWait); err != nil {
		return err
	}
	return nil
}

// ValidateWindow checks that an untouched key of the selected backend lives at least as long as the window.
// A key that expires earlier restores the full quota in the middle of the window.
func (c *Config) ValidateWindow(window time.Duration) error {
	ttl, key := c.Memory.IdleTTL, cfgKeyMemoryIdleTTL
	if c.Backend == BackendRedis {
		ttl, key = c.Redis.KeyTTL, cfgKeyRedisKeyTTL
	}
	if ttl > 0 && ttl < window {
		return config.WrapKeyErr(c.KeyPrefix()+"."+key,
			fmt.Errorf("should be >= the largest rate limit window (%s), got %s", window, ttl))
	}
	return nil
}

// Backends holds the storage built by New along with its backend-specific handle.
// Exactly one of Memory and Redis is non-nil.
type Backends struct {
	Storage Storage
	Pinger  Pinger
	Memory  *MemoryStorage
	Redis   *RedisStorage
}

// New builds the storage backend selected in the cfg.
func New(cfg *Config, logger log.FieldLogger, memMetrics MemoryMetricsCollector) (Backends, error) {
	switch cfg.Backend {
	case BackendRedis:
		rs, err := NewRedisStorageFromURL(cfg.Redis.URL, cfg.Redis.PoolSize, RedisStorageOpts{
			OpTimeout: cfg.Redis.OpTimeout,
			KeyTTL:    cfg.Redis.KeyTTL,
			Logger:    logger,
		})
		if err != nil {
			return Backends{}, err
		}
		return Backends{Storage: rs, Pinger: rs, Redis: rs}, nil
	case BackendMemory, "":
		ms, err := NewMemoryStorageWithOpts(MemoryStorageOpts{
			MaxKeys:          cfg.Memory.MaxKeys,
			IdleTTL:          cfg.Memory.IdleTTL,
			MetricsCollector: memMetrics,
		})
		if err != nil {
			return Backends{}, err
		}
		return Backends{Storage: ms, Pinger: ms, Memory: ms}, nil
	default:
		return Backends{}, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
