// Package config loads and validates the statekit configuration surface.
// All knobs have sane defaults so the core degrades gracefully when
// unconfigured; validation failures are fatal at startup.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/brixsport/statekit/errors"
)

// Config is the complete configuration for the resilience and state core.
// Constructed once at process start and passed by reference to consumers;
// there is no ambient global instance.
type Config struct {
	Redis     RedisConfig     `mapstructure:"redis"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Session   SessionConfig   `mapstructure:"session"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Warmer    WarmerConfig    `mapstructure:"warmer"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// RedisConfig describes the remote key-value store endpoint.
type RedisConfig struct {
	Address        string        `mapstructure:"address"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	KeyPrefix      string        `mapstructure:"keyPrefix"`
	DialTimeout    time.Duration `mapstructure:"dialTimeout"`
	CommandTimeout time.Duration `mapstructure:"commandTimeout"`
}

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MaxSize             int           `mapstructure:"maxSize"`
	AcquireTimeout      time.Duration `mapstructure:"acquireTimeout"`
	HealthCheckInterval time.Duration `mapstructure:"healthCheckInterval"`
	ReconnectMaxDelay   time.Duration `mapstructure:"reconnectMaxDelay"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failureThreshold"`
	SuccessThreshold int           `mapstructure:"successThreshold"`
	OpenTimeout      time.Duration `mapstructure:"openTimeout"`
	MonitoringWindow time.Duration `mapstructure:"monitoringWindow"`
	VolumeThreshold  int           `mapstructure:"volumeThreshold"`
	HalfOpenMaxCalls int           `mapstructure:"halfOpenMaxCalls"`
}

// CacheConfig holds tiered cache TTLs and L1 bounds.
type CacheConfig struct {
	L1MaxEntries int           `mapstructure:"l1MaxEntries"`
	L1TTLCeiling time.Duration `mapstructure:"l1TTLCeiling"`
	L2DefaultTTL time.Duration `mapstructure:"l2DefaultTTL"`
}

// SessionConfig holds session lifecycle settings. Secret is required in
// production; the default exists only so tests and dev shells start.
type SessionConfig struct {
	TTL                time.Duration `mapstructure:"ttl"`
	MaxSessionsPerUser int           `mapstructure:"maxSessionsPerUser"`
	RefreshOnAccess    bool          `mapstructure:"refreshOnAccess"`
	RevokedRetention   time.Duration `mapstructure:"revokedRetention"`
	CleanupInterval    time.Duration `mapstructure:"cleanupInterval"`
	Secret             string        `mapstructure:"secret"`
}

// RateLimitConfig holds the fixed-window limiter settings.
type RateLimitConfig struct {
	MaxAttempts       int           `mapstructure:"maxAttempts"`
	Window            time.Duration `mapstructure:"window"`
	BlockDuration     time.Duration `mapstructure:"blockDuration"`
	OriginMaxAttempts int           `mapstructure:"originMaxAttempts"`
}

// WarmerConfig holds the cache warming schedule.
type WarmerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// MetricsConfig holds the admin/metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// Load reads configuration from an optional YAML file and STATEKIT_*
// environment variables, applies defaults, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("STATEKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.WrapFatal(err, "config", "Load", "read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", "unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration with every knob at its default value.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always unmarshal cleanly
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	// Remote store
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.keyPrefix", "statekit")
	v.SetDefault("redis.dialTimeout", "5s")
	v.SetDefault("redis.commandTimeout", "2s")

	// Connection pool
	v.SetDefault("pool.maxSize", 10)
	v.SetDefault("pool.acquireTimeout", "3s")
	v.SetDefault("pool.healthCheckInterval", "15s")
	v.SetDefault("pool.reconnectMaxDelay", "30s")

	// Circuit breaker
	v.SetDefault("breaker.failureThreshold", 5)
	v.SetDefault("breaker.successThreshold", 2)
	v.SetDefault("breaker.openTimeout", "30s")
	v.SetDefault("breaker.monitoringWindow", "60s")
	v.SetDefault("breaker.volumeThreshold", 10)
	v.SetDefault("breaker.halfOpenMaxCalls", 3)

	// Tiered cache
	v.SetDefault("cache.l1MaxEntries", 1000)
	v.SetDefault("cache.l1TTLCeiling", "30s")
	v.SetDefault("cache.l2DefaultTTL", "10m")

	// Sessions
	v.SetDefault("session.ttl", "24h")
	v.SetDefault("session.maxSessionsPerUser", 5)
	v.SetDefault("session.refreshOnAccess", true)
	v.SetDefault("session.revokedRetention", "1h")
	v.SetDefault("session.cleanupInterval", "5m")
	v.SetDefault("session.secret", "dev-only-secret")

	// Rate limiting
	v.SetDefault("ratelimit.maxAttempts", 3)
	v.SetDefault("ratelimit.window", "60m")
	v.SetDefault("ratelimit.blockDuration", "30m")
	v.SetDefault("ratelimit.originMaxAttempts", 10)

	// Cache warming
	v.SetDefault("warmer.enabled", true)
	v.SetDefault("warmer.interval", "5m")

	// Metrics / admin endpoint
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks invariants that must hold before the core starts.
// Violations are fatal: running half-configured is worse than not starting.
func (c *Config) Validate() error {
	if c.Redis.Address == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "config", "Validate", "redis address")
	}
	if c.Pool.MaxSize <= 0 {
		return invalid("pool.maxSize must be positive, got %d", c.Pool.MaxSize)
	}
	if c.Pool.AcquireTimeout <= 0 {
		return invalid("pool.acquireTimeout must be positive, got %v", c.Pool.AcquireTimeout)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return invalid("breaker.failureThreshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.SuccessThreshold <= 0 {
		return invalid("breaker.successThreshold must be positive, got %d", c.Breaker.SuccessThreshold)
	}
	if c.Breaker.OpenTimeout <= 0 {
		return invalid("breaker.openTimeout must be positive, got %v", c.Breaker.OpenTimeout)
	}
	if c.Breaker.HalfOpenMaxCalls <= 0 {
		return invalid("breaker.halfOpenMaxCalls must be positive, got %d", c.Breaker.HalfOpenMaxCalls)
	}
	if c.Cache.L1MaxEntries <= 0 {
		return invalid("cache.l1MaxEntries must be positive, got %d", c.Cache.L1MaxEntries)
	}
	if c.Cache.L1TTLCeiling <= 0 || c.Cache.L2DefaultTTL <= 0 {
		return invalid("cache TTLs must be positive, got l1=%v l2=%v", c.Cache.L1TTLCeiling, c.Cache.L2DefaultTTL)
	}
	if c.Cache.L1TTLCeiling > c.Cache.L2DefaultTTL {
		// L1 is a shorter-lived shadow of L2, never a superset of freshness
		return invalid("cache.l1TTLCeiling %v exceeds cache.l2DefaultTTL %v", c.Cache.L1TTLCeiling, c.Cache.L2DefaultTTL)
	}
	if c.Session.TTL <= 0 {
		return invalid("session.ttl must be positive, got %v", c.Session.TTL)
	}
	if c.Session.MaxSessionsPerUser <= 0 {
		return invalid("session.maxSessionsPerUser must be positive, got %d", c.Session.MaxSessionsPerUser)
	}
	if c.Session.CleanupInterval <= 0 {
		return invalid("session.cleanupInterval must be positive, got %v", c.Session.CleanupInterval)
	}
	if c.Session.Secret == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "config", "Validate", "session secret")
	}
	if c.RateLimit.MaxAttempts <= 0 || c.RateLimit.Window <= 0 || c.RateLimit.BlockDuration <= 0 {
		return invalid("ratelimit settings must be positive, got attempts=%d window=%v block=%v",
			c.RateLimit.MaxAttempts, c.RateLimit.Window, c.RateLimit.BlockDuration)
	}
	if c.RateLimit.OriginMaxAttempts < c.RateLimit.MaxAttempts {
		return invalid("ratelimit.originMaxAttempts %d must be >= ratelimit.maxAttempts %d",
			c.RateLimit.OriginMaxAttempts, c.RateLimit.MaxAttempts)
	}
	if c.Warmer.Enabled && c.Warmer.Interval <= 0 {
		return invalid("warmer.interval must be positive when warming is enabled, got %v", c.Warmer.Interval)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errors.WrapFatal(
		fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...)),
		"config", "Validate", "check bounds")
}
