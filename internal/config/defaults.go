package config

// Default values for configuration options.
const (
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultTimeout           = "30s"
	defaultRequestsPerSecond = 5
	defaultBurst             = 5
	defaultCacheBackend      = CacheSQLite
	defaultRedisAddr         = "127.0.0.1:6379"
	defaultCacheTTL          = "720h"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{
			Timeout:           defaultTimeout,
			RequestsPerSecond: defaultRequestsPerSecond,
			Burst:             defaultBurst,
		},
		Cache: CacheConfig{
			Backend:   defaultCacheBackend,
			RedisAddr: defaultRedisAddr,
			TTL:       defaultCacheTTL,
		},
		Accounts: make(map[string]Account),
	}
}
