package config

import (
	"errors"
	"fmt"
	"time"
)

// Validation range constants.
const (
	minTimeout  = 1 * time.Second
	maxBurst    = 100
	maxRPS      = 100
	minCacheTTL = time.Minute
)

// Validate checks all configuration values and returns all errors found,
// so users can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateCache(&cfg.Cache)...)
	errs = append(errs, validateAccounts(cfg)...)

	return errors.Join(errs...)
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be one of text, json; got %q", l.LogFormat))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	if err := validateDuration("timeout", n.Timeout, minTimeout); err != nil {
		errs = append(errs, err)
	}

	if n.RequestsPerSecond < 0 || n.RequestsPerSecond > maxRPS {
		errs = append(errs, fmt.Errorf("requests_per_second: must be between 0 and %d, got %g", maxRPS, n.RequestsPerSecond))
	}

	if n.Burst < 0 || n.Burst > maxBurst {
		errs = append(errs, fmt.Errorf("burst: must be between 0 and %d, got %d", maxBurst, n.Burst))
	}

	return errs
}

var validCacheBackends = map[string]bool{
	CacheSQLite: true,
	CacheRedis:  true,
	CacheNone:   true,
}

func validateCache(c *CacheConfig) []error {
	var errs []error

	if !validCacheBackends[c.Backend] {
		errs = append(errs, fmt.Errorf("backend: must be one of sqlite, redis, none; got %q", c.Backend))
	}

	if c.Backend == CacheRedis && c.RedisAddr == "" {
		errs = append(errs, errors.New("redis_addr: required when backend is redis"))
	}

	if c.TTL != "" && c.TTL != "0" {
		if err := validateDuration("ttl", c.TTL, minCacheTTL); err != nil {
			errs = append(errs, err)
		}
	}

	return errs
}

func validateAccounts(cfg *Config) []error {
	var (
		errs     []error
		defaults []string
	)

	for _, name := range sortedKeys(cfg.Accounts) {
		a := cfg.Accounts[name]

		if name == "" {
			errs = append(errs, errors.New("account: section name must not be empty"))
		}

		if a.Provider == "" {
			errs = append(errs, fmt.Errorf("account %q: provider is required", name))
		}

		if a.IsEnabled() && a.Secret == "" {
			errs = append(errs, fmt.Errorf("account %q: secret is required for an enabled account", name))
		}

		if a.Default {
			defaults = append(defaults, name)
		}
	}

	if len(defaults) > 1 {
		errs = append(errs, fmt.Errorf("account: only one account may be the default, got %v", defaults))
	}

	return errs
}

// validateDuration checks that a duration string is valid and meets a minimum.
func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}
