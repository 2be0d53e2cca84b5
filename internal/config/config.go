// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for pansave. The file holds global
// settings sections plus one [account."name"] section per credential.
// Credential rotations are written back with line-based edits so comments
// and formatting survive.
package config

import (
	"time"

	"github.com/tonimelisma/pansave/internal/drive"
)

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Logging  LoggingConfig      `toml:"logging"`
	Network  NetworkConfig      `toml:"network"`
	Cache    CacheConfig        `toml:"cache"`
	Accounts map[string]Account `toml:"account"`

	// Order lists account names in file order. The router's provider match
	// picks the first enabled account in this order.
	Order []string `toml:"-"`
}

// Account is one credential bound to a provider.
type Account struct {
	Provider string `toml:"provider"`
	Secret   string `toml:"secret"`
	// Enabled defaults to true when the key is absent.
	Enabled         *bool     `toml:"enabled"`
	Default         bool      `toml:"default"`
	SecretUpdatedAt time.Time `toml:"secret_updated_at"`
}

// IsEnabled reports whether the account may be used.
func (a Account) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// ProviderID returns the provider as a drive.ProviderID.
func (a Account) ProviderID() drive.ProviderID {
	return drive.ProviderID(a.Provider)
}

// LoggingConfig controls log output: level and handler format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls the shared HTTP client and per-adapter pacing.
type NetworkConfig struct {
	Timeout           string  `toml:"timeout"`
	UserAgent         string  `toml:"user_agent"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// CacheConfig selects the savepath cache backend.
type CacheConfig struct {
	Backend   string `toml:"backend"`
	Path      string `toml:"path"`
	RedisAddr string `toml:"redis_addr"`
	TTL       string `toml:"ttl"`
}

// Cache backends.
const (
	CacheSQLite = "sqlite"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// NamedAccount pairs an account with its section name.
type NamedAccount struct {
	Name string
	Account
}

// EnabledAccounts returns the enabled accounts in file order.
func (c *Config) EnabledAccounts() []NamedAccount {
	var out []NamedAccount

	for _, name := range c.accountNames() {
		if a := c.Accounts[name]; a.IsEnabled() {
			out = append(out, NamedAccount{Name: name, Account: a})
		}
	}

	return out
}

// accountNames returns Order, falling back to the map keys for configs
// built in code.
func (c *Config) accountNames() []string {
	if len(c.Order) == len(c.Accounts) {
		return c.Order
	}

	names := make([]string, 0, len(c.Accounts))
	seen := make(map[string]bool, len(c.Accounts))

	for _, n := range c.Order {
		if _, ok := c.Accounts[n]; ok && !seen[n] {
			names = append(names, n)
			seen[n] = true
		}
	}

	for _, n := range sortedKeys(c.Accounts) {
		if !seen[n] {
			names = append(names, n)
		}
	}

	return names
}

// TimeoutDuration returns the parsed network timeout. Validate has already
// rejected malformed values.
func (n NetworkConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(n.Timeout)
	if err != nil {
		return 0
	}

	return d
}

// TTLDuration returns the parsed cache TTL; zero means entries never expire.
func (c CacheConfig) TTLDuration() time.Duration {
	if c.TTL == "" || c.TTL == "0" {
		return 0
	}

	d, err := time.ParseDuration(c.TTL)
	if err != nil {
		return 0
	}

	return d
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings.
type CLIOverrides struct {
	ConfigPath string // --config flag (empty = use default)
	LogLevel   string // --log-level, --verbose, --quiet
}
