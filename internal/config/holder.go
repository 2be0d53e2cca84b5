package config

import (
	"maps"
	"sync"
)

// Holder provides thread-safe access to a mutable *Config and an immutable
// config file path. The router, the credential writer and the watcher all
// share one Holder, so a reload updates config in exactly one place.
type Holder struct {
	mu   sync.RWMutex
	cfg  *Config
	path string // immutable after construction
}

// NewHolder creates a Holder with the initial config and config file path.
func NewHolder(cfg *Config, path string) *Holder {
	if cfg == nil {
		panic("config: NewHolder with nil config")
	}

	return &Holder{
		cfg:  cfg,
		path: path,
	}
}

// Config returns the current config snapshot. Callers must not mutate it.
func (h *Holder) Config() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.cfg
}

// Path returns the config file path.
func (h *Holder) Path() string {
	return h.path
}

// Update replaces the config.
func (h *Holder) Update(cfg *Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cfg = cfg
}

// updateAccount swaps in a copy of the current config with one account
// replaced, leaving earlier snapshots untouched.
func (h *Holder) updateAccount(name string, a Account) {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := *h.cfg
	next.Accounts = maps.Clone(h.cfg.Accounts)
	if next.Accounts == nil {
		next.Accounts = make(map[string]Account)
	}

	next.Accounts[name] = a
	h.cfg = &next
}
