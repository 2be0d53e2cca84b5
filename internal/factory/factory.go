// Package factory turns (provider, secret) pairs into adapters. It owns the
// constructor registry, the ordered table of share-URL patterns used to
// detect a provider from a link, and the instance cache that guarantees
// one live adapter per credential.
package factory

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/pansave/internal/drive"
	"github.com/tonimelisma/pansave/internal/provider/aliyun"
	"github.com/tonimelisma/pansave/internal/provider/baidu"
	"github.com/tonimelisma/pansave/internal/provider/cloud115"
	"github.com/tonimelisma/pansave/internal/provider/quark"
	"github.com/tonimelisma/pansave/internal/provider/xunlei"
)

// ErrNoAdapter is returned when no adapter can be produced: the provider is
// unknown, the URL matches no pattern, or the constructor failed.
var ErrNoAdapter = errors.New("factory: no adapter")

// Pattern maps share URLs to a provider.
type Pattern struct {
	Regexp   *regexp.Regexp
	Provider drive.ProviderID
}

// DefaultPatterns is the built-in detection table. Order matters: the first
// match wins.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{regexp.MustCompile(`pan\.quark\.cn`), drive.Quark},
		{regexp.MustCompile(`(?:115|anxia|115cdn)\.com`), drive.Cloud115},
		{regexp.MustCompile(`pan\.baidu\.com`), drive.Baidu},
		{regexp.MustCompile(`pan\.xunlei\.com`), drive.Xunlei},
		{regexp.MustCompile(`(?:alipan|aliyundrive)\.com`), drive.Aliyun},
		{regexp.MustCompile(`drive\.uc\.cn`), drive.UC},
	}
}

// DefaultConstructors returns the built-in provider constructors.
func DefaultConstructors() map[drive.ProviderID]drive.Constructor {
	return map[drive.ProviderID]drive.Constructor{
		drive.Quark:    quark.NewQuark,
		drive.UC:       quark.NewUC,
		drive.Cloud115: cloud115.New,
		drive.Baidu:    baidu.New,
		drive.Xunlei:   xunlei.New,
		drive.Aliyun:   aliyun.New,
	}
}

// Key is the cache key of a credential: the provider plus the first 16 hex
// digits of the secret's SHA-256. The secret itself is never stored.
// Accounts configured with the same credential therefore share one adapter,
// whose label carries the name of the account that built it.
func Key(provider drive.ProviderID, secret string) string {
	sum := sha256.Sum256([]byte(secret))

	return string(provider) + ":" + hex.EncodeToString(sum[:])[:16]
}

// Factory creates and caches adapters. The zero value is not usable; call
// New. A Factory is safe for concurrent use.
type Factory struct {
	logger *slog.Logger
	build  singleflight.Group

	mu        sync.RWMutex
	ctors     map[drive.ProviderID]drive.Constructor
	patterns  []Pattern
	instances map[string]drive.Adapter
	gen       uint64 // bumped by ClearCache so in-flight builds are not stored
}

// New returns a Factory with the built-in providers and patterns.
func New(logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}

	return &Factory{
		logger:    logger,
		ctors:     DefaultConstructors(),
		patterns:  DefaultPatterns(),
		instances: make(map[string]drive.Adapter),
	}
}

// RegisterProvider adds or replaces a constructor.
func (f *Factory) RegisterProvider(id drive.ProviderID, ctor drive.Constructor) {
	if ctor == nil {
		panic("factory: nil constructor for " + string(id))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.ctors[id] = ctor
}

// RegisterPattern appends a detection pattern after the existing ones.
func (f *Factory) RegisterPattern(expr string, id drive.ProviderID) error {
	return f.addPattern(expr, id, false)
}

// PrependPattern adds a detection pattern that is tried before all others.
func (f *Factory) PrependPattern(expr string, id drive.ProviderID) error {
	return f.addPattern(expr, id, true)
}

func (f *Factory) addPattern(expr string, id drive.ProviderID, first bool) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("factory: compiling pattern %q: %w", expr, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	p := Pattern{Regexp: re, Provider: id}
	if first {
		f.patterns = append([]Pattern{p}, f.patterns...)
	} else {
		f.patterns = append(f.patterns, p)
	}

	return nil
}

// DetectProvider returns the provider of the first pattern matching rawURL.
func (f *Factory) DetectProvider(rawURL string) (drive.ProviderID, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, p := range f.patterns {
		if p.Regexp.MatchString(rawURL) {
			return p.Provider, true
		}
	}

	return "", false
}

// Known reports whether a constructor is registered for id.
func (f *Factory) Known(id drive.ProviderID) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	_, ok := f.ctors[id]

	return ok
}

// Create returns the cached adapter for (provider, secret) or builds one.
// Concurrent calls for the same key build exactly once. A failed build
// leaves nothing in the cache.
func (f *Factory) Create(provider drive.ProviderID, secret string, opts drive.Options) (drive.Adapter, error) {
	key := Key(provider, secret)

	f.mu.RLock()
	a, ok := f.instances[key]
	ctor, known := f.ctors[provider]
	gen := f.gen
	f.mu.RUnlock()

	if ok {
		return a, nil
	}

	if !known {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrNoAdapter, provider)
	}

	if opts.Logger == nil {
		opts.Logger = f.logger
	}

	v, err, _ := f.build.Do(key, func() (any, error) {
		f.mu.RLock()
		a, ok := f.instances[key]
		f.mu.RUnlock()

		if ok {
			return a, nil
		}

		a, err := ctor(secret, opts)
		if err != nil {
			return nil, err
		}

		f.mu.Lock()
		if f.gen == gen {
			f.instances[key] = a
		}
		f.mu.Unlock()

		f.logger.Info("adapter created",
			slog.String("provider", string(provider)),
			slog.String("account", opts.Account),
		)

		return a, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoAdapter, provider, err)
	}

	return v.(drive.Adapter), nil
}

// CreateByURL detects the provider from rawURL and calls Create.
func (f *Factory) CreateByURL(rawURL, secret string, opts drive.Options) (drive.Adapter, error) {
	provider, ok := f.DetectProvider(rawURL)
	if !ok {
		return nil, fmt.Errorf("%w: no provider matches %s", ErrNoAdapter, rawURL)
	}

	return f.Create(provider, secret, opts)
}

// ClearCache drops every cached adapter. Adapters already handed out keep
// working; the next Create builds a fresh one.
func (f *Factory) ClearCache() {
	f.mu.Lock()
	n := len(f.instances)
	f.instances = make(map[string]drive.Adapter)
	f.gen++
	f.mu.Unlock()

	f.logger.Info("adapter cache cleared", slog.Int("dropped", n))
}

// Lookup returns the adapter cached for a credential without building one.
func (f *Factory) Lookup(provider drive.ProviderID, secret string) (drive.Adapter, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	a, ok := f.instances[Key(provider, secret)]

	return a, ok
}

// Rekey files the adapter cached under oldSecret under newSecret, after
// the adapter itself adopted the new credential. An adapter already
// cached for newSecret is kept and the old entry dropped.
func (f *Factory) Rekey(provider drive.ProviderID, oldSecret, newSecret string) bool {
	oldKey, newKey := Key(provider, oldSecret), Key(provider, newSecret)

	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.instances[oldKey]
	if !ok {
		return false
	}

	delete(f.instances, oldKey)

	if _, taken := f.instances[newKey]; !taken {
		f.instances[newKey] = a
	}

	return true
}

// Evict drops the adapter cached for a credential.
func (f *Factory) Evict(provider drive.ProviderID, secret string) bool {
	key := Key(provider, secret)

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.instances[key]; !ok {
		return false
	}

	delete(f.instances, key)

	return true
}

// Len returns the number of cached adapters.
func (f *Factory) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return len(f.instances)
}
