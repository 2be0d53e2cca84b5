// Package pathcache remembers which identifier a drive path resolved to,
// so savepaths and share breadcrumbs are not walked again on every run.
// Entries are scoped by provider and account. A SQLite file serves a
// single host; Redis lets several hosts share one cache.
package pathcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/pansave/internal/config"
	"github.com/tonimelisma/pansave/internal/drive"
)

// ErrUnknownBackend is returned by Open for an unsupported cache backend.
var ErrUnknownBackend = errors.New("pathcache: unknown backend")

// Scope is the account an entry belongs to.
type Scope struct {
	Provider drive.ProviderID
	Account  string
}

func (s Scope) String() string {
	return string(s.Provider) + ":" + s.Account
}

// Entry is one cached resolution.
type Entry struct {
	Path      string           `json:"path"`
	ID        string           `json:"id"`
	Crumbs    drive.Breadcrumb `json:"crumbs,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Store is a cache backend. Get reports a miss with ok=false; expired
// entries are misses.
type Store interface {
	Get(ctx context.Context, scope Scope, path string) (Entry, bool, error)
	Put(ctx context.Context, scope Scope, e Entry) error
	Delete(ctx context.Context, scope Scope, paths ...string) error
	// Clear drops every entry of scope.
	Clear(ctx context.Context, scope Scope) error
	Close() error
}

// Open returns the store selected by cfg. The "none" backend returns a
// store that never hits.
func Open(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case config.CacheNone:
		return Nop{}, nil
	case config.CacheRedis:
		return OpenRedis(ctx, cfg.RedisAddr, cfg.TTLDuration(), logger)
	case config.CacheSQLite, "":
		path := config.CachePath(cfg)
		if path == "" {
			return nil, fmt.Errorf("pathcache: cannot determine cache path")
		}

		return OpenSQLite(ctx, path, cfg.TTLDuration(), logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// Nop is a Store that keeps nothing.
type Nop struct{}

func (Nop) Get(context.Context, Scope, string) (Entry, bool, error) { return Entry{}, false, nil }
func (Nop) Put(context.Context, Scope, Entry) error                 { return nil }
func (Nop) Delete(context.Context, Scope, ...string) error          { return nil }
func (Nop) Clear(context.Context, Scope) error                      { return nil }
func (Nop) Close() error                                            { return nil }

// FillFunc resolves a path the slow way. A zero ID means the path does
// not exist; such results are not cached.
type FillFunc func(ctx context.Context) (Entry, error)

// Cache fronts a Store and collapses concurrent lookups of the same path
// into one fill.
type Cache struct {
	store  Store
	group  singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

// New wraps store. A nil store behaves like Nop.
func New(store Store, logger *slog.Logger) *Cache {
	if store == nil {
		store = Nop{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{store: store, logger: logger, now: time.Now}
}

// Lookup returns the cached entry for path or calls fill and caches its
// result. Store failures degrade to a fill; they are logged, not returned.
func (c *Cache) Lookup(ctx context.Context, scope Scope, path string, fill FillFunc) (Entry, error) {
	path = drive.CleanPath(path)

	e, ok, err := c.store.Get(ctx, scope, path)
	if err != nil {
		c.logger.Warn("path cache read failed",
			slog.String("scope", scope.String()),
			slog.String("error", err.Error()),
		)
	}

	if ok {
		return e, nil
	}

	v, err, _ := c.group.Do(scope.String()+"\x00"+path, func() (any, error) {
		e, err := fill(ctx)
		if err != nil {
			return Entry{}, err
		}

		e.Path = path
		if e.ID == "" {
			return e, nil
		}

		if e.UpdatedAt.IsZero() {
			e.UpdatedAt = c.now().UTC()
		}

		if err := c.store.Put(ctx, scope, e); err != nil {
			c.logger.Warn("path cache write failed",
				slog.String("scope", scope.String()),
				slog.String("error", err.Error()),
			)
		}

		return e, nil
	})
	if err != nil {
		return Entry{}, err
	}

	return v.(Entry), nil
}

// Peek returns the cached entry for path without filling a miss.
func (c *Cache) Peek(ctx context.Context, scope Scope, path string) (Entry, bool) {
	e, ok, err := c.store.Get(ctx, scope, drive.CleanPath(path))
	if err != nil {
		c.logger.Warn("path cache read failed",
			slog.String("scope", scope.String()),
			slog.String("error", err.Error()),
		)

		return Entry{}, false
	}

	return e, ok
}

// Remember stores an entry learned elsewhere, e.g. a freshly created
// directory.
func (c *Cache) Remember(ctx context.Context, scope Scope, e Entry) {
	e.Path = drive.CleanPath(e.Path)
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = c.now().UTC()
	}

	if err := c.store.Put(ctx, scope, e); err != nil {
		c.logger.Warn("path cache write failed",
			slog.String("scope", scope.String()),
			slog.String("error", err.Error()),
		)
	}
}

// Forget drops paths from the cache.
func (c *Cache) Forget(ctx context.Context, scope Scope, paths ...string) error {
	clean := make([]string, len(paths))
	for i, p := range paths {
		clean[i] = drive.CleanPath(p)
	}

	return c.store.Delete(ctx, scope, clean...)
}

// Invalidate drops every entry of scope. Renames and deletes call it
// because any cached descendant may now be stale.
func (c *Cache) Invalidate(ctx context.Context, scope Scope) error {
	c.logger.Debug("path cache invalidated", slog.String("scope", scope.String()))

	return c.store.Clear(ctx, scope)
}

// Close closes the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}

func expired(e Entry, ttl time.Duration, now time.Time) bool {
	return ttl > 0 && now.Sub(e.UpdatedAt) > ttl
}
