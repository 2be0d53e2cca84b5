package drive

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Options carries everything a provider constructor needs besides the
// secret. The factory fills it from configuration.
type Options struct {
	Account         string
	SecretUpdatedAt time.Time
	HTTPClient      *http.Client
	Logger          *slog.Logger

	// RequestsPerSecond paces outgoing calls per adapter; 0 disables pacing.
	RequestsPerSecond float64
	Burst             int

	Sink  RotationSink
	Cache SessionCache

	// BaseURL replaces every provider host. Used by tests and proxies.
	BaseURL string
	Now     func() time.Time
}

// Constructor builds an adapter bound to one credential.
type Constructor func(secret string, opts Options) (Adapter, error)

// HTTP returns the configured client or http.DefaultClient.
func (o Options) HTTP() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}

	return http.DefaultClient
}

// Log returns the configured logger or slog.Default().
func (o Options) Log() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}

	return slog.Default()
}

// Host returns BaseURL when set, otherwise def.
func (o Options) Host(def string) string {
	if o.BaseURL != "" {
		return o.BaseURL
	}

	return def
}

// Clock returns Now or time.Now.
func (o Options) Clock() func() time.Time {
	if o.Now != nil {
		return o.Now
	}

	return time.Now
}

// MemoList wraps list so each container is fetched at most once. It is
// meant for the lifetime of one multi-path resolution.
func MemoList(list ListFunc) ListFunc {
	var (
		mu    sync.Mutex
		cache = make(map[string][]Node)
	)

	return func(ctx context.Context, id string) ([]Node, error) {
		mu.Lock()
		nodes, ok := cache[id]
		mu.Unlock()

		if ok {
			return nodes, nil
		}

		nodes, err := list(ctx, id)
		if err != nil {
			return nil, err
		}

		mu.Lock()
		cache[id] = nodes
		mu.Unlock()

		return nodes, nil
	}
}

// PathFinder is implemented by adapters whose provider can report the
// breadcrumb of an own-drive identifier directly.
type PathFinder interface {
	PathOf(ctx context.Context, id string) (Breadcrumb, error)
}

// ResolveWalk implements ResolvePaths for providers without a path lookup
// endpoint by walking each path from rootID. Listings are shared across
// the paths of one call.
func ResolveWalk(ctx context.Context, list ListFunc, rootID string, paths []string) ([]PathID, error) {
	r := Resolver{List: MemoList(list)}
	out := make([]PathID, 0, len(paths))

	for _, p := range paths {
		clean := CleanPath(p)
		if clean == "/" {
			out = append(out, PathID{Path: clean, ID: rootID})
			continue
		}

		crumbs, found, err := r.Walk(ctx, rootID, clean)
		if err != nil {
			return nil, err
		}

		id := ""
		if found {
			id = crumbs.Last().ID
		}

		out = append(out, PathID{Path: clean, ID: id})
	}

	return out, nil
}

// MakeWalk implements MakeContainer on top of list and a single-level
// create call: it walks path from rootID and creates every missing segment.
func MakeWalk(
	ctx context.Context, list ListFunc, rootID, path string,
	create func(ctx context.Context, parentID, name string) (Node, error),
) (Node, error) {
	segments := SplitPath(path)
	cur := Node{ID: rootID, Name: "/", IsContainer: true}

	for _, seg := range segments {
		children, err := list(ctx, cur.ID)
		if err != nil {
			return Node{}, err
		}

		if next, ok := childNamed(children, seg, true); ok {
			cur = next
			continue
		}

		created, err := create(ctx, cur.ID, seg)
		if err != nil {
			return Node{}, err
		}

		created.IsContainer = true
		if created.ParentID == "" {
			created.ParentID = cur.ID
		}

		cur = created
	}

	return cur, nil
}
