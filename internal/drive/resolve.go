package drive

import (
	"context"
	"log/slog"

	"golang.org/x/text/unicode/norm"
)

// Default depth bounds. Share trees are shallow in practice; own-drive id
// lookups walk further.
const (
	DefaultShareDepth = 5
	DefaultWalkDepth  = 10
)

// ListFunc lists the direct children of a container.
type ListFunc func(ctx context.Context, containerID string) ([]Node, error)

// Resolver locates nodes by breadth-first search over a tree the provider
// cannot address directly. A Resolver holds no state between calls, so one
// value may serve concurrent resolutions.
type Resolver struct {
	// MaxDepth is the deepest breadcrumb length that can be returned.
	// Items of the root listing are at depth 1.
	MaxDepth int
	List     ListFunc
	Logger   *slog.Logger
}

type queued struct {
	id    string
	trail Breadcrumb
}

// Find returns the breadcrumb of the shallowest node satisfying match.
// found is false, with a nil error, when the tree is exhausted or the
// depth bound is hit first. Listing failures on the root are returned;
// a sub-container that has vanished (KindNotFound) is skipped.
func (r Resolver) Find(ctx context.Context, rootID string, match func(Node) bool) (Breadcrumb, bool, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxDepth := r.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultShareDepth
	}

	visited := map[string]struct{}{rootID: {}}
	queue := []queued{{id: rootID}}
	listed := 0

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		cur := queue[0]
		queue = queue[1:]

		children, err := r.List(ctx, cur.id)
		listed++

		if err != nil {
			if cur.id != rootID && IsKind(err, KindNotFound) {
				logger.Warn("resolver: skipping vanished container",
					slog.String("container_id", cur.id),
					slog.String("error", err.Error()),
				)

				continue
			}

			return nil, false, err
		}

		for _, child := range children {
			trail := cur.trail.with(Crumb{ID: child.ID, Name: child.Name})

			if match(child) {
				logger.Debug("resolver: match",
					slog.String("id", child.ID),
					slog.Int("depth", len(trail)),
					slog.Int("containers_listed", listed),
				)

				return trail, true, nil
			}

			if !child.IsContainer || len(trail) >= maxDepth {
				continue
			}

			if _, ok := visited[child.ID]; ok {
				continue
			}

			visited[child.ID] = struct{}{}
			queue = append(queue, queued{id: child.ID, trail: trail})
		}
	}

	logger.Debug("resolver: not found",
		slog.String("root_id", rootID),
		slog.Int("max_depth", maxDepth),
		slog.Int("containers_listed", listed),
	)

	return nil, false, nil
}

// FindByID is Find matching on node identifier.
func (r Resolver) FindByID(ctx context.Context, rootID, id string) (Breadcrumb, bool, error) {
	return r.Find(ctx, rootID, func(n Node) bool { return n.ID == id })
}

// Walk resolves a slash path below rootID one segment at a time. Names are
// compared after Unicode NFC normalization so decomposed and precomposed
// spellings match. Intermediate segments must be containers; the last one
// may be any node, with a container preferred when names collide. The
// returned breadcrumb covers the segments that were found; found reports
// whether the whole path exists.
func (r Resolver) Walk(ctx context.Context, rootID, path string) (Breadcrumb, bool, error) {
	segments := SplitPath(path)
	trail := Breadcrumb{}
	cur := rootID

	for i, seg := range segments {
		children, err := r.List(ctx, cur)
		if err != nil {
			return trail, false, err
		}

		next, ok := childNamed(children, seg, true)
		if !ok && i == len(segments)-1 {
			next, ok = childNamed(children, seg, false)
		}

		if !ok {
			return trail, false, nil
		}

		trail = trail.with(Crumb{ID: next.ID, Name: next.Name})
		cur = next.ID
	}

	return trail, true, nil
}

// childNamed finds a child by NFC-normalized name. containersOnly restricts
// the match to containers.
func childNamed(children []Node, name string, containersOnly bool) (Node, bool) {
	want := norm.NFC.String(name)

	for _, c := range children {
		if containersOnly && !c.IsContainer {
			continue
		}

		if norm.NFC.String(c.Name) == want {
			return c, true
		}
	}

	return Node{}, false
}

// ChildNamed is the exported lookup used by adapters that create missing
// path segments themselves.
func ChildNamed(children []Node, name string) (Node, bool) {
	return childNamed(children, name, false)
}
