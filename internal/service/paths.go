package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tonimelisma/pansave/internal/account"
	"github.com/tonimelisma/pansave/internal/drive"
	"github.com/tonimelisma/pansave/internal/pathcache"
)

// PathToID resolves paths of the account's drive to identifiers, in input
// order. Cached paths are answered locally; the rest go to the provider in
// one batch. Missing paths come back with an empty ID.
func (s *Service) PathToID(ctx context.Context, sel account.Selection, paths []string) ([]drive.PathID, error) {
	scope := scopeOf(sel)
	out := make([]drive.PathID, len(paths))

	var misses []string

	seen := make(map[string]bool)

	for i, p := range paths {
		clean := drive.CleanPath(p)
		out[i].Path = clean

		if e, ok := s.cache.Peek(ctx, scope, clean); ok {
			out[i].ID = e.ID
			continue
		}

		if !seen[clean] {
			seen[clean] = true
			misses = append(misses, clean)
		}
	}

	if len(misses) == 0 {
		return out, nil
	}

	var resolved []drive.PathID

	err := s.do(ctx, "resolve_paths", func(ctx context.Context) error {
		var err error
		resolved, err = sel.Adapter.ResolvePaths(ctx, misses)

		return err
	})
	if err != nil {
		return nil, err
	}

	ids := make(map[string]string, len(resolved))

	for _, r := range resolved {
		clean := drive.CleanPath(r.Path)
		ids[clean] = r.ID

		if r.ID != "" {
			s.cache.Remember(ctx, scope, pathcache.Entry{Path: clean, ID: r.ID})
		}
	}

	for i := range out {
		if out[i].ID == "" {
			out[i].ID = ids[out[i].Path]
		}
	}

	return out, nil
}

// PathOf returns the breadcrumb of an own-drive identifier. Providers with
// a path lookup answer directly; others are searched from the root.
func (s *Service) PathOf(ctx context.Context, sel account.Selection, id string) (drive.Breadcrumb, error) {
	if id == "" || id == drive.RootID {
		return drive.Breadcrumb{}, nil
	}

	if pf, ok := sel.Adapter.(drive.PathFinder); ok {
		return pf.PathOf(ctx, id)
	}

	r := drive.Resolver{
		MaxDepth: drive.DefaultWalkDepth,
		List:     drive.MemoList(sel.Adapter.ListChildren),
		Logger:   s.logger,
	}

	crumbs, found, err := r.FindByID(ctx, drive.RootID, id)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, &drive.Error{
			Provider: sel.Adapter.Provider(),
			Account:  sel.Account.Name,
			Kind:     drive.KindNotFound,
			Message:  "no folder with id " + id + " within reach of the root",
		}
	}

	return crumbs, nil
}

// ShareBreadcrumb returns the path from the share root to containerID.
// Results are cached per share, since resolving them costs one listing per
// container visited.
func (s *Service) ShareBreadcrumb(ctx context.Context, sh Share, tok drive.ShareToken, containerID string) (drive.Breadcrumb, error) {
	if containerID == "" || containerID == drive.RootID {
		return drive.Breadcrumb{}, nil
	}

	ad := sh.Selection.Adapter
	scope := pathcache.Scope{Provider: ad.Provider(), Account: "share/" + sh.Ref.ShareID}

	e, err := s.cache.Lookup(ctx, scope, containerID, func(ctx context.Context) (pathcache.Entry, error) {
		crumbs, err := s.findInShare(ctx, sh, tok, containerID)
		if err != nil {
			return pathcache.Entry{}, err
		}

		return pathcache.Entry{ID: containerID, Crumbs: crumbs}, nil
	})
	if err != nil {
		return nil, err
	}

	return e.Crumbs, nil
}

func (s *Service) findInShare(ctx context.Context, sh Share, tok drive.ShareToken, containerID string) (drive.Breadcrumb, error) {
	ad := sh.Selection.Adapter

	if bc, ok := ad.(drive.ShareBreadcrumber); ok {
		return bc.ShareBreadcrumb(ctx, sh.Ref.ShareID, tok, containerID)
	}

	r := drive.Resolver{
		MaxDepth: drive.DefaultShareDepth,
		List: func(ctx context.Context, id string) ([]drive.Node, error) {
			return ad.ListShareChildren(ctx, sh.Ref.ShareID, tok, id)
		},
		Logger: s.logger,
	}

	crumbs, found, err := r.FindByID(ctx, drive.RootID, containerID)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, &drive.Error{
			Provider: ad.Provider(),
			Account:  sh.Selection.Account.Name,
			Kind:     drive.KindNotFound,
			Message:  "folder " + containerID + " not found in share " + sh.Ref.ShareID,
		}
	}

	return crumbs, nil
}

// SaveTask is a scheduled save job as far as savepath maintenance cares.
type SaveTask struct {
	Account  string
	URL      string
	Savepath string
	// EndDate, when set, is the last day the task runs.
	EndDate time.Time
}

// SavepathResult is the outcome for one distinct savepath of one account.
type SavepathResult struct {
	Account string
	Path    string
	ID      string
	Created bool
	Err     error
}

// EnsureSavepaths makes sure every active task's savepath exists, creating
// what is missing. Tasks are grouped by the account that would serve them
// so each account resolves its paths in one batch. Failures are reported
// per path and joined into the returned error; the other paths still run.
func (s *Service) EnsureSavepaths(ctx context.Context, tasks []SaveTask, now time.Time) ([]SavepathResult, error) {
	type group struct {
		sel   account.Selection
		paths []string
		seen  map[string]bool
	}

	var (
		order  []string
		groups = make(map[string]*group)
		errs   []error
	)

	today := now.Truncate(24 * time.Hour)

	for _, t := range tasks {
		if !t.EndDate.IsZero() && today.After(t.EndDate) {
			continue
		}

		sel, err := s.router.Select(ctx, account.Task{AccountName: t.Account, URL: t.URL})
		if err != nil {
			errs = append(errs, err)
			continue
		}

		g, ok := groups[sel.Account.Name]
		if !ok {
			g = &group{sel: sel, seen: make(map[string]bool)}
			groups[sel.Account.Name] = g
			order = append(order, sel.Account.Name)
		}

		if p := drive.CleanPath(t.Savepath); !g.seen[p] {
			g.seen[p] = true
			g.paths = append(g.paths, p)
		}
	}

	var out []SavepathResult

	for _, name := range order {
		g := groups[name]

		ids, err := s.PathToID(ctx, g.sel, g.paths)
		if err != nil {
			errs = append(errs, err)

			for _, p := range g.paths {
				out = append(out, SavepathResult{Account: name, Path: p, Err: err})
			}

			continue
		}

		for _, pid := range ids {
			res := SavepathResult{Account: name, Path: pid.Path, ID: pid.ID}

			if res.ID == "" && res.Path != "/" {
				node, err := s.MakeDir(ctx, g.sel, pid.Path)
				if err != nil {
					res.Err = err
					errs = append(errs, err)
				} else {
					res.ID = node.ID
					res.Created = true

					s.logger.Info("created savepath",
						slog.String("account", name),
						slog.String("path", pid.Path),
						slog.String("id", node.ID),
					)
				}
			}

			out = append(out, res)
		}
	}

	return out, errors.Join(errs...)
}
