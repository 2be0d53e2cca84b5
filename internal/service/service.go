// Package service is the surface callers use: it selects an account for
// each request, applies the retry policy, and keeps the path cache in step
// with mutations. Adapters themselves never retry.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/tonimelisma/pansave/internal/account"
	"github.com/tonimelisma/pansave/internal/drive"
	"github.com/tonimelisma/pansave/internal/factory"
	"github.com/tonimelisma/pansave/internal/pathcache"
)

// Retry and polling constants.
const (
	maxRetries       = 5
	baseBackoff      = 1 * time.Second
	maxBackoff       = 60 * time.Second
	jitterPercent    = 25
	defaultPollEvery = 2 * time.Second
)

// Service ties the router, the factory and the path cache together.
type Service struct {
	router    *account.Router
	factory   *factory.Factory
	cache     *pathcache.Cache
	logger    *slog.Logger
	backoff   func() retry.Backoff
	pollEvery time.Duration
}

// Option customizes a Service.
type Option func(*Service)

// WithBackoff replaces the retry policy. Tests use it to avoid sleeping.
func WithBackoff(fn func() retry.Backoff) Option {
	return func(s *Service) { s.backoff = fn }
}

// WithPollInterval sets how often WaitTransfer polls.
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) { s.pollEvery = d }
}

// WithCache sets the path cache. Without one nothing is cached.
func WithCache(c *pathcache.Cache) Option {
	return func(s *Service) { s.cache = c }
}

// New returns a Service.
func New(router *account.Router, f *factory.Factory, logger *slog.Logger, opts ...Option) *Service {
	if router == nil || f == nil {
		panic("service: New needs a router and a factory")
	}

	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		router:    router,
		factory:   f,
		logger:    logger,
		backoff:   defaultBackoff,
		pollEvery: defaultPollEvery,
	}

	for _, o := range opts {
		o(s)
	}

	if s.cache == nil {
		s.cache = pathcache.New(nil, logger)
	}

	return s
}

func defaultBackoff() retry.Backoff {
	b := retry.NewExponential(baseBackoff)
	b = retry.WithJitterPercent(jitterPercent, b)
	b = retry.WithCappedDuration(maxBackoff, b)

	return retry.WithMaxRetries(maxRetries, b)
}

// do runs fn under the retry policy. Only transport and rate-limit
// failures are retried; context errors never are.
func (s *Service) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0

	return retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		attempt++

		err := fn(ctx)
		if err == nil || ctx.Err() != nil || !drive.KindOf(err).Retriable() {
			return err
		}

		s.logger.Warn("retrying after provider error",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		return retry.RetryableError(err)
	})
}

// SelectAdapter returns the adapter that serves task.
func (s *Service) SelectAdapter(ctx context.Context, task account.Task) (account.Selection, error) {
	return s.router.Select(ctx, task)
}

func scopeOf(sel account.Selection) pathcache.Scope {
	return pathcache.Scope{Provider: sel.Adapter.Provider(), Account: sel.Account.Name}
}

// Share is a parsed share link bound to the account that will read it.
type Share struct {
	Selection account.Selection
	Provider  drive.ProviderID
	Ref       drive.ShareRef
}

// ResolveShare detects the provider of rawURL, selects an account for it
// and parses the link.
func (s *Service) ResolveShare(ctx context.Context, task account.Task) (Share, error) {
	provider, ok := s.factory.DetectProvider(task.URL)
	if !ok {
		return Share{}, &drive.Error{
			Kind:    drive.KindBadInput,
			Message: fmt.Sprintf("no provider recognizes share link %q", task.URL),
		}
	}

	sel, err := s.router.Select(ctx, task)
	if err != nil {
		return Share{}, err
	}

	if got := sel.Adapter.Provider(); got != provider {
		return Share{}, &drive.Error{
			Provider: got,
			Account:  sel.Account.Name,
			Kind:     drive.KindBadInput,
			Message:  fmt.Sprintf("share link belongs to %s, not to this account", provider),
		}
	}

	ref, err := sel.Adapter.ParseShareURL(task.URL)
	if err != nil {
		return Share{}, err
	}

	return Share{Selection: sel, Provider: provider, Ref: ref}, nil
}

// GetShareToken obtains the share grant, retrying transient failures.
func (s *Service) GetShareToken(ctx context.Context, sh Share) (drive.ShareToken, error) {
	var tok drive.ShareToken

	err := s.do(ctx, "share_token", func(ctx context.Context) error {
		var err error
		tok, err = sh.Selection.Adapter.ShareToken(ctx, sh.Ref.ShareID, sh.Ref.Passcode)

		return err
	})

	return tok, err
}

// ListShare lists one container of a share. An empty containerID lists the
// container the link points at.
func (s *Service) ListShare(ctx context.Context, sh Share, tok drive.ShareToken, containerID string) ([]drive.Node, error) {
	if containerID == "" {
		containerID = sh.Ref.ContainerID
	}

	if containerID == "" {
		containerID = drive.RootID
	}

	var nodes []drive.Node

	err := s.do(ctx, "list_share", func(ctx context.Context) error {
		var err error
		nodes, err = sh.Selection.Adapter.ListShareChildren(ctx, sh.Ref.ShareID, tok, containerID)

		return err
	})

	return nodes, err
}

// ListOwn lists a container of the selected account's drive.
func (s *Service) ListOwn(ctx context.Context, sel account.Selection, containerID string) ([]drive.Node, error) {
	if containerID == "" {
		containerID = drive.RootID
	}

	var nodes []drive.Node

	err := s.do(ctx, "list", func(ctx context.Context) error {
		var err error
		nodes, err = sel.Adapter.ListChildren(ctx, containerID)

		return err
	})

	return nodes, err
}

// Transfer copies shared nodes into the account's drive. It is not
// retried: a transport failure may hide a copy that went through.
func (s *Service) Transfer(ctx context.Context, sh Share, req drive.TransferRequest) (drive.TransferResult, error) {
	if req.ShareID == "" {
		req.ShareID = sh.Ref.ShareID
	}

	res, err := sh.Selection.Adapter.TransferShared(ctx, req)
	if err != nil && !drive.IsKind(err, drive.KindPartialSuccess) {
		return res, err
	}

	s.logger.Info("transfer submitted",
		slog.String("account", sh.Selection.Account.Name),
		slog.String("share", req.ShareID),
		slog.Int("items", len(req.NodeIDs)),
		slog.String("task_id", res.TaskID),
		slog.Bool("done", res.Done),
	)

	return res, err
}

// PollTransfer observes an asynchronous transfer once.
func (s *Service) PollTransfer(ctx context.Context, sel account.Selection, taskID string) (drive.TaskStatus, error) {
	var st drive.TaskStatus

	err := s.do(ctx, "poll", func(ctx context.Context) error {
		var err error
		st, err = sel.Adapter.PollTransfer(ctx, taskID)

		return err
	})

	return st, err
}

// WaitTransfer polls until the transfer reaches a terminal state or ctx
// ends. Synchronous transfers return immediately. onPoll, if set, sees
// every observation.
func (s *Service) WaitTransfer(
	ctx context.Context, sel account.Selection, res drive.TransferResult, onPoll func(drive.TaskStatus),
) (drive.TaskStatus, error) {
	if res.Done || res.TaskID == "" {
		return drive.TaskStatus{State: drive.TaskDone, Progress: 100, SavedIDs: res.SavedIDs}, nil
	}

	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	for {
		st, err := s.PollTransfer(ctx, sel, res.TaskID)
		if err != nil {
			return st, err
		}

		if onPoll != nil {
			onPoll(st)
		}

		if st.State.Terminal() {
			if st.State == drive.TaskFailed {
				return st, &drive.Error{
					Provider: sel.Adapter.Provider(),
					Account:  sel.Account.Name,
					Kind:     drive.KindTransport,
					Message:  "transfer task failed: " + st.Message,
				}
			}

			return st, nil
		}

		s.logger.Debug("transfer in progress",
			slog.String("task_id", res.TaskID),
			slog.String("state", st.State.String()),
			slog.Int("progress", st.Progress),
		)

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

// MakeDir creates path and every missing parent. Creation is idempotent,
// so transient failures are retried.
func (s *Service) MakeDir(ctx context.Context, sel account.Selection, path string) (drive.Node, error) {
	var node drive.Node

	err := s.do(ctx, "mkdir", func(ctx context.Context) error {
		var err error
		node, err = sel.Adapter.MakeContainer(ctx, path)

		return err
	})
	if err != nil {
		return drive.Node{}, err
	}

	s.cache.Remember(ctx, scopeOf(sel), pathcache.Entry{Path: path, ID: node.ID})

	return node, nil
}

// Rename renames a node and drops the account's cached paths.
func (s *Service) Rename(ctx context.Context, sel account.Selection, id, newName string) error {
	if err := sel.Adapter.Rename(ctx, id, newName); err != nil {
		return err
	}

	s.invalidate(ctx, sel)

	return nil
}

// Delete removes nodes and drops the account's cached paths.
func (s *Service) Delete(ctx context.Context, sel account.Selection, ids []string) error {
	if err := sel.Adapter.Delete(ctx, ids); err != nil {
		return err
	}

	s.invalidate(ctx, sel)

	return nil
}

func (s *Service) invalidate(ctx context.Context, sel account.Selection) {
	if err := s.cache.Invalidate(ctx, scopeOf(sel)); err != nil {
		s.logger.Warn("path cache invalidation failed",
			slog.String("account", sel.Account.Name),
			slog.String("error", err.Error()),
		)
	}
}
