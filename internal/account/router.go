// Package account maps work to adapters. The Router picks which configured
// account serves a task and asks the factory for that account's adapter;
// Probe checks every enabled account at once.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tonimelisma/pansave/internal/config"
	"github.com/tonimelisma/pansave/internal/drive"
	"github.com/tonimelisma/pansave/internal/factory"
	"github.com/tonimelisma/pansave/internal/tokenfile"
)

// ErrNoUsableAccount is returned when no enabled account can serve a task.
var ErrNoUsableAccount = errors.New("account: no usable account")

// defaultProbeConcurrency bounds simultaneous Initialize calls in Probe.
const defaultProbeConcurrency = 4

// Task names what the caller wants to work on. Either field may be empty.
type Task struct {
	AccountName string
	URL         string
}

// Selection is the account chosen for a task and its adapter.
type Selection struct {
	Account config.NamedAccount
	Adapter drive.Adapter
}

// OptionsFunc builds adapter options for an account.
type OptionsFunc func(config.NamedAccount) drive.Options

// Router selects accounts from the live configuration.
type Router struct {
	holder  *config.Holder
	factory *factory.Factory
	options OptionsFunc
	logger  *slog.Logger
}

// NewRouter returns a router. options may be nil, in which case adapters
// get only the account name and secret timestamp.
func NewRouter(holder *config.Holder, f *factory.Factory, options OptionsFunc, logger *slog.Logger) *Router {
	if holder == nil || f == nil {
		panic("account: NewRouter needs a config holder and a factory")
	}

	if logger == nil {
		logger = slog.Default()
	}

	if options == nil {
		options = func(a config.NamedAccount) drive.Options {
			return drive.Options{Account: a.Name, SecretUpdatedAt: a.SecretUpdatedAt, Logger: logger}
		}
	}

	return &Router{holder: holder, factory: f, options: options, logger: logger}
}

// usable returns the enabled accounts whose provider the factory knows, in
// config order.
func (r *Router) usable() []config.NamedAccount {
	var out []config.NamedAccount

	for _, a := range r.holder.Config().EnabledAccounts() {
		if !r.factory.Known(a.ProviderID()) {
			r.logger.Debug("skipping account with unknown provider",
				slog.String("account", a.Name),
				slog.String("provider", a.Provider),
			)

			continue
		}

		out = append(out, a)
	}

	return out
}

// Choose picks the account for task without building an adapter. The
// order is: the named account, then the first account whose provider
// matches the URL, then the default account (flagged, else first).
func (r *Router) Choose(task Task) (config.NamedAccount, error) {
	accounts := r.usable()
	if len(accounts) == 0 {
		return config.NamedAccount{}, fmt.Errorf("%w: no enabled accounts", ErrNoUsableAccount)
	}

	if task.AccountName != "" {
		for _, a := range accounts {
			if a.Name == task.AccountName {
				return a, nil
			}
		}

		r.logger.Warn("requested account is not usable, falling back",
			slog.String("account", task.AccountName),
		)
	}

	if task.URL != "" {
		if provider, ok := r.factory.DetectProvider(task.URL); ok {
			for _, a := range accounts {
				if a.ProviderID() == provider {
					return a, nil
				}
			}
		}
	}

	for _, a := range accounts {
		if a.Default {
			return a, nil
		}
	}

	return accounts[0], nil
}

// Select chooses an account for task and returns its adapter.
func (r *Router) Select(_ context.Context, task Task) (Selection, error) {
	a, err := r.Choose(task)
	if err != nil {
		return Selection{}, err
	}

	if others := SharedCredential(r.holder.Config(), a); len(others) > 0 {
		r.logger.Warn("account shares its credential with other accounts; they use one adapter and errors may name any of them",
			slog.String("account", a.Name),
			slog.Any("shared_with", others),
		)
	}

	ad, err := r.factory.Create(a.ProviderID(), a.Secret, r.options(a))
	if err != nil {
		return Selection{}, fmt.Errorf("account %q: %w", a.Name, err)
	}

	return Selection{Account: a, Adapter: ad}, nil
}

// SharedCredential returns the other enabled accounts configured with the
// same provider and secret as a, in config order. The factory caches
// adapters per credential, so such accounts share one adapter instance.
func SharedCredential(cfg *config.Config, a config.NamedAccount) []string {
	var out []string

	for _, other := range cfg.EnabledAccounts() {
		if other.Name != a.Name && other.Provider == a.Provider && other.Secret == a.Secret {
			out = append(out, other.Name)
		}
	}

	return out
}

// Status is the probe result for one account.
type Status struct {
	Account  string
	Provider drive.ProviderID
	Info     drive.AccountInfo
	Err      error
}

// OK reports whether the account initialized.
func (s Status) OK() bool { return s.Err == nil }

// Probe initializes every enabled account concurrently and reports each
// outcome in config order. Individual failures are recorded in the
// statuses; the returned error is only ctx's.
func (r *Router) Probe(ctx context.Context, concurrency int) ([]Status, error) {
	if concurrency <= 0 {
		concurrency = defaultProbeConcurrency
	}

	accounts := r.holder.Config().EnabledAccounts()
	out := make([]Status, len(accounts))
	sem := semaphore.NewWeighted(int64(concurrency))

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)

	for i, a := range accounts {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}

		g.Go(func() error {
			defer sem.Release(1)

			st := r.probeOne(gctx, a)

			mu.Lock()
			out[i] = st
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return out, err
	}

	return out, ctx.Err()
}

func (r *Router) probeOne(ctx context.Context, a config.NamedAccount) Status {
	st := Status{Account: a.Name, Provider: a.ProviderID()}

	ad, err := r.factory.Create(a.ProviderID(), a.Secret, r.options(a))
	if err != nil {
		st.Err = err
		return st
	}

	st.Info, st.Err = ad.Initialize(ctx)

	r.logger.Debug("probed account",
		slog.String("account", a.Name),
		slog.String("provider", a.Provider),
		slog.Bool("ok", st.Err == nil),
	)

	return st
}

// DefaultOptions returns the OptionsFunc the CLI uses: shared HTTP client,
// request pacing from [network], a rotation sink, and a per-account session
// cache under sessionDir (disabled when empty).
func DefaultOptions(
	holder *config.Holder, httpClient *http.Client, sink drive.RotationSink, sessionDir string, logger *slog.Logger,
) OptionsFunc {
	if logger == nil {
		logger = slog.Default()
	}

	return func(a config.NamedAccount) drive.Options {
		net := holder.Config().Network

		opts := drive.Options{
			Account:           a.Name,
			SecretUpdatedAt:   a.SecretUpdatedAt,
			HTTPClient:        httpClient,
			Logger:            logger.With(slog.String("account", a.Name)),
			RequestsPerSecond: net.RequestsPerSecond,
			Burst:             net.Burst,
			Sink:              sink,
			Now:               time.Now,
		}

		if sessionDir != "" {
			opts.Cache = tokenfile.ForAccount(sessionDir, a.ProviderID(), a.Name)
		}

		return opts
	}
}

// Reconcile brings cached adapters in line with a reloaded configuration.
// An account whose secret changed hands the new secret to its live adapter
// when the adapter can adopt it, and otherwise loses the cached instance.
// An unchanged account gets a sticky session failure cleared, so an edited
// or re-enabled account is validated again. Credentials no enabled account
// uses any more are evicted. Without a previous snapshot every cached
// adapter is dropped.
func (r *Router) Reconcile(prev, next *config.Config) {
	if prev == nil {
		r.factory.ClearCache()

		return
	}

	inUse := make(map[string]struct{})

	for _, a := range next.EnabledAccounts() {
		inUse[factory.Key(a.ProviderID(), a.Secret)] = struct{}{}
	}

	for _, a := range next.EnabledAccounts() {
		old, ok := prev.Accounts[a.Name]
		if !ok || old.Provider != a.Provider {
			continue
		}

		if old.Secret == a.Secret {
			r.resetSession(a)

			continue
		}

		r.updateCredential(a, old.Secret)
	}

	for name, old := range prev.Accounts {
		provider := drive.ProviderID(old.Provider)
		if _, used := inUse[factory.Key(provider, old.Secret)]; used {
			continue
		}

		if r.factory.Evict(provider, old.Secret) {
			r.logger.Info("dropped adapter of removed credential",
				slog.String("account", name),
				slog.String("provider", old.Provider),
			)
		}
	}
}

func (r *Router) resetSession(a config.NamedAccount) {
	ad, ok := r.factory.Lookup(a.ProviderID(), a.Secret)
	if !ok {
		return
	}

	if rs, ok := ad.(drive.SessionResetter); ok && rs.ResetSession() {
		r.logger.Info("cleared failed session after config reload",
			slog.String("account", a.Name),
			slog.String("provider", a.Provider),
		)
	}
}

func (r *Router) updateCredential(a config.NamedAccount, oldSecret string) {
	ad, ok := r.factory.Lookup(a.ProviderID(), oldSecret)
	if !ok {
		return
	}

	if up, ok := ad.(drive.CredentialUpdater); ok && up.UpdateCredential(a.Secret, a.SecretUpdatedAt) {
		r.factory.Rekey(a.ProviderID(), oldSecret, a.Secret)
		r.logger.Info("adopted changed credential in place",
			slog.String("account", a.Name),
			slog.String("provider", a.Provider),
		)

		return
	}

	r.factory.Evict(a.ProviderID(), oldSecret)
	r.logger.Info("credential changed, adapter will be rebuilt",
		slog.String("account", a.Name),
		slog.String("provider", a.Provider),
	)
}
