package drive

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// Rotation is a refreshed credential that must be persisted.
type Rotation struct {
	Provider  ProviderID
	Account   string
	Secret    string
	UpdatedAt time.Time
}

// Grant is the result of one refresh: the token plus identifiers the
// provider returned alongside it (user id, default drive id).
type Grant struct {
	Token *oauth2.Token
	Meta  map[string]string
}

// RefreshFunc exchanges a refresh token for a Grant. A rotated refresh
// token is reported in Grant.Token.RefreshToken.
type RefreshFunc func(ctx context.Context, refreshToken string) (Grant, error)

// SecondaryFunc obtains the anti-bot token that guards some endpoints. It
// receives the currently valid primary grant and runs under the lifecycle
// lock, so it must not call back into the lifecycle.
type SecondaryFunc func(ctx context.Context, primary Grant) (*oauth2.Token, error)

// SessionCache persists the access token between processes.
type SessionCache interface {
	Load() (*oauth2.Token, map[string]string, error)
	Save(tok *oauth2.Token, meta map[string]string) error
}

// TokenConfig configures a TokenLifecycle.
type TokenConfig struct {
	Label           Label
	Secret          string
	SecretUpdatedAt time.Time
	// Margin is subtracted from the expiry when deciding whether an access
	// token can still be used.
	Margin  time.Duration
	Refresh RefreshFunc
	Sink    RotationSink // optional
	Cache   SessionCache // optional
	Logger  *slog.Logger
	Now     func() time.Time
}

type secondary struct {
	refresh SecondaryFunc
	margin  time.Duration
	tok     *oauth2.Token
}

// TokenLifecycle keeps a refresh-token session valid. All refreshes happen
// under one mutex, so concurrent callers facing an expired token trigger a
// single exchange. A failed refresh is sticky until Reset supplies a new
// credential; the lifecycle never refreshes more than once per call.
type TokenLifecycle struct {
	label   Label
	margin  time.Duration
	refresh RefreshFunc
	sink    RotationSink
	cache   SessionCache
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	secret    string
	updatedAt time.Time
	grant     Grant
	failed    error
	second    *secondary
}

// NewTokenLifecycle creates a lifecycle. A cached session is adopted when
// it was issued for the configured secret and has not expired.
func NewTokenLifecycle(cfg TokenConfig) *TokenLifecycle {
	if cfg.Refresh == nil {
		panic("drive: TokenConfig.Refresh is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	l := &TokenLifecycle{
		label:     cfg.Label,
		margin:    cfg.Margin,
		refresh:   cfg.Refresh,
		sink:      cfg.Sink,
		cache:     cfg.Cache,
		logger:    logger,
		now:       now,
		secret:    cfg.Secret,
		updatedAt: cfg.SecretUpdatedAt,
	}

	if l.cache != nil {
		tok, meta, err := l.cache.Load()

		switch {
		case err != nil:
			logger.Warn("ignoring unreadable session cache",
				slog.String("provider", string(l.label.Provider)),
				slog.String("account", l.label.Account),
				slog.String("error", err.Error()),
			)
		case tok != nil && tok.RefreshToken == cfg.Secret && l.fresh(tok, l.margin):
			l.grant = Grant{Token: tok, Meta: meta}
			logger.Debug("adopted cached session",
				slog.String("provider", string(l.label.Provider)),
				slog.String("account", l.label.Account),
				slog.Time("expiry", tok.Expiry),
			)
		}
	}

	return l
}

// WithSecondary enables the dual-token mode. Must be called before the
// lifecycle is shared.
func (l *TokenLifecycle) WithSecondary(fn SecondaryFunc, margin time.Duration) *TokenLifecycle {
	l.second = &secondary{refresh: fn, margin: margin}

	return l
}

// EnsureValid returns a usable grant, refreshing it if needed.
func (l *TokenLifecycle) EnsureValid(ctx context.Context) (Grant, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.ensureLocked(ctx)
}

// Both returns valid primary and secondary tokens. Each is refreshed
// independently, under the same lock.
func (l *TokenLifecycle) Both(ctx context.Context) (Grant, *oauth2.Token, error) {
	if l.second == nil {
		panic("drive: Both called on a lifecycle without a secondary token")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	g, err := l.ensureLocked(ctx)
	if err != nil {
		return Grant{}, nil, err
	}

	if l.fresh(l.second.tok, l.second.margin) {
		return g, l.second.tok, nil
	}

	tok, err := l.second.refresh(ctx, g)
	if err != nil {
		return Grant{}, nil, l.label.Wrap(err, "obtaining secondary token")
	}

	l.second.tok = tok
	l.logger.Debug("secondary token refreshed",
		slog.String("provider", string(l.label.Provider)),
		slog.String("account", l.label.Account),
		slog.Time("expiry", tok.Expiry),
	)

	return g, tok, nil
}

func (l *TokenLifecycle) ensureLocked(ctx context.Context) (Grant, error) {
	if l.failed != nil {
		return Grant{}, l.failed
	}

	if l.fresh(l.grant.Token, l.margin) {
		return l.grant, nil
	}

	l.logger.Info("refreshing access token",
		slog.String("provider", string(l.label.Provider)),
		slog.String("account", l.label.Account),
	)

	g, err := l.refresh(ctx, l.secret)
	if err != nil {
		wrapped := l.label.Wrap(err, "refreshing token")

		if ctx.Err() != nil {
			return Grant{}, wrapped
		}

		l.failed = &Error{
			Provider: l.label.Provider,
			Account:  l.label.Account,
			Kind:     KindAuthInvalid,
			Message:  "token refresh failed, a new credential is required: " + err.Error(),
			Err:      err,
		}

		return Grant{}, l.failed
	}

	if g.Token == nil || g.Token.AccessToken == "" {
		l.failed = l.label.Errorf(KindAuthInvalid, "", "token refresh returned no access token")

		return Grant{}, l.failed
	}

	if rt := g.Token.RefreshToken; rt != "" && rt != l.secret {
		l.rotateLocked(ctx, rt)
	} else if rt == "" {
		// The cache matches sessions to secrets by refresh token.
		tok := *g.Token
		tok.RefreshToken = l.secret
		g.Token = &tok
	}

	l.grant = g

	if l.cache != nil {
		if err := l.cache.Save(g.Token, g.Meta); err != nil {
			l.logger.Warn("saving session cache failed",
				slog.String("provider", string(l.label.Provider)),
				slog.String("account", l.label.Account),
				slog.String("error", err.Error()),
			)
		}
	}

	return l.grant, nil
}

// rotateLocked records a new refresh token with a strictly increasing
// timestamp and hands it to the sink.
func (l *TokenLifecycle) rotateLocked(ctx context.Context, secret string) {
	at := l.now().UTC()
	if !at.After(l.updatedAt) {
		at = l.updatedAt.Add(time.Millisecond)
	}

	l.secret = secret
	l.updatedAt = at

	l.logger.Info("refresh token rotated",
		slog.String("provider", string(l.label.Provider)),
		slog.String("account", l.label.Account),
		slog.Time("updated_at", at),
	)

	if l.sink == nil {
		return
	}

	rot := Rotation{Provider: l.label.Provider, Account: l.label.Account, Secret: secret, UpdatedAt: at}
	if err := l.sink.CredentialRotated(ctx, rot); err != nil {
		l.logger.Warn("persisting rotated credential failed",
			slog.String("provider", string(l.label.Provider)),
			slog.String("account", l.label.Account),
			slog.String("error", err.Error()),
		)
	}
}

// ApplyRotation installs a credential produced elsewhere (another process
// sharing the config). It is ignored when older than the current one.
func (l *TokenLifecycle) ApplyRotation(rot Rotation) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rot.UpdatedAt.Before(l.updatedAt) {
		l.logger.Debug("ignoring stale rotation",
			slog.String("provider", string(l.label.Provider)),
			slog.String("account", l.label.Account),
			slog.Time("updated_at", rot.UpdatedAt),
			slog.Time("current", l.updatedAt),
		)

		return false
	}

	if rot.Secret != l.secret {
		l.grant = Grant{}
	}

	l.secret = rot.Secret
	l.updatedAt = rot.UpdatedAt
	l.failed = nil

	return true
}

// Replace adopts a secret read from configuration. A timestamped secret
// goes through ApplyRotation; one without a timestamp was entered by hand
// and replaces the session unconditionally.
func (l *TokenLifecycle) Replace(secret string, updatedAt time.Time) bool {
	if updatedAt.IsZero() {
		l.Reset(secret, updatedAt)

		return true
	}

	return l.ApplyRotation(Rotation{
		Provider:  l.label.Provider,
		Account:   l.label.Account,
		Secret:    secret,
		UpdatedAt: updatedAt,
	})
}

// Reset replaces the credential and clears any sticky failure.
func (l *TokenLifecycle) Reset(secret string, updatedAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.secret = secret
	l.updatedAt = updatedAt
	l.grant = Grant{}
	l.failed = nil

	if l.second != nil {
		l.second.tok = nil
	}
}

// Invalidate forces the next call to refresh the access token. Adapters
// call it once when the provider rejects a token the lifecycle believed
// valid, then retry the request a single time.
func (l *TokenLifecycle) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.grant = Grant{}
}

// InvalidateSecondary forces the next Both call to renew the secondary token.
func (l *TokenLifecycle) InvalidateSecondary() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.second != nil {
		l.second.tok = nil
	}
}

// Meta returns a copy of the identifiers of the last grant.
func (l *TokenLifecycle) Meta() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return maps.Clone(l.grant.Meta)
}

func (l *TokenLifecycle) fresh(tok *oauth2.Token, margin time.Duration) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}

	if tok.Expiry.IsZero() {
		return true
	}

	return l.now().Before(tok.Expiry.Add(-margin))
}

// ProbeFunc validates a cookie credential with a cheap call.
type ProbeFunc func(ctx context.Context) (AccountInfo, error)

// CookieSession tracks validity of a pre-baked cookie credential. The
// probe runs at most once per successful session; a failed probe is
// sticky until Reset.
type CookieSession struct {
	probe ProbeFunc

	mu     sync.Mutex
	info   AccountInfo
	ok     bool
	failed error
}

// NewCookieSession creates a session validated by probe.
func NewCookieSession(probe ProbeFunc) *CookieSession {
	return &CookieSession{probe: probe}
}

// Ensure runs the probe if it has not succeeded yet.
func (s *CookieSession) Ensure(ctx context.Context) (AccountInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed != nil {
		return AccountInfo{}, s.failed
	}

	if s.ok {
		return s.info, nil
	}

	info, err := s.probe(ctx)
	if err != nil {
		if ctx.Err() == nil && IsKind(err, KindAuthInvalid) {
			s.failed = err
		}

		return AccountInfo{}, err
	}

	s.info = info
	s.ok = true

	return info, nil
}

// MarkInvalid records that the provider rejected the cookie mid-operation.
func (s *CookieSession) MarkInvalid(err error) {
	if !IsKind(err, KindAuthInvalid) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ok = false
	s.failed = err
}

// Reset clears a sticky failure so the next Ensure probes again.
func (s *CookieSession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ok = false
	s.failed = nil
}

// Failed reports the sticky failure, if any.
func (s *CookieSession) Failed() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.failed
}
