package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tonimelisma/pansave/internal/drive"
)

// ErrStaleRotation is returned when a rotation is older than the secret
// already stored. The file is left unchanged.
var ErrStaleRotation = errors.New("config: stale credential rotation")

// CredentialWriter persists rotated secrets into the account's section of
// the config file. It implements drive.RotationSink.
type CredentialWriter struct {
	holder *Holder
	logger *slog.Logger

	mu sync.Mutex // serializes read-modify-write of the file
}

// NewCredentialWriter returns a writer for the holder's config file.
func NewCredentialWriter(holder *Holder, logger *slog.Logger) *CredentialWriter {
	if holder == nil {
		panic("config: NewCredentialWriter with nil holder")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &CredentialWriter{holder: holder, logger: logger}
}

var _ drive.RotationSink = (*CredentialWriter)(nil)

// CredentialRotated writes rot's secret and timestamp into the account
// section. Only the section named rot.Account is touched, and only when its
// provider matches. A rotation older than the stored secret_updated_at is
// rejected with ErrStaleRotation; an equal timestamp is applied.
func (w *CredentialWriter) CredentialRotated(_ context.Context, rot drive.Rotation) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := w.holder.Path()

	var onDisk struct {
		Account map[string]Account `toml:"account"`
	}

	if _, err := toml.DecodeFile(path, &onDisk); err != nil {
		return fmt.Errorf("config: reading %s for rotation: %w", path, err)
	}

	stored, ok := onDisk.Account[rot.Account]
	if !ok {
		return fmt.Errorf("config: account %q not found in %s", rot.Account, path)
	}

	if stored.Provider != string(rot.Provider) {
		return fmt.Errorf("config: account %q is provider %q, not %q", rot.Account, stored.Provider, rot.Provider)
	}

	if rot.UpdatedAt.Before(stored.SecretUpdatedAt) {
		w.logger.Warn("ignoring stale credential rotation",
			slog.String("account", rot.Account),
			slog.String("provider", string(rot.Provider)),
			slog.Time("stored_updated_at", stored.SecretUpdatedAt),
			slog.Time("rotation_updated_at", rot.UpdatedAt),
		)

		return fmt.Errorf("%w: account %q has a newer secret", ErrStaleRotation, rot.Account)
	}

	stamp := rot.UpdatedAt.UTC().Format(time.RFC3339Nano)

	err := setAccountLines(path, rot.Account, []keyLine{
		{"secret", fmt.Sprintf("secret = %q", rot.Secret)},
		{"secret_updated_at", "secret_updated_at = " + stamp},
	})
	if err != nil {
		return fmt.Errorf("config: writing rotated secret: %w", err)
	}

	stored.Secret = rot.Secret
	stored.SecretUpdatedAt = rot.UpdatedAt.UTC()
	w.holder.updateAccount(rot.Account, stored)

	w.logger.Info("persisted rotated credential",
		slog.String("account", rot.Account),
		slog.String("provider", string(rot.Provider)),
	)

	return nil
}
