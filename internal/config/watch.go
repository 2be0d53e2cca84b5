package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce coalesces the bursts of events an editor or an atomic
// rename produces.
const defaultDebounce = 250 * time.Millisecond

// Watcher reloads the config file when it changes on disk. A file that
// fails to load is logged and the previous config stays active.
type Watcher struct {
	holder   *Holder
	logger   *slog.Logger
	onReload func(*Config)
	debounce time.Duration
}

// NewWatcher returns a watcher for the holder's file. onReload runs after
// every successful reload and may be nil.
func NewWatcher(holder *Holder, logger *slog.Logger, onReload func(*Config)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{holder: holder, logger: logger, onReload: onReload, debounce: defaultDebounce}
}

// Run watches until ctx is canceled. The directory is watched rather than
// the file because atomic writes replace the file's inode.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating watcher: %w", err)
	}
	defer fw.Close()

	target := filepath.Clean(w.holder.Path())
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("config: watching %s: %w", filepath.Dir(target), err)
	}

	w.logger.Debug("watching config file", slog.String("path", target))

	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			fire = time.After(w.debounce)

		case watchErr, ok := <-fw.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("config watcher error", slog.String("error", watchErr.Error()))

		case <-fire:
			fire = nil
			w.Reload()
		}
	}
}

// Reload loads the file now and publishes it to the holder.
func (w *Watcher) Reload() {
	cfg, err := Load(w.holder.Path())
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous config",
			slog.String("path", w.holder.Path()),
			slog.String("error", err.Error()),
		)

		return
	}

	w.holder.Update(cfg)

	w.logger.Info("config reloaded",
		slog.String("path", w.holder.Path()),
		slog.Int("accounts", len(cfg.Accounts)),
	)

	if w.onReload != nil {
		w.onReload(cfg)
	}
}
