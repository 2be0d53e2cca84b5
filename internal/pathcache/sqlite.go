package pathcache

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/tonimelisma/pansave/internal/drive"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	sqlGet = `SELECT id, crumbs, updated_at FROM paths
		WHERE provider = ? AND account = ? AND path = ?`

	sqlPut = `INSERT INTO paths (provider, account, path, id, crumbs, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, account, path) DO UPDATE SET
		 id = excluded.id,
		 crumbs = excluded.crumbs,
		 updated_at = excluded.updated_at`

	sqlDelete = `DELETE FROM paths WHERE provider = ? AND account = ? AND path = ?`
	sqlClear  = `DELETE FROM paths WHERE provider = ? AND account = ?`
	sqlPrune  = `DELETE FROM paths WHERE updated_at < ?`
)

// SQLite is a Store backed by a local SQLite database.
type SQLite struct {
	db     *sql.DB
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path, applies
// migrations and prunes expired rows.
func OpenSQLite(ctx context.Context, path string, ttl time.Duration, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("pathcache: creating cache directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("pathcache: opening database %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLite{db: db, ttl: ttl, logger: logger, now: time.Now}

	if ttl > 0 {
		res, err := db.ExecContext(ctx, sqlPrune, s.now().Add(-ttl).UnixNano())
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("pathcache: pruning expired entries: %w", err)
		}

		if n, _ := res.RowsAffected(); n > 0 {
			logger.Debug("pruned expired path cache entries", slog.Int64("count", n))
		}
	}

	logger.Debug("path cache opened", slog.String("db_path", path))

	return s, nil
}

func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("pathcache: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("pathcache: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("pathcache: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, scope Scope, path string) (Entry, bool, error) {
	var (
		id      string
		crumbs  string
		updated int64
	)

	err := s.db.QueryRowContext(ctx, sqlGet, string(scope.Provider), scope.Account, path).Scan(&id, &crumbs, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}

	if err != nil {
		return Entry{}, false, fmt.Errorf("pathcache: reading %s %s: %w", scope, path, err)
	}

	e := Entry{Path: path, ID: id, UpdatedAt: time.Unix(0, updated).UTC()}
	if err := json.Unmarshal([]byte(crumbs), &e.Crumbs); err != nil {
		return Entry{}, false, fmt.Errorf("pathcache: decoding breadcrumb of %s: %w", path, err)
	}

	if expired(e, s.ttl, s.now()) {
		return Entry{}, false, nil
	}

	return e, true, nil
}

// Put implements Store.
func (s *SQLite) Put(ctx context.Context, scope Scope, e Entry) error {
	crumbs := e.Crumbs
	if crumbs == nil {
		crumbs = []drive.Crumb{}
	}

	raw, err := json.Marshal(crumbs)
	if err != nil {
		return fmt.Errorf("pathcache: encoding breadcrumb of %s: %w", e.Path, err)
	}

	_, err = s.db.ExecContext(ctx, sqlPut,
		string(scope.Provider), scope.Account, e.Path, e.ID, string(raw), e.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("pathcache: writing %s %s: %w", scope, e.Path, err)
	}

	return nil
}

// Delete implements Store.
func (s *SQLite) Delete(ctx context.Context, scope Scope, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pathcache: beginning delete: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, p := range paths {
		if _, err := tx.ExecContext(ctx, sqlDelete, string(scope.Provider), scope.Account, p); err != nil {
			return fmt.Errorf("pathcache: deleting %s %s: %w", scope, p, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pathcache: committing delete: %w", err)
	}

	return nil
}

// Clear implements Store.
func (s *SQLite) Clear(ctx context.Context, scope Scope) error {
	if _, err := s.db.ExecContext(ctx, sqlClear, string(scope.Provider), scope.Account); err != nil {
		return fmt.Errorf("pathcache: clearing %s: %w", scope, err)
	}

	return nil
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.db.Close()
}
