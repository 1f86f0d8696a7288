package kvstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/roach88/crmsync/internal/record"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on changes.origin for watcher queries
const currentSchemaVersion = 1

const (
	// DefaultWatchInterval is how often watchers poll PRAGMA data_version.
	DefaultWatchInterval = 250 * time.Millisecond

	// changesRetention is how many change rows survive pruning.
	changesRetention = 1000

	// pruneEvery is the number of writes between two prunes of the log.
	pruneEvery = 100
)

// SQLite is a Store backed by a SQLite database file. Every process that
// opens the same file shares the records, which makes the file the origin.
//
// The native change signal comes from PRAGMA data_version, which changes
// only when another connection commits. The changes table then tells which
// keys moved.
type SQLite struct {
	db            *sql.DB
	origin        string
	watchInterval time.Duration
	log           *slog.Logger

	mu     sync.Mutex
	writes int
}

// SQLiteOption configures a SQLite store.
type SQLiteOption func(*sqliteConfig)

type sqliteConfig struct {
	maxPageCount  int
	watchInterval time.Duration
	logger        *slog.Logger
}

// WithMaxPageCount caps the database size in pages. Writes beyond it fail with
// SQLITE_FULL, reported as record.ErrCapacityExceeded. Zero leaves the
// SQLite default.
func WithMaxPageCount(pages int) SQLiteOption {
	return func(c *sqliteConfig) {
		c.maxPageCount = pages
	}
}

// WithWatchInterval sets the data_version polling period for watchers.
func WithWatchInterval(d time.Duration) SQLiteOption {
	return func(c *sqliteConfig) {
		c.watchInterval = d
	}
}

// WithSQLiteLogger sets the logger used by watchers.
func WithSQLiteLogger(l *slog.Logger) SQLiteOption {
	return func(c *sqliteConfig) {
		c.logger = l
	}
}

// OpenSQLite creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode so readers in other processes do not block writers
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention between processes
//
// This function is idempotent - safe to call multiple times.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLite, error) {
	cfg := sqliteConfig{watchInterval: DefaultWatchInterval}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// data_version is per connection, so the store must keep exactly one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	// The cap goes on after the schema so a small quota can not block Open.
	if cfg.maxPageCount > 0 {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA max_page_count = %d", cfg.maxPageCount)); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set max_page_count: %w", err)
		}
	}

	return &SQLite{
		db:            db,
		origin:        uuid.NewString(),
		watchInterval: cfg.watchInterval,
		log:           cfg.logger,
	}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get implements Store.
func (s *SQLite) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM records WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classifySQLite("sqlite get", key, err)
	}
	return value, true, nil
}

// Set implements Store. The record and its change row commit atomically.
func (s *SQLite) Set(key, value string) error {
	err := s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO records (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, key, value, time.Now().UnixMilli()); err != nil {
			return err
		}
		_, err := tx.Exec(`INSERT INTO changes (key, value, deleted, origin) VALUES (?, ?, 0, ?)`,
			key, value, s.origin)
		return err
	})
	if err != nil {
		return classifySQLite("sqlite set", key, err)
	}
	s.maybePrune()
	return nil
}

// Remove implements Store.
func (s *SQLite) Remove(key string) error {
	err := s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM records WHERE key = ?`, key)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		_, err = tx.Exec(`INSERT INTO changes (key, value, deleted, origin) VALUES (?, NULL, 1, ?)`,
			key, s.origin)
		return err
	})
	if err != nil {
		return classifySQLite("sqlite remove", key, err)
	}
	return nil
}

// Keys returns all record keys in binary order.
func (s *SQLite) Keys() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM records ORDER BY key COLLATE BINARY`)
	if err != nil {
		return nil, classifySQLite("sqlite keys", "", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, classifySQLite("sqlite keys", "", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Watch implements Watcher. A goroutine polls PRAGMA data_version and, when
// another connection has committed, delivers the change rows written by other
// Store instances since the last delivery.
func (s *SQLite) Watch(fn func(Change)) (func(), error) {
	version, err := s.dataVersion()
	if err != nil {
		return nil, classifySQLite("sqlite watch", "", err)
	}
	var lastSeq int64
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM changes`).Scan(&lastSeq); err != nil {
		return nil, classifySQLite("sqlite watch", "", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.watchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			v, err := s.dataVersion()
			if err != nil {
				s.log.Warn("sqlite watch: data_version failed", "error", err)
				continue
			}
			if v == version {
				continue
			}
			version = v
			changes, next, err := s.changesSince(ctx, lastSeq)
			if err != nil {
				s.log.Warn("sqlite watch: read changes failed", "error", err)
				continue
			}
			lastSeq = next
			for _, c := range changes {
				fn(c)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (s *SQLite) dataVersion() (int64, error) {
	var v int64
	err := s.db.QueryRow(`PRAGMA data_version`).Scan(&v)
	return v, err
}

// changesSince returns changes made by other Store instances after seq,
// ordered by seq, and the highest seq seen.
func (s *SQLite) changesSince(ctx context.Context, seq int64) ([]Change, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, key, COALESCE(value, ''), deleted, origin
		FROM changes
		WHERE seq > ?
		ORDER BY seq ASC
	`, seq)
	if err != nil {
		return nil, seq, err
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var (
			c       Change
			deleted int
			origin  string
		)
		if err := rows.Scan(&seq, &c.Key, &c.Value, &deleted, &origin); err != nil {
			return nil, seq, err
		}
		if origin == s.origin {
			continue
		}
		c.Deleted = deleted != 0
		out = append(out, c)
	}
	return out, seq, rows.Err()
}

func (s *SQLite) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() // No-op if committed
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// maybePrune trims the changes log every pruneEvery writes.
func (s *SQLite) maybePrune() {
	s.mu.Lock()
	s.writes++
	due := s.writes%pruneEvery == 0
	s.mu.Unlock()
	if !due {
		return
	}
	if _, err := s.db.Exec(`DELETE FROM changes WHERE seq <= (SELECT MAX(seq) FROM changes) - ?`, changesRetention); err != nil {
		s.log.Warn("sqlite: prune changes failed", "error", err)
	}
}

// classifySQLite wraps err with the record taxonomy sentinel.
// SQLITE_FULL is a capacity failure; everything else makes the store
// unavailable for this operation.
func classifySQLite(op, key string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrFull {
		return fmt.Errorf("%s %q: %w: %w", op, key, record.ErrCapacityExceeded, err)
	}
	return fmt.Errorf("%s %q: %w: %w", op, key, record.ErrStoreUnavailable, err)
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 adds the index watchers use to skip their own changes.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_changes_origin ON changes(origin, seq)`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLite) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
