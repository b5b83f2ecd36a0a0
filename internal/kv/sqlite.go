package kv

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on changes.at for compaction
const currentSchemaVersion = 1

// Defaults for SQLite stores.
const (
	DefaultPollInterval    = 150 * time.Millisecond
	DefaultLockLease       = 5 * time.Second
	DefaultChangeRetention = time.Minute
)

// compactEvery is the number of watch polls between change-log compactions.
const compactEvery = 100

// SQLite is a Store backed by a SQLite file that several OS processes may
// open at once.
type SQLite struct {
	db        *sql.DB
	poll      time.Duration
	lease     time.Duration
	retention time.Duration
	log       *slog.Logger
}

// SQLiteOption configures a SQLite store.
type SQLiteOption func(*SQLite)

// WithPollInterval sets how often Watch polls the change log.
func WithPollInterval(d time.Duration) SQLiteOption {
	return func(s *SQLite) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithLockLease sets how long a lock is held before another process may
// take it over. It bounds the damage of a process crashing while locked.
func WithLockLease(d time.Duration) SQLiteOption {
	return func(s *SQLite) {
		if d > 0 {
			s.lease = d
		}
	}
}

// WithChangeRetention sets how long change-log rows are kept.
func WithChangeRetention(d time.Duration) SQLiteOption {
	return func(s *SQLite) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithSQLiteLogger sets the logger used for background errors.
func WithSQLiteLogger(l *slog.Logger) SQLiteOption {
	return func(s *SQLite) {
		if l != nil {
			s.log = l
		}
	}
}

// OpenSQLite creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times, from several
// processes, on the same file.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &SQLite{
		db:        db,
		poll:      DefaultPollInterval,
		lease:     DefaultLockLease,
		retention: DefaultChangeRetention,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the value stored under key or ErrNotFound.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}

// Set upserts key and appends a change-log row in one transaction.
func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set %q: begin tx: %w", key, err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now)
	if err != nil {
		return fmt.Errorf("set %q: upsert: %w", key, err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO changes (key, deleted, at) VALUES (?, 0, ?)`, key, now); err != nil {
		return fmt.Errorf("set %q: log change: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set %q: commit: %w", key, err)
	}
	return nil
}

// Delete removes key. A change is logged only if a row was removed.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete %q: begin tx: %w", key, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %q: rows affected: %w", key, err)
	}
	if n > 0 {
		_, err = tx.ExecContext(ctx, `INSERT INTO changes (key, deleted, at) VALUES (?, 1, ?)`, key, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("delete %q: log change: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete %q: commit: %w", key, err)
	}
	return nil
}

// Keys returns the sorted keys starting with prefix.
func (s *SQLite) Keys(ctx context.Context, prefix string) ([]string, error) {
	// BINARY collation orders UTF-8 bytewise, so every match is contiguous
	// from the first key >= prefix.
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv WHERE key >= ? ORDER BY key COLLATE BINARY ASC`, prefix)
	if err != nil {
		return nil, fmt.Errorf("keys %q: %w", prefix, err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("keys %q: scan: %w", prefix, err)
		}
		if !strings.HasPrefix(k, prefix) {
			break
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("keys %q: iterate: %w", prefix, err)
	}
	return keys, nil
}

// Watch polls the change log and calls fn for each change committed after
// Watch started, by any connection to the file.
func (s *SQLite) Watch(ctx context.Context, fn func(Change)) error {
	var cursor int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM changes`).Scan(&cursor); err != nil {
		return fmt.Errorf("watch: read cursor: %w", err)
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		changes, err := s.changesSince(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("change log poll failed", "error", err)
			continue
		}
		for _, c := range changes {
			cursor = c.Rev
			fn(c)
		}

		polls++
		if polls%compactEvery == 0 {
			if err := s.compact(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("change log compaction failed", "error", err)
			}
		}
	}
}

// changesSince returns change-log rows after cursor in id order.
func (s *SQLite) changesSince(ctx context.Context, cursor int64) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, deleted, at
		FROM changes
		WHERE id > ?
		ORDER BY id ASC
	`, cursor)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var (
			c       Change
			deleted int
			at      int64
		)
		if err := rows.Scan(&c.Rev, &c.Key, &deleted, &at); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		c.Deleted = deleted != 0
		c.At = time.UnixMilli(at)
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return changes, nil
}

// compact drops change-log rows older than the retention window.
func (s *SQLite) compact(ctx context.Context) error {
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM changes WHERE at < ?`, cutoff); err != nil {
		return fmt.Errorf("compact changes: %w", err)
	}
	return nil
}

// Lock takes a lease on name, retrying until it is free, expired or ctx is
// done. The upsert only overwrites an existing row whose lease has expired,
// so exactly one process wins each acquisition.
func (s *SQLite) Lock(ctx context.Context, name string) (func(), error) {
	owner := uuid.NewString()
	backoff := 5 * time.Millisecond

	for {
		now := time.Now()
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO locks (name, owner, expires_at)
			VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
			WHERE locks.expires_at < ?
		`, name, owner, now.Add(s.lease).UnixMilli(), now.UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("lock %q: %w", name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("lock %q: rows affected: %w", name, err)
		}
		if n > 0 {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %q: %w", name, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 100*time.Millisecond {
			backoff *= 2
		}
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			_, err := s.db.ExecContext(context.Background(), `DELETE FROM locks WHERE name = ? AND owner = ?`, name, owner)
			if err != nil {
				s.log.Warn("lock release failed", "lock", name, "error", err)
			}
		})
	}
	return unlock, nil
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

// migrateToV1 indexes changes.at so compaction does not scan the log.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_changes_at ON changes(at)`)
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

var (
	_ Store   = (*SQLite)(nil)
	_ Watcher = (*SQLite)(nil)
	_ Locker  = (*SQLite)(nil)
)
