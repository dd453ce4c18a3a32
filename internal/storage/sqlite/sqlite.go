// Package sqlite implements storage.Storage directly against a bd SQLite
// database, without shelling out to the bd binary.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/HerbCaudill/beads-ui-sub002/internal/debug"
	"github.com/HerbCaudill/beads-ui-sub002/internal/storage"
)

// DefaultActor is recorded in the events table for mutations made by the UI.
const DefaultActor = "beads-ui"

// SQLiteStorage implements storage.Storage using SQLite
type SQLiteStorage struct {
	db     *sql.DB
	dbPath string
	actor  string
	now    func() time.Time
	closed atomic.Bool
}

var _ storage.Storage = (*SQLiteStorage)(nil)

// Option customizes a SQLiteStorage.
type Option func(*SQLiteStorage)

// WithActor sets the actor name written to events and dependency rows.
func WithActor(actor string) Option {
	return func(s *SQLiteStorage) {
		if actor != "" {
			s.actor = actor
		}
	}
}

// WithNow replaces the clock used for created_at/updated_at/closed_at.
func WithNow(now func() time.Time) Option {
	return func(s *SQLiteStorage) { s.now = now }
}

// setupWASMCache configures WASM compilation caching to reduce SQLite startup time.
// Returns the cache directory path (empty string if using in-memory cache).
//
// The cache lives under os.UserCacheDir()/beads-ui/wasm and is keyed by the
// wazero version, so stale entries from older builds are ignored.
func setupWASMCache() string {
	cacheDir := ""
	if userCache, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(userCache, "beads-ui", "wasm")
	}

	var cache wazero.CompilationCache
	if cacheDir != "" {
		if c, err := wazero.NewCompilationCacheWithDir(cacheDir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
		cacheDir = ""
	}

	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
	return cacheDir
}

func init() {
	dir := setupWASMCache()
	debug.Logf("sqlite wasm cache: %q", dir)
}

// New opens (creating if needed) the database at path and makes sure the
// tables the UI reads exist.
func New(path string, opts ...Option) (*SQLiteStorage, error) {
	var connStr string
	switch {
	case path == ":memory:":
		// WAL does not work with in-memory databases
		connStr = "file::memory:?_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	case strings.HasPrefix(path, "file:"):
		connStr = path
		if !strings.Contains(path, "_pragma=foreign_keys") {
			connStr += "&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
		}
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", storage.ErrUnavailable, err)
	}

	// In-memory databases are per connection.
	isInMemory := path == ":memory:" ||
		(strings.HasPrefix(path, "file:") && strings.Contains(path, "mode=memory"))
	if isInMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %v", storage.ErrUnavailable, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := verifySchemaCompatibility(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}

	absPath := path
	if !isInMemory && !strings.HasPrefix(path, "file:") {
		if absPath, err = filepath.Abs(path); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to get absolute path: %w", err)
		}
	}

	s := &SQLiteStorage{
		db:     db,
		dbPath: absPath,
		actor:  DefaultActor,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the absolute database path.
func (s *SQLiteStorage) Path() string { return s.dbPath }

// Close closes the database connection. Safe to call more than once.
func (s *SQLiteStorage) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// UnderlyingDB exposes the connection pool for fixtures and diagnostics.
func (s *SQLiteStorage) UnderlyingDB() *sql.DB { return s.db }

// SetConfig sets a tracker config value such as issue_prefix.
func (s *SQLiteStorage) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return wrapDBError("set config", err)
	}
	return nil
}

// GetConfig returns a tracker config value, or "" when unset.
func (s *SQLiteStorage) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapDBError("get config", err)
	}
	return value, nil
}

func (s *SQLiteStorage) timestamp() time.Time {
	return s.now().UTC()
}

// wrapDBError classifies driver failures. Closed pools and busy/locked
// databases are reported as unavailable; everything else passes through.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalid) || errors.Is(err, storage.ErrUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", storage.ErrUnavailable, op, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "database is closed") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "unable to open") {
		return fmt.Errorf("%w: %s: %v", storage.ErrUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// dbTime scans DATETIME columns regardless of whether the driver hands back
// a time.Time or the raw text bd wrote.
type dbTime struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (t *dbTime) Scan(v interface{}) error {
	switch x := v.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = x, true
		return nil
	case int64:
		t.Time, t.Valid = time.Unix(x, 0).UTC(), true
		return nil
	case []byte:
		return t.parse(string(x))
	case string:
		return t.parse(x)
	}
	return fmt.Errorf("unsupported time value %T", v)
}

func (t *dbTime) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		t.Time, t.Valid = time.Time{}, false
		return nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed, true
			return nil
		}
	}
	return fmt.Errorf("unrecognized time %q", s)
}

func (t dbTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// buildSQLInClause returns "?,?,?" and the matching args for ids.
func buildSQLInClause(ids []string) (string, []interface{}) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ","), args
}
