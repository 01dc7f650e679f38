package carelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteBackendConfig configures the SQLite storage backend.
type SQLiteBackendConfig struct {
	// Path to the SQLite database file
	Path string

	// CacheSize is the SQLite page cache size in KB (default: 2000 = 2MB)
	CacheSize int

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA)
	Synchronous string

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int

	// MaxConnections is the max number of database connections
	MaxConnections int
}

// DefaultSQLiteBackendConfig returns default configuration.
func DefaultSQLiteBackendConfig() SQLiteBackendConfig {
	return SQLiteBackendConfig{
		Path:           "carelog.db",
		CacheSize:      2000,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5000,
		MaxConnections: 10,
	}
}

// SQLiteBackend implements StorageBackend using SQLite. Batched writes commit
// in a single transaction, which is what gives the record store its atomic
// data-plus-audit commit.
type SQLiteBackend struct {
	db     *sql.DB
	config SQLiteBackendConfig
	mu     sync.RWMutex
	closed bool

	// Prepared statements for common operations
	upsertStmt *sql.Stmt
	selectStmt *sql.Stmt
	deleteStmt *sql.Stmt
	existsStmt *sql.Stmt
	listStmt   *sql.Stmt
}

// NewSQLiteBackend creates a new SQLite-based storage backend.
func NewSQLiteBackend(config SQLiteBackendConfig) (*SQLiteBackend, error) {
	if config.Path == "" {
		config.Path = "carelog.db"
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2000
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}

	// Build connection string with pragmas
	dsn := fmt.Sprintf("%s?_cache_size=%d&_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.CacheSize, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	backend := &SQLiteBackend{
		db:     db,
		config: config,
	}

	if err := backend.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := backend.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return backend, nil
}

// initSchema creates the database schema.
func (s *SQLiteBackend) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_kv_updated ON kv(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// prepareStatements prepares common statements.
func (s *SQLiteBackend) prepareStatements() error {
	var err error
	s.upsertStmt, err = s.db.Prepare(`INSERT INTO kv (key, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	s.selectStmt, err = s.db.Prepare(`SELECT data FROM kv WHERE key = ?`)
	if err != nil {
		return err
	}
	s.deleteStmt, err = s.db.Prepare(`DELETE FROM kv WHERE key = ?`)
	if err != nil {
		return err
	}
	s.existsStmt, err = s.db.Prepare(`SELECT 1 FROM kv WHERE key = ? LIMIT 1`)
	if err != nil {
		return err
	}
	s.listStmt, err = s.db.Prepare(`SELECT key FROM kv WHERE key >= ? AND key < ? ORDER BY key`)
	return err
}

// Read reads the value for a key.
func (s *SQLiteBackend) Read(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var data []byte
	err := s.selectStmt.QueryRowContext(ctx, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newStoreError(StoreErrorTypeNotFound, "key not found", key, nil)
	}
	if err != nil {
		return nil, newStoreError(StoreErrorTypeIO, "sqlite read", key, err)
	}
	return data, nil
}

// Write writes a single key.
func (s *SQLiteBackend) Write(ctx context.Context, key string, data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	if _, err := s.upsertStmt.ExecContext(ctx, key, data, time.Now().UnixNano()); err != nil {
		return newStoreError(StoreErrorTypeIO, "sqlite write", key, err)
	}
	return nil
}

// WriteBatch writes all keys in one transaction.
func (s *SQLiteBackend) WriteBatch(ctx context.Context, writes []BatchWrite) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStoreError(StoreErrorTypeIO, "sqlite begin batch", "", err)
	}
	now := time.Now().UnixNano()
	stmt := tx.StmtContext(ctx, s.upsertStmt)
	for _, w := range writes {
		if _, err := stmt.ExecContext(ctx, w.Key, w.Data, now); err != nil {
			_ = tx.Rollback()
			return newStoreError(StoreErrorTypeIO, "sqlite batch write", w.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return newStoreError(StoreErrorTypeIO, "sqlite commit batch", "", err)
	}
	return nil
}

// Delete removes a key.
func (s *SQLiteBackend) Delete(ctx context.Context, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	if _, err := s.deleteStmt.ExecContext(ctx, key); err != nil {
		return newStoreError(StoreErrorTypeIO, "sqlite delete", key, err)
	}
	return nil
}

// List returns all keys matching a prefix, sorted.
func (s *SQLiteBackend) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	// Range scan: prefix <= key < prefix+0xff upper bound.
	upper := prefix + "\xff"
	rows, err := s.listStmt.QueryContext(ctx, prefix, upper)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeIO, "sqlite list", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, newStoreError(StoreErrorTypeIO, "sqlite list scan", prefix, err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, newStoreError(StoreErrorTypeIO, "sqlite list rows", prefix, err)
	}
	return keys, nil
}

// Exists checks if a key exists.
func (s *SQLiteBackend) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}

	var one int
	err := s.existsStmt.QueryRowContext(ctx, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, newStoreError(StoreErrorTypeIO, "sqlite exists", key, err)
	}
	return true, nil
}

// Close closes the database connection.
func (s *SQLiteBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{s.upsertStmt, s.selectStmt, s.deleteStmt, s.existsStmt, s.listStmt} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}
