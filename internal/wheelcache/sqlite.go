package wheelcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/cellkernel/internal/registry"

	_ "modernc.org/sqlite"
)

const backendSQLite = "sqlite"

// schemaVersion is stored in PRAGMA user_version once the schema exists.
const schemaVersion = 1

const createWheelsTable = `
CREATE TABLE IF NOT EXISTS wheels (
    name        TEXT PRIMARY KEY,
    source_url  TEXT NOT NULL,
    payload     BLOB NOT NULL,
    size        INTEGER NOT NULL,
    created_at  INTEGER NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store on a SQLite database file. The database is
// opened on first use and reopened after Close or a failed open.
type SQLiteStore struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStore returns a store backed by the database at dbPath. No I/O
// happens until the first operation.
func NewSQLiteStore(dbPath string, logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SQLiteStore{
		path:   dbPath,
		logger: logger,
		now:    time.Now,
	}
}

// handle returns the open database, opening and migrating it if needed.
func (s *SQLiteStore) handle(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db, nil
	}

	memory := s.path == ":memory:"
	dsn := s.path
	if !memory {
		// busy_timeout has to hold on every pooled connection.
		dsn += "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrUnavailable, err)
	}
	if memory {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: set WAL mode: %v", ErrUnavailable, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: set busy timeout: %v", ErrUnavailable, err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.db = db
	return db, nil
}

// migrate creates the schema unless user_version shows it already exists.
// CREATE TABLE IF NOT EXISTS keeps concurrent first opens harmless.
func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, createWheelsTable); err != nil {
		return fmt.Errorf("create wheels table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// Close closes the database handle. A later operation reopens it.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Get returns the cached payload for name.
func (s *SQLiteStore) Get(ctx context.Context, name string) ([]byte, bool) {
	db, err := s.handle(ctx)
	if err != nil {
		s.logger.Debug("wheel cache get skipped", "package", name, "error", err)
		observeLookup(backendSQLite, false)
		return nil, false
	}

	var payload []byte
	err = db.QueryRowContext(ctx, "SELECT payload FROM wheels WHERE name = ?", registry.Normalize(name)).Scan(&payload)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("wheel cache get failed", "package", name, "error", err)
		}
		observeLookup(backendSQLite, false)
		return nil, false
	}

	observeLookup(backendSQLite, true)
	return payload, true
}

// Put inserts or replaces the record for name in a single statement.
func (s *SQLiteStore) Put(ctx context.Context, name, sourceURL string, payload []byte) error {
	err := s.put(ctx, name, sourceURL, payload)
	observeWrite(backendSQLite, len(payload), err)
	return err
}

func (s *SQLiteStore) put(ctx context.Context, name, sourceURL string, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("put wheel %q: empty payload", name)
	}
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO wheels (name, source_url, payload, size, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			source_url = excluded.source_url,
			payload    = excluded.payload,
			size       = excluded.size,
			created_at = excluded.created_at`,
		registry.Normalize(name), sourceURL, payload, len(payload), s.now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put wheel %q: %w", name, err)
	}
	return nil
}

// Clear removes every record.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	db, err := s.handle(ctx)
	if err != nil {
		s.logger.Warn("wheel cache clear skipped", "error", err)
		return nil
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM wheels"); err != nil {
		return fmt.Errorf("clear wheels: %w", err)
	}
	return nil
}

// Count returns the number of records, or 0 if the store is unavailable.
func (s *SQLiteStore) Count(ctx context.Context) int {
	db, err := s.handle(ctx)
	if err != nil {
		return 0
	}
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM wheels").Scan(&n); err != nil {
		s.logger.Warn("wheel cache count failed", "error", err)
		return 0
	}
	return n
}

// List returns record summaries ordered by name. Payloads are never read.
func (s *SQLiteStore) List(ctx context.Context) (Listing, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return Listing{}, err
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Listing{}, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var listing Listing
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM wheels").Scan(&listing.Count); err != nil {
		return Listing{}, fmt.Errorf("count wheels: %w", err)
	}
	if listing.Count > SummaryLimit {
		listing.Truncated = true
		return listing, nil
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT name, source_url, size, created_at FROM wheels ORDER BY name")
	if err != nil {
		return Listing{}, fmt.Errorf("list wheels: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sum Summary
		var createdAt int64
		if err := rows.Scan(&sum.Name, &sum.SourceURL, &sum.Size, &createdAt); err != nil {
			return Listing{}, fmt.Errorf("scan wheel: %w", err)
		}
		sum.Timestamp = time.Unix(0, createdAt).UTC()
		listing.Summaries = append(listing.Summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return Listing{}, fmt.Errorf("iterate wheels: %w", err)
	}

	return listing, nil
}
