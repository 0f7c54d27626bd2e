// Package store implements the on-device transactional database backing
// offline operation: one table per domain entity, a sync journal recording
// pending local mutations, per-entity pull cursors, and the schema version
// row owned by the migrator.
//
// Every user-visible write appends its journal entry inside the same
// transaction, so a committed record and its pending-sync intent are
// inseparable. The engine-facing acknowledgement helpers live in sync.go.
package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/rc-construcoes/rcsync/internal/store/migrate"
)

// DefaultJournalSoftLimit is the backlog size above which the engine warns
// and demo seeding is refused.
const DefaultJournalSoftLimit = 10000

// Store wraps the SQLite database holding the local copy of all entities.
type Store struct {
	db     *sqlx.DB
	path   string
	logger *log.Logger

	fallback    bool
	quarantined bool

	journalSoftLimit int

	now func() time.Time
}

// Options configures Open.
type Options struct {
	// JournalSoftLimit overrides DefaultJournalSoftLimit when positive.
	JournalSoftLimit int

	// Logger for store activity. Defaults to stderr.
	Logger *log.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Open opens (creating if necessary) the database at path and brings its
// schema to the current target version.
//
// If the file-backed database cannot be opened at all, Open falls back to a
// volatile in-memory database so the application keeps working in a degraded
// mode; IsFallback reports this. A failed migration is different: the store
// opens but is quarantined read-only until the next successful upgrade.
func Open(ctx context.Context, path string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	s := &Store{
		path:             path,
		logger:           logger,
		journalSoftLimit: opts.JournalSoftLimit,
		now:              opts.Now,
	}
	if s.journalSoftLimit <= 0 {
		s.journalSoftLimit = DefaultJournalSoftLimit
	}
	if s.now == nil {
		s.now = time.Now
	}

	db, err := openDB(path)
	if err != nil {
		logger.Printf("WARNING: cannot open %s (%v), falling back to in-memory store", path, err)
		db, err = openDB(":memory:")
		if err != nil {
			return nil, fmt.Errorf("failed to open fallback store: %w", err)
		}
		s.fallback = true
	}
	s.db = db

	if err := migrate.Run(ctx, db, logger); err != nil {
		// Migration failure leaves the store openable read-only.
		s.quarantined = true
		logger.Printf("WARNING: store quarantined: %v", err)
		return s, err
	}

	return s, nil
}

func openDB(path string) (*sqlx.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// A single connection keeps the in-memory fallback coherent and avoids
	// SQLITE_BUSY on concurrent writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// IsFallback reports whether the store runs on the degraded in-memory
// backing instead of the durable file.
func (s *Store) IsFallback() bool { return s.fallback }

// IsQuarantined reports whether a failed migration left the store
// read-only.
func (s *Store) IsQuarantined() bool { return s.quarantined }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying connection for the migrator tests and the
// composition root.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close checkpoints and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("WARNING: failed to checkpoint WAL: %v", err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.db = nil
	return nil
}

// Transaction runs fn inside a read-write transaction spanning any set of
// entities. fn returning an error rolls everything back.
func (s *Store) Transaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	if s.quarantined {
		return ErrStorageUnavailable
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapSQLError(err)
	}
	return nil
}
