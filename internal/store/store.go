package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/govern/internal/jobs"
	"github.com/roach88/govern/internal/persist"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - entities table and job ledger
const currentSchemaVersion = 1

// Store is a SQLite persist.Backend and jobs.Ledger.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	open    int        // sessions not yet committed or rolled back
	pending []jobs.Job // ledger snapshots recorded while a session was open
}

var _ persist.Backend = (*Store)(nil)

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and the schema automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// The pool holds a single connection, so an open Session owns the database
// until it commits or rolls back. Do not call Begin or ListJobs from the
// goroutine that holds an open Session. Record is safe there: it buffers
// the snapshot until the last open Session ends.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close writes any buffered ledger snapshots and closes the database
// connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return errors.Join(s.flushLedger(context.Background()), s.db.Close())
}

// DB returns the underlying sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Begin opens a session backed by a SQL transaction.
func (s *Store) Begin(ctx context.Context) (persist.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	s.mu.Lock()
	s.open++
	s.mu.Unlock()
	return &session{tx: tx, store: s}, nil
}

// sessionDone is called once per session after its transaction finished.
// Buffered ledger snapshots are written when no session is left open; a
// failed write keeps them buffered for the next attempt.
func (s *Store) sessionDone() {
	s.mu.Lock()
	s.open--
	s.mu.Unlock()
	_ = s.flushLedger(context.Background())
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and stamps the schema
// version. Idempotent.
func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
