package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added collection/seq index on documents
const currentSchemaVersion = 1

// maxOpenConns bounds the pool. Readers run concurrently under WAL; writers
// queue on SQLite's write lock.
const maxOpenConns = 4

// Store is the durable revision store for one peer.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db       *sql.DB
	path     string
	peerID   string
	notifier *notifier
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// Pragmas are passed through the DSN so every pooled connection gets them:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - immediate transaction locking
//
// The path must name a file; ":memory:" would give each pooled connection
// its own database.
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	if path == "" || strings.Contains(path, ":memory:") {
		return nil, fmt.Errorf("open store: a file path is required, got %q", path)
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	peerID, err := ensurePeerID(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:       db,
		path:     path,
		peerID:   peerID,
		notifier: newNotifier(),
	}, nil
}

func dsn(path string) string {
	return "file:" + path +
		"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
}

// Close closes the database connection and wakes any commit subscribers.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	s.notifier.close()
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// The sqlite checkpoint backend shares the store's database through it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// PeerID returns the stable identity of this store. It is generated once
// and persisted in the meta table.
func (s *Store) PeerID() string {
	return s.peerID
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

// migrateToV1 adds the per-collection feed index for databases created
// before it was part of schema.sql.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_documents_collection_seq
		ON documents(collection, seq)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

func ensurePeerID(db *sql.DB) (string, error) {
	var id string
	err := db.QueryRow(`SELECT value FROM meta WHERE key = 'peer_id'`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read peer id: %w", err)
	}

	generated, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate peer id: %w", err)
	}
	if _, err := db.Exec(`
		INSERT INTO meta (key, value) VALUES ('peer_id', ?)
		ON CONFLICT(key) DO NOTHING
	`, generated.String()); err != nil {
		return "", fmt.Errorf("write peer id: %w", err)
	}
	// Re-read so concurrent openers agree on the winner.
	if err := db.QueryRow(`SELECT value FROM meta WHERE key = 'peer_id'`).Scan(&id); err != nil {
		return "", fmt.Errorf("read peer id: %w", err)
	}
	return id, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
