package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
    replication_id TEXT PRIMARY KEY,
    payload        TEXT NOT NULL,
    updated_at     TEXT NOT NULL
)`

// SQLite stores checkpoints in a SQLite table. It can share the revision
// store's database so a checkpoint lives next to the data it describes.
type SQLite struct {
	db    *sql.DB
	owned bool
}

// NewSQLite uses an already-open database. Close does not close db.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}
	return &SQLite{db: db}, nil
}

func openSQLite(dsn string) (Store, error) {
	path, err := dsnPath(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}
	s, err := NewSQLite(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

func (s *SQLite) Load(ctx context.Context, key string) (*Checkpoint, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM checkpoints WHERE replication_id = ?
	`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return decode([]byte(payload))
}

// Save upserts the record in a single statement.
func (s *SQLite) Save(ctx context.Context, cp Checkpoint) error {
	data, err := encode(cp)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (replication_id, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(replication_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, cp.Key(), string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *SQLite) Reset(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE replication_id = ?`, key); err != nil {
		return fmt.Errorf("reset checkpoint: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
