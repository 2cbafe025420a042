package recovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const createEntriesTable = `
CREATE TABLE IF NOT EXISTS recovery_entries (
    group_id   TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    host       TEXT NOT NULL,
    port       INTEGER NOT NULL,
    transport  TEXT NOT NULL,
    vsock_path TEXT NOT NULL DEFAULT '',
    vsock_port INTEGER NOT NULL DEFAULT 0,
    launcher   TEXT NOT NULL,
    updated_at DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Storage = (*SQLiteStore)(nil)

// SQLiteStore implements Storage using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createEntriesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create recovery_entries table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Persist upserts the entry for e.GroupID.
func (s *SQLiteStore) Persist(ctx context.Context, e Entry) error {
	if e.GroupID == "" {
		return errors.New("persist recovery entry: empty group id")
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = timeNow().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recovery_entries (
			group_id, session_id, host, port, transport, vsock_path, vsock_port, launcher, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			session_id = excluded.session_id,
			host       = excluded.host,
			port       = excluded.port,
			transport  = excluded.transport,
			vsock_path = excluded.vsock_path,
			vsock_port = excluded.vsock_port,
			launcher   = excluded.launcher,
			updated_at = excluded.updated_at`,
		e.GroupID, e.SessionID, e.Host, e.Port, e.Transport, e.VsockPath, e.VsockPort, e.Launcher, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("persist recovery entry: %w", err)
	}
	return nil
}

// Remove deletes the entry for groupID.
func (s *SQLiteStore) Remove(ctx context.Context, groupID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM recovery_entries WHERE group_id = ?`, groupID); err != nil {
		return fmt.Errorf("remove recovery entry: %w", err)
	}
	return nil
}

// Get returns the entry for groupID.
func (s *SQLiteStore) Get(ctx context.Context, groupID string) (Entry, error) {
	var e Entry
	err := s.db.QueryRowContext(ctx,
		`SELECT group_id, session_id, host, port, transport, vsock_path, vsock_port, launcher, updated_at
		FROM recovery_entries WHERE group_id = ?`, groupID,
	).Scan(&e.GroupID, &e.SessionID, &e.Host, &e.Port, &e.Transport, &e.VsockPath, &e.VsockPort, &e.Launcher, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get recovery entry: %w", err)
	}
	return e, nil
}

// List returns every entry ordered by group id.
func (s *SQLiteStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id, session_id, host, port, transport, vsock_path, vsock_port, launcher, updated_at
		FROM recovery_entries ORDER BY group_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list recovery entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.GroupID, &e.SessionID, &e.Host, &e.Port, &e.Transport, &e.VsockPath, &e.VsockPort, &e.Launcher, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan recovery entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recovery entries: %w", err)
	}
	return entries, nil
}
