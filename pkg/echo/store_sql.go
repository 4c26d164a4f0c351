package echo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// ErrSessionNotFound is returned when no snapshot exists for a session.
var ErrSessionNotFound = errors.New("echo: session not found")

// Store persists session snapshots for recovery and branching.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, sessionID string) (Snapshot, error)
	Children(ctx context.Context, parentSessionID string) ([]string, error)
	Delete(ctx context.Context, sessionID string) error
}

// SQLStore keeps one row per session, latest snapshot wins.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const createEchoTableSQL = `
CREATE TABLE IF NOT EXISTS echo_snapshots (
    session_id VARCHAR(255) PRIMARY KEY,
    parent_session_id VARCHAR(255),
    caller_id VARCHAR(255),
    genus_hash VARCHAR(64),
    snapshot_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_echo_parent ON echo_snapshots(parent_session_id);
CREATE INDEX IF NOT EXISTS idx_echo_genus ON echo_snapshots(genus_hash);
CREATE INDEX IF NOT EXISTS idx_echo_updated ON echo_snapshots(updated_at);
`

// NewSQLStore wraps an open database handle. Supported dialects: postgres,
// mysql, sqlite.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, createEchoTableSQL)
	if err != nil {
		return fmt.Errorf("failed to create echo_snapshots table: %w", err)
	}
	return nil
}

func (s *SQLStore) placeholder(n int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Save upserts the session's snapshot.
func (s *SQLStore) Save(ctx context.Context, snap Snapshot) error {
	if snap.SessionID == "" {
		return fmt.Errorf("echo: snapshot has no session id")
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("echo: marshal snapshot: %w", err)
	}

	var query string
	switch s.dialect {
	case "postgres":
		query = `INSERT INTO echo_snapshots (session_id, parent_session_id, caller_id, genus_hash, snapshot_json, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (session_id) DO UPDATE SET snapshot_json = EXCLUDED.snapshot_json, genus_hash = EXCLUDED.genus_hash, updated_at = EXCLUDED.updated_at`
	case "mysql":
		query = `INSERT INTO echo_snapshots (session_id, parent_session_id, caller_id, genus_hash, snapshot_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE snapshot_json = VALUES(snapshot_json), genus_hash = VALUES(genus_hash), updated_at = VALUES(updated_at)`
	default: // sqlite
		query = `INSERT INTO echo_snapshots (session_id, parent_session_id, caller_id, genus_hash, snapshot_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id) DO UPDATE SET snapshot_json = excluded.snapshot_json, genus_hash = excluded.genus_hash, updated_at = excluded.updated_at`
	}

	_, err = s.db.ExecContext(ctx, query,
		snap.SessionID, snap.ParentSessionID, snap.CallerID, snap.GenusHash,
		string(raw), snap.CreatedAt.UTC(), snap.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("echo: save snapshot: %w", err)
	}
	return nil
}

// Load returns the latest snapshot for a session.
func (s *SQLStore) Load(ctx context.Context, sessionID string) (Snapshot, error) {
	query := fmt.Sprintf("SELECT snapshot_json FROM echo_snapshots WHERE session_id = %s", s.placeholder(1))

	var raw string
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrSessionNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("echo: load snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return Snapshot{}, fmt.Errorf("echo: decode snapshot: %w", err)
	}
	return snap, nil
}

// Children lists the session ids persisted with the given parent.
func (s *SQLStore) Children(ctx context.Context, parentSessionID string) ([]string, error) {
	query := fmt.Sprintf("SELECT session_id FROM echo_snapshots WHERE parent_session_id = %s ORDER BY created_at", s.placeholder(1))

	rows, err := s.db.QueryContext(ctx, query, parentSessionID)
	if err != nil {
		return nil, fmt.Errorf("echo: list children: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("echo: scan child: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Delete removes a session's snapshot.
func (s *SQLStore) Delete(ctx context.Context, sessionID string) error {
	query := fmt.Sprintf("DELETE FROM echo_snapshots WHERE session_id = %s", s.placeholder(1))
	_, err := s.db.ExecContext(ctx, query, sessionID)
	if err != nil {
		return fmt.Errorf("echo: delete snapshot: %w", err)
	}
	return nil
}

var _ Store = (*SQLStore)(nil)
