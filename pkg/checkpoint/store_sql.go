// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package checkpoint

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

// SQLStore persists checkpoint records, one row per checkpoint. The record
// body travels as a JSON blob; the columns exist for the queries the broker
// and the branch manager actually run.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const createCheckpointTableSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
    id VARCHAR(255) PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    cascade_id VARCHAR(255),
    cell_name VARCHAR(255),
    status VARCHAR(32) NOT NULL,
    record_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id);
CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status);
CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints(created_at);
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
	_, err := s.db.ExecContext(ctx, createCheckpointTableSQL)
	if err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}
	return nil
}

func (s *SQLStore) placeholder(n int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Save upserts the record by id.
func (s *SQLStore) Save(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("checkpoint: record has no id")
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal record: %w", err)
	}

	var query string
	switch s.dialect {
	case "postgres":
		query = `INSERT INTO checkpoints (id, session_id, cascade_id, cell_name, status, record_json, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, record_json = EXCLUDED.record_json`
	case "mysql":
		query = `INSERT INTO checkpoints (id, session_id, cascade_id, cell_name, status, record_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE status = VALUES(status), record_json = VALUES(record_json)`
	default: // sqlite
		query = `INSERT INTO checkpoints (id, session_id, cascade_id, cell_name, status, record_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET status = excluded.status, record_json = excluded.record_json`
	}

	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.SessionID, rec.CascadeID, rec.CellName, rec.Status,
		string(raw), rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("checkpoint: save record: %w", err)
	}
	return nil
}

// Get returns one record.
func (s *SQLStore) Get(ctx context.Context, id string) (Record, error) {
	query := fmt.Sprintf("SELECT record_json FROM checkpoints WHERE id = %s", s.placeholder(1))

	var raw string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("checkpoint: load record: %w", err)
	}
	return decodeRecord(raw)
}

// Pending lists pending checkpoints in creation order.
func (s *SQLStore) Pending(ctx context.Context) ([]Record, error) {
	query := fmt.Sprintf(
		"SELECT record_json FROM checkpoints WHERE status = %s ORDER BY created_at, id",
		s.placeholder(1))
	return s.list(ctx, query, StatusPending)
}

// BySession lists a session's checkpoints in creation order, any status.
func (s *SQLStore) BySession(ctx context.Context, sessionID string) ([]Record, error) {
	query := fmt.Sprintf(
		"SELECT record_json FROM checkpoints WHERE session_id = %s ORDER BY created_at, id",
		s.placeholder(1))
	return s.list(ctx, query, sessionID)
}

func (s *SQLStore) list(ctx context.Context, query string, arg any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("checkpoint: scan record: %w", err)
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func decodeRecord(raw string) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, fmt.Errorf("checkpoint: decode record: %w", err)
	}
	return rec, nil
}

var _ Store = (*SQLStore)(nil)
