package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore persists rows in a single columnar table, cascade_log. The row's
// Timestamp maps to the created_at column.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const logColumns = `session_id, parent_session_id, caller_id, cascade_id, cell_name, cell_index,
trace_id, parent_id, genus_hash, species_hash, content_hash, node_type,
role, content, content_type, data_format, data_size_json, data_size_toon, data_token_savings_pct,
tokens_in, tokens_out, cost, duration_ms, model, created_at`

const logColumnCount = 25

const createLogTableSQLite = `
CREATE TABLE IF NOT EXISTS cascade_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id VARCHAR(255) NOT NULL,
    parent_session_id VARCHAR(255),
    caller_id VARCHAR(255),
    cascade_id VARCHAR(255) NOT NULL,
    cell_name VARCHAR(255),
    cell_index INTEGER NOT NULL DEFAULT 0,
    trace_id VARCHAR(255) NOT NULL,
    parent_id VARCHAR(255),
    genus_hash VARCHAR(64),
    species_hash VARCHAR(64),
    content_hash VARCHAR(64),
    node_type VARCHAR(50) NOT NULL,
    role VARCHAR(50),
    content TEXT,
    content_type VARCHAR(100),
    data_format VARCHAR(10),
    data_size_json INTEGER NOT NULL DEFAULT 0,
    data_size_toon INTEGER NOT NULL DEFAULT 0,
    data_token_savings_pct REAL NOT NULL DEFAULT 0,
    tokens_in INTEGER NOT NULL DEFAULT 0,
    tokens_out INTEGER NOT NULL DEFAULT 0,
    cost REAL NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    model VARCHAR(255),
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_log_session_time ON cascade_log(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_log_cascade_time ON cascade_log(cascade_id, created_at);
CREATE INDEX IF NOT EXISTS idx_log_genus ON cascade_log(genus_hash);
CREATE INDEX IF NOT EXISTS idx_log_species ON cascade_log(species_hash);
`

const createLogTablePostgres = `
CREATE TABLE IF NOT EXISTS cascade_log (
    id BIGSERIAL PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    parent_session_id VARCHAR(255),
    caller_id VARCHAR(255),
    cascade_id VARCHAR(255) NOT NULL,
    cell_name VARCHAR(255),
    cell_index INTEGER NOT NULL DEFAULT 0,
    trace_id VARCHAR(255) NOT NULL,
    parent_id VARCHAR(255),
    genus_hash VARCHAR(64),
    species_hash VARCHAR(64),
    content_hash VARCHAR(64),
    node_type VARCHAR(50) NOT NULL,
    role VARCHAR(50),
    content TEXT,
    content_type VARCHAR(100),
    data_format VARCHAR(10),
    data_size_json INTEGER NOT NULL DEFAULT 0,
    data_size_toon INTEGER NOT NULL DEFAULT 0,
    data_token_savings_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
    tokens_in INTEGER NOT NULL DEFAULT 0,
    tokens_out INTEGER NOT NULL DEFAULT 0,
    cost DOUBLE PRECISION NOT NULL DEFAULT 0,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    model VARCHAR(255),
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_log_session_time ON cascade_log(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_log_cascade_time ON cascade_log(cascade_id, created_at);
CREATE INDEX IF NOT EXISTS idx_log_genus ON cascade_log(genus_hash);
CREATE INDEX IF NOT EXISTS idx_log_species ON cascade_log(species_hash);
`

const createLogTableMySQL = `
CREATE TABLE IF NOT EXISTS cascade_log (
    id BIGINT PRIMARY KEY AUTO_INCREMENT,
    session_id VARCHAR(255) NOT NULL,
    parent_session_id VARCHAR(255),
    caller_id VARCHAR(255),
    cascade_id VARCHAR(255) NOT NULL,
    cell_name VARCHAR(255),
    cell_index INTEGER NOT NULL DEFAULT 0,
    trace_id VARCHAR(255) NOT NULL,
    parent_id VARCHAR(255),
    genus_hash VARCHAR(64),
    species_hash VARCHAR(64),
    content_hash VARCHAR(64),
    node_type VARCHAR(50) NOT NULL,
    role VARCHAR(50),
    content TEXT,
    content_type VARCHAR(100),
    data_format VARCHAR(10),
    data_size_json INTEGER NOT NULL DEFAULT 0,
    data_size_toon INTEGER NOT NULL DEFAULT 0,
    data_token_savings_pct DOUBLE NOT NULL DEFAULT 0,
    tokens_in INTEGER NOT NULL DEFAULT 0,
    tokens_out INTEGER NOT NULL DEFAULT 0,
    cost DOUBLE NOT NULL DEFAULT 0,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    model VARCHAR(255),
    created_at TIMESTAMP NOT NULL,
    INDEX idx_log_session_time (session_id, created_at),
    INDEX idx_log_cascade_time (cascade_id, created_at),
    INDEX idx_log_genus (genus_hash),
    INDEX idx_log_species (species_hash)
);
`

// NewSQLStore wraps an open handle and ensures the schema exists. Supported
// dialects: postgres, mysql, sqlite.
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

	ddl := createLogTableSQLite
	switch s.dialect {
	case "postgres":
		ddl = createLogTablePostgres
	case "mysql":
		ddl = createLogTableMySQL
	}

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create cascade_log table: %w", err)
	}
	return nil
}

func (s *SQLStore) placeholders(count int) string {
	parts := make([]string, count)
	for i := range parts {
		if s.dialect == "postgres" {
			parts[i] = fmt.Sprintf("$%d", i+1)
		} else {
			parts[i] = "?"
		}
	}
	return strings.Join(parts, ", ")
}

// Append writes a batch in one transaction.
func (s *SQLStore) Append(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	query := fmt.Sprintf("INSERT INTO cascade_log (%s) VALUES (%s)", logColumns, s.placeholders(logColumnCount))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("runlog: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("runlog: prepare append: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		_, err := stmt.ExecContext(ctx,
			row.SessionID, row.ParentSessionID, row.CallerID, row.CascadeID, row.CellName, row.CellIndex,
			row.TraceID, row.ParentID, row.GenusHash, row.SpeciesHash, row.ContentHash, row.NodeType,
			row.Role, row.Content, row.ContentType, row.DataFormat, row.DataSizeJSON, row.DataSizeTOON, row.DataTokenSavingsPct,
			row.TokensIn, row.TokensOut, row.Cost, row.DurationMS, row.Model, row.Timestamp.UTC())
		if err != nil {
			return fmt.Errorf("runlog: append row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("runlog: commit append: %w", err)
	}
	return nil
}

// SessionRows returns a session's rows ordered by time, keeping the first
// occurrence per (trace_id, node_type). At-least-once delivery makes exact
// duplicates possible; this is where they disappear.
func (s *SQLStore) SessionRows(ctx context.Context, sessionID string) ([]Row, error) {
	ph := "?"
	if s.dialect == "postgres" {
		ph = "$1"
	}
	query := fmt.Sprintf("SELECT %s FROM cascade_log WHERE session_id = %s ORDER BY created_at, id", logColumns, ph)

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("runlog: query session rows: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var out []Row
	for rows.Next() {
		var r Row
		var parentSession, caller, cellName, parentID, genus, species, contentHash sql.NullString
		var role, content, contentType, dataFormat, model sql.NullString
		err := rows.Scan(
			&r.SessionID, &parentSession, &caller, &r.CascadeID, &cellName, &r.CellIndex,
			&r.TraceID, &parentID, &genus, &species, &contentHash, &r.NodeType,
			&role, &content, &contentType, &dataFormat, &r.DataSizeJSON, &r.DataSizeTOON, &r.DataTokenSavingsPct,
			&r.TokensIn, &r.TokensOut, &r.Cost, &r.DurationMS, &model, &r.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("runlog: scan row: %w", err)
		}
		r.ParentSessionID = parentSession.String
		r.CallerID = caller.String
		r.CellName = cellName.String
		r.ParentID = parentID.String
		r.GenusHash = genus.String
		r.SpeciesHash = species.String
		r.ContentHash = contentHash.String
		r.Role = role.String
		r.Content = content.String
		r.ContentType = contentType.String
		r.DataFormat = dataFormat.String
		r.Model = model.String

		key := r.TraceID + "\x00" + r.NodeType
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ Store = (*SQLStore)(nil)
