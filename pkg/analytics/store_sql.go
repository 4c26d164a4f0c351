package analytics

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

// SQLStore persists reports across three tables: cascade_analytics,
// cell_analytics and cell_context_breakdown. Baseline columns are nullable;
// NULL means the tier had too few samples when the row was written.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const cascadeColumns = `session_id, cascade_id, genus_hash, status,
input_complexity_score, input_category, input_fingerprint,
total_cost, total_duration_ms, tokens_in, tokens_out, message_count, cell_count, error_count,
global_avg_cost, cluster_avg_cost, cluster_stddev_cost, genus_avg_cost, genus_run_count,
cost_z_score, duration_z_score, is_cost_outlier, is_duration_outlier,
cost_per_message, cost_per_token, tokens_per_message,
total_context_cost_estimated, total_new_cost_estimated, context_cost_pct,
cells_with_context, avg_cell_context_pct, max_cell_context_pct,
hour_of_day, day_of_week, is_weekend, created_at`

const cascadeColumnCount = 36

const cellColumns = `session_id, cascade_id, cell_name, cell_index, species_hash,
entry_count, error_count, cell_cost, cell_duration_ms, cell_tokens, cell_cost_pct, cell_duration_pct,
species_avg_cost, species_stddev_cost, cost_z_score, is_cost_outlier,
context_cost_estimated, new_message_cost_estimated, context_cost_pct, context_depth_avg,
created_at`

const cellColumnCount = 21

const breakdownColumns = `session_id, cell_name, cell_index, context_message_cell, context_message_hash,
context_message_tokens, context_message_cost_estimated, context_message_pct, created_at`

const breakdownColumnCount = 9

const createAnalyticsSQLite = `
CREATE TABLE IF NOT EXISTS cascade_analytics (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id VARCHAR(255) NOT NULL,
    cascade_id VARCHAR(255) NOT NULL,
    genus_hash VARCHAR(64),
    status VARCHAR(50),
    input_complexity_score REAL NOT NULL DEFAULT 0,
    input_category VARCHAR(20) NOT NULL,
    input_fingerprint TEXT,
    total_cost REAL NOT NULL DEFAULT 0,
    total_duration_ms INTEGER NOT NULL DEFAULT 0,
    tokens_in INTEGER NOT NULL DEFAULT 0,
    tokens_out INTEGER NOT NULL DEFAULT 0,
    message_count INTEGER NOT NULL DEFAULT 0,
    cell_count INTEGER NOT NULL DEFAULT 0,
    error_count INTEGER NOT NULL DEFAULT 0,
    global_avg_cost REAL,
    cluster_avg_cost REAL,
    cluster_stddev_cost REAL,
    genus_avg_cost REAL,
    genus_run_count INTEGER NOT NULL DEFAULT 0,
    cost_z_score REAL NOT NULL DEFAULT 0,
    duration_z_score REAL NOT NULL DEFAULT 0,
    is_cost_outlier BOOLEAN NOT NULL DEFAULT 0,
    is_duration_outlier BOOLEAN NOT NULL DEFAULT 0,
    cost_per_message REAL NOT NULL DEFAULT 0,
    cost_per_token REAL NOT NULL DEFAULT 0,
    tokens_per_message REAL NOT NULL DEFAULT 0,
    total_context_cost_estimated REAL NOT NULL DEFAULT 0,
    total_new_cost_estimated REAL NOT NULL DEFAULT 0,
    context_cost_pct REAL NOT NULL DEFAULT 0,
    cells_with_context INTEGER NOT NULL DEFAULT 0,
    avg_cell_context_pct REAL NOT NULL DEFAULT 0,
    max_cell_context_pct REAL NOT NULL DEFAULT 0,
    hour_of_day INTEGER NOT NULL DEFAULT 0,
    day_of_week INTEGER NOT NULL DEFAULT 0,
    is_weekend BOOLEAN NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ca_session ON cascade_analytics(session_id);
CREATE INDEX IF NOT EXISTS idx_ca_cascade ON cascade_analytics(cascade_id, created_at);
CREATE INDEX IF NOT EXISTS idx_ca_cluster ON cascade_analytics(cascade_id, input_category);
CREATE INDEX IF NOT EXISTS idx_ca_genus ON cascade_analytics(genus_hash);

CREATE TABLE IF NOT EXISTS cell_analytics (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id VARCHAR(255) NOT NULL,
    cascade_id VARCHAR(255) NOT NULL,
    cell_name VARCHAR(255) NOT NULL,
    cell_index INTEGER NOT NULL DEFAULT 0,
    species_hash VARCHAR(64),
    entry_count INTEGER NOT NULL DEFAULT 0,
    error_count INTEGER NOT NULL DEFAULT 0,
    cell_cost REAL NOT NULL DEFAULT 0,
    cell_duration_ms INTEGER NOT NULL DEFAULT 0,
    cell_tokens INTEGER NOT NULL DEFAULT 0,
    cell_cost_pct REAL NOT NULL DEFAULT 0,
    cell_duration_pct REAL NOT NULL DEFAULT 0,
    species_avg_cost REAL,
    species_stddev_cost REAL,
    cost_z_score REAL NOT NULL DEFAULT 0,
    is_cost_outlier BOOLEAN NOT NULL DEFAULT 0,
    context_cost_estimated REAL NOT NULL DEFAULT 0,
    new_message_cost_estimated REAL NOT NULL DEFAULT 0,
    context_cost_pct REAL NOT NULL DEFAULT 0,
    context_depth_avg REAL NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cl_session ON cell_analytics(session_id);
CREATE INDEX IF NOT EXISTS idx_cl_species ON cell_analytics(species_hash);

CREATE TABLE IF NOT EXISTS cell_context_breakdown (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id VARCHAR(255) NOT NULL,
    cell_name VARCHAR(255) NOT NULL,
    cell_index INTEGER NOT NULL DEFAULT 0,
    context_message_cell VARCHAR(255) NOT NULL,
    context_message_hash VARCHAR(64),
    context_message_tokens INTEGER NOT NULL DEFAULT 0,
    context_message_cost_estimated REAL NOT NULL DEFAULT 0,
    context_message_pct REAL NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cb_session ON cell_context_breakdown(session_id);
`

const createAnalyticsPostgres = `
CREATE TABLE IF NOT EXISTS cascade_analytics (
    id BIGSERIAL PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    cascade_id VARCHAR(255) NOT NULL,
    genus_hash VARCHAR(64),
    status VARCHAR(50),
    input_complexity_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    input_category VARCHAR(20) NOT NULL,
    input_fingerprint TEXT,
    total_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
    total_duration_ms BIGINT NOT NULL DEFAULT 0,
    tokens_in INTEGER NOT NULL DEFAULT 0,
    tokens_out INTEGER NOT NULL DEFAULT 0,
    message_count INTEGER NOT NULL DEFAULT 0,
    cell_count INTEGER NOT NULL DEFAULT 0,
    error_count INTEGER NOT NULL DEFAULT 0,
    global_avg_cost DOUBLE PRECISION,
    cluster_avg_cost DOUBLE PRECISION,
    cluster_stddev_cost DOUBLE PRECISION,
    genus_avg_cost DOUBLE PRECISION,
    genus_run_count INTEGER NOT NULL DEFAULT 0,
    cost_z_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    duration_z_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    is_cost_outlier BOOLEAN NOT NULL DEFAULT FALSE,
    is_duration_outlier BOOLEAN NOT NULL DEFAULT FALSE,
    cost_per_message DOUBLE PRECISION NOT NULL DEFAULT 0,
    cost_per_token DOUBLE PRECISION NOT NULL DEFAULT 0,
    tokens_per_message DOUBLE PRECISION NOT NULL DEFAULT 0,
    total_context_cost_estimated DOUBLE PRECISION NOT NULL DEFAULT 0,
    total_new_cost_estimated DOUBLE PRECISION NOT NULL DEFAULT 0,
    context_cost_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
    cells_with_context INTEGER NOT NULL DEFAULT 0,
    avg_cell_context_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
    max_cell_context_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
    hour_of_day INTEGER NOT NULL DEFAULT 0,
    day_of_week INTEGER NOT NULL DEFAULT 0,
    is_weekend BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ca_session ON cascade_analytics(session_id);
CREATE INDEX IF NOT EXISTS idx_ca_cascade ON cascade_analytics(cascade_id, created_at);
CREATE INDEX IF NOT EXISTS idx_ca_cluster ON cascade_analytics(cascade_id, input_category);
CREATE INDEX IF NOT EXISTS idx_ca_genus ON cascade_analytics(genus_hash);

CREATE TABLE IF NOT EXISTS cell_analytics (
    id BIGSERIAL PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    cascade_id VARCHAR(255) NOT NULL,
    cell_name VARCHAR(255) NOT NULL,
    cell_index INTEGER NOT NULL DEFAULT 0,
    species_hash VARCHAR(64),
    entry_count INTEGER NOT NULL DEFAULT 0,
    error_count INTEGER NOT NULL DEFAULT 0,
    cell_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
    cell_duration_ms BIGINT NOT NULL DEFAULT 0,
    cell_tokens INTEGER NOT NULL DEFAULT 0,
    cell_cost_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
    cell_duration_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
    species_avg_cost DOUBLE PRECISION,
    species_stddev_cost DOUBLE PRECISION,
    cost_z_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    is_cost_outlier BOOLEAN NOT NULL DEFAULT FALSE,
    context_cost_estimated DOUBLE PRECISION NOT NULL DEFAULT 0,
    new_message_cost_estimated DOUBLE PRECISION NOT NULL DEFAULT 0,
    context_cost_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
    context_depth_avg DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cl_session ON cell_analytics(session_id);
CREATE INDEX IF NOT EXISTS idx_cl_species ON cell_analytics(species_hash);

CREATE TABLE IF NOT EXISTS cell_context_breakdown (
    id BIGSERIAL PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    cell_name VARCHAR(255) NOT NULL,
    cell_index INTEGER NOT NULL DEFAULT 0,
    context_message_cell VARCHAR(255) NOT NULL,
    context_message_hash VARCHAR(64),
    context_message_tokens INTEGER NOT NULL DEFAULT 0,
    context_message_cost_estimated DOUBLE PRECISION NOT NULL DEFAULT 0,
    context_message_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cb_session ON cell_context_breakdown(session_id);
`

// MySQL forbids multiple statements per exec by default, so each table
// carries its indexes inline and ships as its own statement.
const createCascadeTableMySQL = `
CREATE TABLE IF NOT EXISTS cascade_analytics (
    id BIGINT PRIMARY KEY AUTO_INCREMENT,
    session_id VARCHAR(255) NOT NULL,
    cascade_id VARCHAR(255) NOT NULL,
    genus_hash VARCHAR(64),
    status VARCHAR(50),
    input_complexity_score DOUBLE NOT NULL DEFAULT 0,
    input_category VARCHAR(20) NOT NULL,
    input_fingerprint TEXT,
    total_cost DOUBLE NOT NULL DEFAULT 0,
    total_duration_ms BIGINT NOT NULL DEFAULT 0,
    tokens_in INTEGER NOT NULL DEFAULT 0,
    tokens_out INTEGER NOT NULL DEFAULT 0,
    message_count INTEGER NOT NULL DEFAULT 0,
    cell_count INTEGER NOT NULL DEFAULT 0,
    error_count INTEGER NOT NULL DEFAULT 0,
    global_avg_cost DOUBLE,
    cluster_avg_cost DOUBLE,
    cluster_stddev_cost DOUBLE,
    genus_avg_cost DOUBLE,
    genus_run_count INTEGER NOT NULL DEFAULT 0,
    cost_z_score DOUBLE NOT NULL DEFAULT 0,
    duration_z_score DOUBLE NOT NULL DEFAULT 0,
    is_cost_outlier BOOLEAN NOT NULL DEFAULT 0,
    is_duration_outlier BOOLEAN NOT NULL DEFAULT 0,
    cost_per_message DOUBLE NOT NULL DEFAULT 0,
    cost_per_token DOUBLE NOT NULL DEFAULT 0,
    tokens_per_message DOUBLE NOT NULL DEFAULT 0,
    total_context_cost_estimated DOUBLE NOT NULL DEFAULT 0,
    total_new_cost_estimated DOUBLE NOT NULL DEFAULT 0,
    context_cost_pct DOUBLE NOT NULL DEFAULT 0,
    cells_with_context INTEGER NOT NULL DEFAULT 0,
    avg_cell_context_pct DOUBLE NOT NULL DEFAULT 0,
    max_cell_context_pct DOUBLE NOT NULL DEFAULT 0,
    hour_of_day INTEGER NOT NULL DEFAULT 0,
    day_of_week INTEGER NOT NULL DEFAULT 0,
    is_weekend BOOLEAN NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    INDEX idx_ca_session (session_id),
    INDEX idx_ca_cascade (cascade_id, created_at),
    INDEX idx_ca_cluster (cascade_id, input_category),
    INDEX idx_ca_genus (genus_hash)
);
`

const createCellTableMySQL = `
CREATE TABLE IF NOT EXISTS cell_analytics (
    id BIGINT PRIMARY KEY AUTO_INCREMENT,
    session_id VARCHAR(255) NOT NULL,
    cascade_id VARCHAR(255) NOT NULL,
    cell_name VARCHAR(255) NOT NULL,
    cell_index INTEGER NOT NULL DEFAULT 0,
    species_hash VARCHAR(64),
    entry_count INTEGER NOT NULL DEFAULT 0,
    error_count INTEGER NOT NULL DEFAULT 0,
    cell_cost DOUBLE NOT NULL DEFAULT 0,
    cell_duration_ms BIGINT NOT NULL DEFAULT 0,
    cell_tokens INTEGER NOT NULL DEFAULT 0,
    cell_cost_pct DOUBLE NOT NULL DEFAULT 0,
    cell_duration_pct DOUBLE NOT NULL DEFAULT 0,
    species_avg_cost DOUBLE,
    species_stddev_cost DOUBLE,
    cost_z_score DOUBLE NOT NULL DEFAULT 0,
    is_cost_outlier BOOLEAN NOT NULL DEFAULT 0,
    context_cost_estimated DOUBLE NOT NULL DEFAULT 0,
    new_message_cost_estimated DOUBLE NOT NULL DEFAULT 0,
    context_cost_pct DOUBLE NOT NULL DEFAULT 0,
    context_depth_avg DOUBLE NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    INDEX idx_cl_session (session_id),
    INDEX idx_cl_species (species_hash)
);
`

const createBreakdownTableMySQL = `
CREATE TABLE IF NOT EXISTS cell_context_breakdown (
    id BIGINT PRIMARY KEY AUTO_INCREMENT,
    session_id VARCHAR(255) NOT NULL,
    cell_name VARCHAR(255) NOT NULL,
    cell_index INTEGER NOT NULL DEFAULT 0,
    context_message_cell VARCHAR(255) NOT NULL,
    context_message_hash VARCHAR(64),
    context_message_tokens INTEGER NOT NULL DEFAULT 0,
    context_message_cost_estimated DOUBLE NOT NULL DEFAULT 0,
    context_message_pct DOUBLE NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    INDEX idx_cb_session (session_id)
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

	var stmts []string
	switch s.dialect {
	case "postgres":
		stmts = []string{createAnalyticsPostgres}
	case "mysql":
		stmts = []string{createCascadeTableMySQL, createCellTableMySQL, createBreakdownTableMySQL}
	default:
		stmts = []string{createAnalyticsSQLite}
	}

	for _, ddl := range stmts {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create analytics tables: %w", err)
		}
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

func (s *SQLStore) arg(n int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// InsertCascade writes one per-session aggregate row.
func (s *SQLStore) InsertCascade(ctx context.Context, rep CascadeReport) error {
	query := fmt.Sprintf("INSERT INTO cascade_analytics (%s) VALUES (%s)",
		cascadeColumns, s.placeholders(cascadeColumnCount))
	_, err := s.db.ExecContext(ctx, query,
		rep.SessionID, rep.CascadeID, rep.GenusHash, rep.Status,
		rep.InputComplexityScore, rep.InputCategory, rep.InputFingerprint,
		rep.TotalCost, rep.TotalDurationMS, rep.TokensIn, rep.TokensOut, rep.MessageCount, rep.CellCount, rep.ErrorCount,
		rep.GlobalAvgCost, rep.ClusterAvgCost, rep.ClusterStddevCost, rep.GenusAvgCost, rep.GenusRunCount,
		rep.CostZScore, rep.DurationZScore, rep.IsCostOutlier, rep.IsDurationOutlier,
		rep.CostPerMessage, rep.CostPerToken, rep.TokensPerMessage,
		rep.TotalContextCostEstimated, rep.TotalNewCostEstimated, rep.ContextCostPct,
		rep.CellsWithContext, rep.AvgCellContextPct, rep.MaxCellContextPct,
		rep.HourOfDay, rep.DayOfWeek, rep.IsWeekend, rep.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("analytics: insert cascade row: %w", err)
	}
	return nil
}

// InsertCells writes a session's per-cell rows in one transaction.
func (s *SQLStore) InsertCells(ctx context.Context, reps []CellReport) error {
	if len(reps) == 0 {
		return nil
	}

	query := fmt.Sprintf("INSERT INTO cell_analytics (%s) VALUES (%s)",
		cellColumns, s.placeholders(cellColumnCount))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("analytics: begin cell insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("analytics: prepare cell insert: %w", err)
	}
	defer stmt.Close()

	for _, rep := range reps {
		_, err := stmt.ExecContext(ctx,
			rep.SessionID, rep.CascadeID, rep.CellName, rep.CellIndex, rep.SpeciesHash,
			rep.EntryCount, rep.ErrorCount, rep.CellCost, rep.CellDurationMS, rep.CellTokens, rep.CellCostPct, rep.CellDurationPct,
			rep.SpeciesAvgCost, rep.SpeciesStddevCost, rep.CostZScore, rep.IsCostOutlier,
			rep.ContextCostEstimated, rep.NewMessageCostEstimated, rep.ContextCostPct, rep.ContextDepthAvg,
			rep.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("analytics: insert cell row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("analytics: commit cell insert: %w", err)
	}
	return nil
}

// InsertContext writes a session's context breakdown rows in one
// transaction.
func (s *SQLStore) InsertContext(ctx context.Context, entries []ContextEntry) error {
	if len(entries) == 0 {
		return nil
	}

	query := fmt.Sprintf("INSERT INTO cell_context_breakdown (%s) VALUES (%s)",
		breakdownColumns, s.placeholders(breakdownColumnCount))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("analytics: begin breakdown insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("analytics: prepare breakdown insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		_, err := stmt.ExecContext(ctx,
			e.SessionID, e.CellName, e.CellIndex, e.SourceCell, e.MessageHash,
			e.Tokens, e.CostEstimated, e.PctOfCellCost, e.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("analytics: insert breakdown row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("analytics: commit breakdown insert: %w", err)
	}
	return nil
}

// CascadeSamples returns prior runs of a cascade.
func (s *SQLStore) CascadeSamples(ctx context.Context, cascadeID string) ([]Sample, error) {
	query := fmt.Sprintf("SELECT total_cost, total_duration_ms FROM cascade_analytics WHERE cascade_id = %s", s.arg(1))
	return s.samples(ctx, query, cascadeID)
}

// ClusterSamples returns prior runs of a cascade within one input category.
func (s *SQLStore) ClusterSamples(ctx context.Context, cascadeID, inputCategory string) ([]Sample, error) {
	query := fmt.Sprintf("SELECT total_cost, total_duration_ms FROM cascade_analytics WHERE cascade_id = %s AND input_category = %s",
		s.arg(1), s.arg(2))
	return s.samples(ctx, query, cascadeID, inputCategory)
}

// GenusSamples returns prior runs sharing a genus hash.
func (s *SQLStore) GenusSamples(ctx context.Context, genusHash string) ([]Sample, error) {
	query := fmt.Sprintf("SELECT total_cost, total_duration_ms FROM cascade_analytics WHERE genus_hash = %s", s.arg(1))
	return s.samples(ctx, query, genusHash)
}

func (s *SQLStore) samples(ctx context.Context, query string, args ...any) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("analytics: query samples: %w", err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var smp Sample
		if err := rows.Scan(&smp.Cost, &smp.DurationMS); err != nil {
			return nil, fmt.Errorf("analytics: scan sample: %w", err)
		}
		out = append(out, smp)
	}
	return out, rows.Err()
}

// SpeciesCosts returns prior per-cell costs sharing a species hash.
func (s *SQLStore) SpeciesCosts(ctx context.Context, speciesHash string) ([]float64, error) {
	query := fmt.Sprintf("SELECT cell_cost FROM cell_analytics WHERE species_hash = %s", s.arg(1))

	rows, err := s.db.QueryContext(ctx, query, speciesHash)
	if err != nil {
		return nil, fmt.Errorf("analytics: query species costs: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var cost float64
		if err := rows.Scan(&cost); err != nil {
			return nil, fmt.Errorf("analytics: scan species cost: %w", err)
		}
		out = append(out, cost)
	}
	return out, rows.Err()
}

var _ Store = (*SQLStore)(nil)
