package deterministic

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/kadirpekel/cascade/pkg/tool"
)

// runSQL executes a SQL file's statements in order against the registered
// database. All but the last run as statements; the last runs as a query and
// shapes the output. Each statement receives, as named parameters, the
// inputs whose names it references.
func (x *Executor) runSQL(ctx context.Context, path string, inputs map[string]any) (map[string]any, error) {
	if x.cfg.DB == nil {
		return nil, fmt.Errorf("sql target %q: no database registered", path)
	}

	text, err := os.ReadFile(x.resolvePath(path))
	if err != nil {
		return nil, fmt.Errorf("sql file: %w", err)
	}
	stmts := splitStatements(string(text))
	if len(stmts) == 0 {
		return nil, fmt.Errorf("sql file %q holds no statements", path)
	}

	for _, stmt := range stmts[:len(stmts)-1] {
		if _, err := x.cfg.DB.ExecContext(ctx, stmt, statementArgs(stmt, inputs)...); err != nil {
			return nil, fmt.Errorf("executing statement: %w", err)
		}
	}

	last := stmts[len(stmts)-1]
	return queryRows(ctx, x.cfg.DB, last, statementArgs(last, inputs))
}

// statementArgs binds the inputs a statement references by :name, @name, or
// $name marker.
func statementArgs(stmt string, inputs map[string]any) []any {
	var args []any
	for k, v := range inputs {
		if strings.Contains(stmt, ":"+k) || strings.Contains(stmt, "@"+k) || strings.Contains(stmt, "$"+k) {
			args = append(args, sql.Named(k, v))
		}
	}
	return args
}

func queryRows(ctx context.Context, db *sql.DB, stmt string, args []any) (map[string]any, error) {
	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("querying: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	out := make([]map[string]any, 0)
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		rec := make(map[string]any, len(cols))
		for i, c := range cols {
			rec[c] = sqlValue(vals[i])
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return map[string]any{
		"rows":        out,
		"columns":     cols,
		"row_count":   len(out),
		tool.RouteKey: tool.RouteSuccess,
	}, nil
}

// sqlValue folds driver byte slices to strings so rows JSON-encode cleanly.
func sqlValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// splitStatements cuts SQL text on semicolons outside single-quoted strings
// and line comments, dropping empty fragments.
func splitStatements(text string) []string {
	var stmts []string
	var sb strings.Builder
	inString := false
	inComment := false

	for i := 0; i < len(text); i++ {
		ch := text[i]
		switch {
		case inComment:
			sb.WriteByte(ch)
			if ch == '\n' {
				inComment = false
			}
		case inString:
			sb.WriteByte(ch)
			if ch == '\'' {
				inString = false
			}
		case ch == '\'':
			inString = true
			sb.WriteByte(ch)
		case ch == '-' && i+1 < len(text) && text[i+1] == '-':
			inComment = true
			sb.WriteByte(ch)
		case ch == ';':
			stmts = append(stmts, sb.String())
			sb.Reset()
		default:
			sb.WriteByte(ch)
		}
	}
	stmts = append(stmts, sb.String())

	out := make([]string, 0, len(stmts))
	for _, s := range stmts {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}
