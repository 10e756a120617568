package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"duck-flight/internal/domain"
)

// ErrTableExists is returned by Persist when the target table exists and
// overwrite was not requested.
var ErrTableExists = errors.New("table already exists")

// Result is a fully realized query result.
type Result struct {
	Columns []string
	Rows    [][]interface{}
	Elapsed time.Duration
}

// Handoff evaluates plans against finalized containers. DuckDB reads the
// container footer, prunes columns and row groups from the plan, and only
// then scans data. A Handoff holds no per-container state and is safe for
// concurrent use.
type Handoff struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewHandoff creates a Handoff over an open DuckDB handle.
func NewHandoff(db *sql.DB, logger *slog.Logger) *Handoff {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handoff{db: db, logger: logger}
}

// Run evaluates plan against the outcome of a materialization and
// materializes the result in memory.
//
// For an empty outcome the plan runs against a zero-row relation typed by the
// advertised schema. Without a schema only SelectAll succeeds (with an empty
// result); other plans return ErrNoSchema.
func (h *Handoff) Run(ctx context.Context, out *domain.Outcome, plan Plan) (*Result, error) {
	stmt, err := h.Statement(out, plan)
	if err != nil {
		if errors.Is(err, domain.ErrNoSchema) && plan.IsSelectAll() {
			return &Result{}, nil
		}
		return nil, err
	}

	start := time.Now()
	rows, err := h.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, domain.ErrQuery(stmt, err)
	}
	defer rows.Close() //nolint:errcheck

	res, err := scanRows(rows)
	if err != nil {
		return nil, domain.ErrQuery(stmt, err)
	}
	res.Elapsed = time.Since(start)

	h.logger.Debug("query evaluated", "rows", len(res.Rows), "elapsed", res.Elapsed, "sql", stmt)
	return res, nil
}

// Persist stores the plan's result as a DuckDB table named table.
func (h *Handoff) Persist(ctx context.Context, out *domain.Outcome, plan Plan, table string, overwrite bool) error {
	if table == "" {
		return fmt.Errorf("persist: table name is required")
	}
	stmt, err := h.Statement(out, plan)
	if err != nil {
		return err
	}

	var exists bool
	err = h.db.QueryRowContext(ctx,
		"SELECT count(*) > 0 FROM information_schema.tables WHERE table_name = ?", table).Scan(&exists)
	if err != nil {
		return domain.ErrQuery(stmt, fmt.Errorf("check table %q: %w", table, err))
	}
	if exists && !overwrite {
		return fmt.Errorf("persist %q: %w", table, ErrTableExists)
	}

	create := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS %s", quoteIdent(table), stmt)
	if _, err := h.db.ExecContext(ctx, create); err != nil {
		return domain.ErrQuery(create, err)
	}
	h.logger.Info("result persisted", "table", table, "replaced", exists)
	return nil
}

// Statement renders the single SQL statement that evaluates plan against
// the outcome.
func (h *Handoff) Statement(out *domain.Outcome, plan Plan) (string, error) {
	source, err := relationFor(out)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("WITH %s AS (SELECT * FROM %s) %s", Relation, source, plan.String()), nil
}

func relationFor(out *domain.Outcome) (string, error) {
	switch {
	case out == nil:
		return "", domain.ErrQuery("", fmt.Errorf("no materialization outcome"))
	case out.HasContainer():
		return fmt.Sprintf("read_parquet(%s)", quoteSQLLiteral(out.Location)), nil
	case out.State == domain.StateEmpty:
		if out.Schema == nil {
			return "", domain.ErrNoSchema
		}
		rel, err := emptyRelation(out.Schema)
		if err != nil {
			return "", domain.ErrQuery("", err)
		}
		return rel, nil
	case out.State == domain.StateFailed:
		return "", domain.ErrQuery("", fmt.Errorf("materialization failed without a container: %w", out.Err))
	default:
		return "", domain.ErrQuery("", fmt.Errorf("materialization is still %s", out.State))
	}
}

// scanRows realizes every row of rows.
func scanRows(rows *sql.Rows) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	res := &Result{Columns: cols, Rows: [][]interface{}{}}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		res.Rows = append(res.Rows, vals)
	}
	return res, rows.Err()
}
