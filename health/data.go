package health

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/GoCodeAlone/deployctl/retry"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// DataQuerier runs a read-only query and returns its rows as column maps.
type DataQuerier interface {
	Query(ctx context.Context, dsn, query string) ([]map[string]any, error)
}

// SQLQuerier implements DataQuerier over database/sql. DSNs starting with
// postgres:// or postgresql:// use the pgx driver; everything else (a file
// path or file: URI) opens SQLite. Connections are cached per DSN.
type SQLQuerier struct {
	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewSQLQuerier creates an SQLQuerier.
func NewSQLQuerier() *SQLQuerier {
	return &SQLQuerier{dbs: make(map[string]*sql.DB)}
}

func driverFor(dsn string) (driver, source string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "pgx", dsn
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite", strings.TrimPrefix(dsn, "sqlite://")
	default:
		return "sqlite", dsn
	}
}

func (q *SQLQuerier) db(dsn string) (*sql.DB, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if db, ok := q.dbs[dsn]; ok {
		return db, nil
	}
	driver, source := driverFor(dsn)
	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(2)
	q.dbs[dsn] = db
	return db, nil
}

// Query runs query and converts every row into a map keyed by column name.
func (q *SQLQuerier) Query(ctx context.Context, dsn, query string) ([]map[string]any, error) {
	db, err := q.db(dsn)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Close closes every cached connection.
func (q *SQLQuerier) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var firstErr error
	for dsn, db := range q.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(q.dbs, dsn)
	}
	return firstErr
}

// exprEnv is the environment assertions are evaluated in.
func exprEnv(rows []map[string]any) map[string]any {
	first := map[string]any{}
	if len(rows) > 0 {
		first = rows[0]
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return map[string]any{"rows": rows, "count": len(rows), "first": first}
}

func compileExpr(src string) (*vm.Program, error) {
	prog, err := expr.Compile(src, expr.Env(exprEnv(nil)), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile expr %q: %w", src, err)
	}
	return prog, nil
}

func (c *Checker) dataAssertion(ctx context.Context, chk Check) error {
	if c.querier == nil {
		return retry.Permanent(fmt.Errorf("no data querier configured"))
	}
	rows, err := c.querier.Query(ctx, chk.DSN, chk.Query)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	diag := map[string]any{"rows": len(rows)}
	if chk.Expected.Expr == "" {
		if len(rows) == 0 {
			return failf(diag, "query returned no rows")
		}
		return nil
	}
	diag["expr"] = chk.Expected.Expr
	prog, err := compileExpr(chk.Expected.Expr)
	if err != nil {
		return retry.Permanent(err)
	}
	out, err := expr.Run(prog, exprEnv(rows))
	if err != nil {
		return failf(diag, "evaluate %q: %v", chk.Expected.Expr, err)
	}
	if ok, _ := out.(bool); !ok {
		if len(rows) > 0 {
			diag["first"] = rows[0]
		}
		return failf(diag, "assertion %q does not hold", chk.Expected.Expr)
	}
	return nil
}
