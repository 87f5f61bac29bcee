// Package postgres implements the driver.Driver contract over
// github.com/lib/pq, grounded on this gateway's reference database/sql
// connection-open pattern (sql.Open + PingContext under a bounded
// timeout).
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/qoreforge/dbgateway/internal/driver"
	"github.com/qoreforge/dbgateway/internal/driver/ident"
	"github.com/qoreforge/dbgateway/internal/driver/sqlbase"
	"github.com/qoreforge/dbgateway/internal/value"
)

const (
	defaultPreviewLimit = 200
	maxPreviewLimit     = 5000
)

// backendIDQuery resolves the backend pid of the connection a statement
// is about to run on, recorded in the active-query map so Cancel can
// target exactly that statement from a different pooled connection.
const backendIDQuery = "SELECT pg_backend_pid()"

type Driver struct {
	base   sqlbase.Base
	active sqlbase.ActiveQueries
}

func New() driver.Driver { return &Driver{} }

func (d *Driver) Id() driver.Id { return driver.Postgres }

func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		SupportsTransactions: true,
		SupportsStreaming:    true,
		SupportsCancel:       true,
		SupportsCatalog:      true,
		SupportsFederation:   true,
		MaxIdentifierLength:  63,
	}
}

func dsn(cfg driver.ConnectionConfig) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password)
	for k, v := range cfg.Options {
		fmt.Fprintf(&sb, " %s=%s", k, v)
	}
	return sb.String()
}

func (d *Driver) TestConnection(ctx context.Context, cfg driver.ConnectionConfig) error {
	db, err := sql.Open("postgres", dsn(cfg))
	if err != nil {
		return value.WrapError(value.ErrConnection, "open postgres connection", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (d *Driver) Connect(ctx context.Context, cfg driver.ConnectionConfig) error {
	db, err := sql.Open("postgres", dsn(cfg))
	if err != nil {
		return value.WrapError(value.ErrConnection, "open postgres connection", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return classify(err)
	}
	d.base.SetDB(db)
	return nil
}

func (d *Driver) Disconnect(ctx context.Context) error { return d.base.Close() }

func (d *Driver) ListDatabases(ctx context.Context) ([]string, error) {
	res, err := sqlbase.Query(ctx, &d.base, "SELECT datname FROM pg_database WHERE datistemplate = false ORDER BY datname", nil, 0)
	if err != nil {
		return nil, err
	}
	return firstColumnStrings(res), nil
}

func (d *Driver) ListSchemas(ctx context.Context, database string) ([]string, error) {
	res, err := sqlbase.Query(ctx, &d.base, "SELECT schema_name FROM information_schema.schemata ORDER BY schema_name", nil, 0)
	if err != nil {
		return nil, err
	}
	return firstColumnStrings(res), nil
}

func (d *Driver) ListTables(ctx context.Context, ns value.Namespace) ([]string, error) {
	schema := ns.Schema
	if schema == "" {
		schema = "public"
	}
	res, err := sqlbase.Query(ctx, &d.base,
		"SELECT table_name FROM information_schema.tables WHERE table_schema = $1 ORDER BY table_name",
		[]value.Value{value.Text(schema)}, 0)
	if err != nil {
		return nil, err
	}
	return firstColumnStrings(res), nil
}

func (d *Driver) GetTableSchema(ctx context.Context, ns value.Namespace) (*value.TableSchema, error) {
	schema := ns.Schema
	if schema == "" {
		schema = "public"
	}
	res, err := sqlbase.Query(ctx, &d.base,
		`SELECT column_name, data_type, is_nullable FROM information_schema.columns
		 WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position`,
		[]value.Value{value.Text(schema), value.Text(ns.Table)}, 0)
	if err != nil {
		return nil, err
	}
	out := &value.TableSchema{Name: ns.Table, Schema: schema}
	for _, row := range res.Rows {
		out.Columns = append(out.Columns, value.ColumnInfo{
			Name:     row[0].String(),
			DeclType: row[1].String(),
			Nullable: row[2].String() == "YES",
		})
	}
	pk, err := sqlbase.Query(ctx, &d.base,
		`SELECT a.attname FROM pg_index i
		 JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		 WHERE i.indrelid = ($1 || '.' || $2)::regclass AND i.indisprimary`,
		[]value.Value{value.Text(schema), value.Text(ns.Table)}, 0)
	if err == nil {
		for _, row := range pk.Rows {
			out.PrimaryKey = append(out.PrimaryKey, row[0].String())
		}
	}
	return out, nil
}

func (d *Driver) Execute(ctx context.Context, sqlText string, args []value.Value) (*driver.ExecResult, error) {
	res, err := sqlbase.ExecTracked(ctx, &d.base, &d.active, backendIDQuery, rewritePlaceholders(sqlText), args)
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

func (d *Driver) Query(ctx context.Context, sqlText string, args []value.Value, limit int) (*driver.PaginatedResult, error) {
	limit = sqlbase.ClampLimit(limit, defaultPreviewLimit, maxPreviewLimit)
	res, err := sqlbase.QueryTracked(ctx, &d.base, &d.active, backendIDQuery, rewritePlaceholders(sqlText), args, limit)
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

func (d *Driver) QueryStream(ctx context.Context, sqlText string, args []value.Value) (<-chan driver.StreamEvent, error) {
	return sqlbase.QueryStreamTracked(ctx, &d.base, &d.active, backendIDQuery, rewritePlaceholders(sqlText), args)
}

func (d *Driver) InsertRow(ctx context.Context, ns value.Namespace, row value.RowData) (*driver.ExecResult, error) {
	sqlText, args := sqlbase.BuildInsert(qualifiedTable(ns), row, ident.Postgres, sqlbase.DollarPlaceholder)
	return d.Execute(ctx, sqlText, args)
}

func (d *Driver) UpdateRow(ctx context.Context, ns value.Namespace, set, where value.RowData) (*driver.ExecResult, error) {
	if len(set) == 0 {
		return &driver.ExecResult{}, nil
	}
	sqlText, args := sqlbase.BuildUpdate(qualifiedTable(ns), set, where, ident.Postgres, sqlbase.DollarPlaceholder)
	return d.Execute(ctx, sqlText, args)
}

func (d *Driver) DeleteRow(ctx context.Context, ns value.Namespace, where value.RowData) (*driver.ExecResult, error) {
	sqlText, args := sqlbase.BuildDelete(qualifiedTable(ns), where, ident.Postgres, sqlbase.DollarPlaceholder)
	return d.Execute(ctx, sqlText, args)
}

func (d *Driver) BeginTransaction(ctx context.Context) error { return d.base.Begin(ctx, "") }
func (d *Driver) Commit(ctx context.Context) error           { return d.base.Commit(ctx) }
func (d *Driver) Rollback(ctx context.Context) error         { return d.base.Rollback(ctx) }
func (d *Driver) InTransaction() bool                        { return d.base.InTransaction() }

// Cancel signals the statement registered under queryID via
// pg_cancel_backend, issued on a different pooled connection than the
// one running the statement. An unknown id cancels every statement the
// session has in flight; nothing in flight is a successful no-op.
func (d *Driver) Cancel(ctx context.Context, queryID value.QueryId) error {
	db := d.base.DB()
	if db == nil {
		return value.NewError(value.ErrConnection, "not connected")
	}
	pids := d.active.All()
	if pid, ok := d.active.Get(queryID); ok {
		pids = []int64{pid}
	}
	for _, pid := range pids {
		if _, err := db.ExecContext(ctx, "SELECT pg_cancel_backend($1)", pid); err != nil {
			return value.WrapError(value.ErrExecution, "pg_cancel_backend", err)
		}
	}
	return nil
}

func qualifiedTable(ns value.Namespace) string {
	if ns.Schema != "" {
		return ident.QuoteDouble(ns.Schema) + "." + ident.QuoteDouble(ns.Table)
	}
	return ident.QuoteDouble(ns.Table)
}

// rewritePlaceholders is a no-op for postgres; callers already issue
// $N placeholders for driver-generated SQL. User-supplied SQL is passed
// through untouched, matching lib/pq's native placeholder syntax.
func rewritePlaceholders(s string) string { return s }

func firstColumnStrings(res *driver.PaginatedResult) []string {
	out := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		if len(row) > 0 {
			out = append(out, row[0].String())
		}
	}
	return out
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "syntax error"):
		return value.WrapError(value.ErrSyntax, "postgres syntax error", err)
	case strings.Contains(msg, "password authentication failed"), strings.Contains(msg, "authentication"):
		return value.WrapError(value.ErrAuth, "postgres authentication failed", err)
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "could not connect"):
		return value.WrapError(value.ErrConnection, "postgres connection failed", err)
	case strings.Contains(msg, "canceling statement due to user request"):
		return value.WrapError(value.ErrCancelled, "query cancelled", err)
	case strings.Contains(msg, "does not exist"):
		return value.WrapError(value.ErrNotFound, "postgres object not found", err)
	default:
		return value.WrapError(value.ErrExecution, "postgres execution error", err)
	}
}
