// Package duckdb implements the driver.Driver contract over
// github.com/marcboeker/go-duckdb, an embedded analytical engine with
// no server-side cancellation.
package duckdb

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/qoreforge/dbgateway/internal/driver"
	"github.com/qoreforge/dbgateway/internal/driver/ident"
	"github.com/qoreforge/dbgateway/internal/driver/sqlbase"
	"github.com/qoreforge/dbgateway/internal/value"
)

const (
	defaultPreviewLimit = 200
	maxPreviewLimit     = 5000
)

type Driver struct {
	base sqlbase.Base
	path string
}

func New() driver.Driver { return &Driver{} }

func (d *Driver) Id() driver.Id { return driver.DuckDB }

func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		SupportsTransactions: true,
		SupportsStreaming:    true,
		SupportsCancel:       false,
		SupportsCatalog:      true,
		SupportsFederation:   true,
		MaxIdentifierLength:  0,
	}
}

func (d *Driver) TestConnection(ctx context.Context, cfg driver.ConnectionConfig) error {
	path := cfg.Database
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return value.WrapError(value.ErrConnection, "open duckdb database", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return value.WrapError(value.ErrConnection, "duckdb ping failed", err)
	}
	return nil
}

func (d *Driver) Connect(ctx context.Context, cfg driver.ConnectionConfig) error {
	path := cfg.Database
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return value.WrapError(value.ErrConnection, "open duckdb database", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return value.WrapError(value.ErrConnection, "duckdb ping failed", err)
	}
	d.base.SetDB(db)
	d.path = path
	return nil
}

func (d *Driver) Disconnect(ctx context.Context) error { return d.base.Close() }

func (d *Driver) ListDatabases(ctx context.Context) ([]string, error) { return []string{d.path}, nil }

func (d *Driver) ListSchemas(ctx context.Context, database string) ([]string, error) {
	res, err := sqlbase.Query(ctx, &d.base, "SELECT schema_name FROM information_schema.schemata ORDER BY schema_name", nil, 0)
	if err != nil {
		return nil, classify(err)
	}
	return firstColumnStrings(res), nil
}

func (d *Driver) ListTables(ctx context.Context, ns value.Namespace) ([]string, error) {
	schema := ns.Schema
	if schema == "" {
		schema = "main"
	}
	res, err := sqlbase.Query(ctx, &d.base,
		"SELECT table_name FROM information_schema.tables WHERE table_schema = ? ORDER BY table_name",
		[]value.Value{value.Text(schema)}, 0)
	if err != nil {
		return nil, classify(err)
	}
	return firstColumnStrings(res), nil
}

func (d *Driver) GetTableSchema(ctx context.Context, ns value.Namespace) (*value.TableSchema, error) {
	schema := ns.Schema
	if schema == "" {
		schema = "main"
	}
	res, err := sqlbase.Query(ctx, &d.base,
		`SELECT column_name, data_type, is_nullable FROM information_schema.columns
		 WHERE table_schema = ? AND table_name = ? ORDER BY ordinal_position`,
		[]value.Value{value.Text(schema), value.Text(ns.Table)}, 0)
	if err != nil {
		return nil, classify(err)
	}
	out := &value.TableSchema{Name: ns.Table, Schema: schema}
	for _, row := range res.Rows {
		out.Columns = append(out.Columns, value.ColumnInfo{
			Name:     row[0].String(),
			DeclType: row[1].String(),
			Nullable: row[2].String() == "YES",
		})
	}
	return out, nil
}

func (d *Driver) Execute(ctx context.Context, sqlText string, args []value.Value) (*driver.ExecResult, error) {
	res, err := sqlbase.Exec(ctx, &d.base, sqlText, args)
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

func (d *Driver) Query(ctx context.Context, sqlText string, args []value.Value, limit int) (*driver.PaginatedResult, error) {
	limit = sqlbase.ClampLimit(limit, defaultPreviewLimit, maxPreviewLimit)
	res, err := sqlbase.Query(ctx, &d.base, sqlText, args, limit)
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

func (d *Driver) QueryStream(ctx context.Context, sqlText string, args []value.Value) (<-chan driver.StreamEvent, error) {
	return sqlbase.QueryStream(ctx, &d.base, sqlText, args)
}

func (d *Driver) InsertRow(ctx context.Context, ns value.Namespace, row value.RowData) (*driver.ExecResult, error) {
	sqlText, args := sqlbase.BuildInsert(ident.QuoteDouble(ns.Table), row, ident.DuckDB, sqlbase.QuestionPlaceholder)
	return d.Execute(ctx, sqlText, args)
}

func (d *Driver) UpdateRow(ctx context.Context, ns value.Namespace, set, where value.RowData) (*driver.ExecResult, error) {
	if len(set) == 0 {
		return &driver.ExecResult{}, nil
	}
	sqlText, args := sqlbase.BuildUpdate(ident.QuoteDouble(ns.Table), set, where, ident.DuckDB, sqlbase.QuestionPlaceholder)
	return d.Execute(ctx, sqlText, args)
}

func (d *Driver) DeleteRow(ctx context.Context, ns value.Namespace, where value.RowData) (*driver.ExecResult, error) {
	sqlText, args := sqlbase.BuildDelete(ident.QuoteDouble(ns.Table), where, ident.DuckDB, sqlbase.QuestionPlaceholder)
	return d.Execute(ctx, sqlText, args)
}

func (d *Driver) BeginTransaction(ctx context.Context) error { return d.base.Begin(ctx, "") }
func (d *Driver) Commit(ctx context.Context) error           { return d.base.Commit(ctx) }
func (d *Driver) Rollback(ctx context.Context) error         { return d.base.Rollback(ctx) }
func (d *Driver) InTransaction() bool                        { return d.base.InTransaction() }

func (d *Driver) Cancel(ctx context.Context, queryID value.QueryId) error {
	return value.NewError(value.ErrUnsupported, "duckdb has no server-side query cancellation")
}

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
	case strings.Contains(msg, "Parser Error"):
		return value.WrapError(value.ErrSyntax, "duckdb syntax error", err)
	case strings.Contains(msg, "Catalog Error"):
		return value.WrapError(value.ErrNotFound, "duckdb object not found", err)
	default:
		return value.WrapError(value.ErrExecution, "duckdb execution error", err)
	}
}
