// Package mssql implements the driver.Driver contract over
// github.com/microsoft/go-mssqldb.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/qoreforge/dbgateway/internal/driver"
	"github.com/qoreforge/dbgateway/internal/driver/ident"
	"github.com/qoreforge/dbgateway/internal/driver/sqlbase"
	"github.com/qoreforge/dbgateway/internal/value"
)

const (
	defaultPreviewLimit = 200
	maxPreviewLimit     = 5000
)

// backendIDQuery resolves the SPID of the connection a statement is
// about to run on, recorded in the active-query map so Cancel can issue
// KILL against exactly that statement from a different pooled
// connection.
const backendIDQuery = "SELECT @@SPID"

type Driver struct {
	base   sqlbase.Base
	active sqlbase.ActiveQueries
}

func New() driver.Driver { return &Driver{} }

func (d *Driver) Id() driver.Id { return driver.MSSQL }

func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		SupportsTransactions: true,
		SupportsStreaming:    true,
		SupportsCancel:       true,
		SupportsCatalog:      true,
		SupportsFederation:   true,
		MaxIdentifierLength:  128,
	}
}

func dsn(cfg driver.ConnectionConfig) string {
	return fmt.Sprintf("server=%s;port=%d;user id=%s;password=%s;database=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database)
}

func (d *Driver) TestConnection(ctx context.Context, cfg driver.ConnectionConfig) error {
	db, err := sql.Open("sqlserver", dsn(cfg))
	if err != nil {
		return value.WrapError(value.ErrConnection, "open mssql connection", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (d *Driver) Connect(ctx context.Context, cfg driver.ConnectionConfig) error {
	db, err := sql.Open("sqlserver", dsn(cfg))
	if err != nil {
		return value.WrapError(value.ErrConnection, "open mssql connection", err)
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
	res, err := sqlbase.Query(ctx, &d.base, "SELECT name FROM sys.databases ORDER BY name", nil, 0)
	if err != nil {
		return nil, classify(err)
	}
	return firstColumnStrings(res), nil
}

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
		schema = "dbo"
	}
	res, err := sqlbase.Query(ctx, &d.base,
		"SELECT table_name FROM information_schema.tables WHERE table_schema = @p1 ORDER BY table_name",
		[]value.Value{value.Text(schema)}, 0)
	if err != nil {
		return nil, classify(err)
	}
	return firstColumnStrings(res), nil
}

func (d *Driver) GetTableSchema(ctx context.Context, ns value.Namespace) (*value.TableSchema, error) {
	schema := ns.Schema
	if schema == "" {
		schema = "dbo"
	}
	res, err := sqlbase.Query(ctx, &d.base,
		`SELECT column_name, data_type, is_nullable FROM information_schema.columns
		 WHERE table_schema = @p1 AND table_name = @p2 ORDER BY ordinal_position`,
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
	res, err := sqlbase.ExecTracked(ctx, &d.base, &d.active, backendIDQuery, sqlText, args)
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

func (d *Driver) Query(ctx context.Context, sqlText string, args []value.Value, limit int) (*driver.PaginatedResult, error) {
	limit = sqlbase.ClampLimit(limit, defaultPreviewLimit, maxPreviewLimit)
	res, err := sqlbase.QueryTracked(ctx, &d.base, &d.active, backendIDQuery, sqlText, args, limit)
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

func (d *Driver) QueryStream(ctx context.Context, sqlText string, args []value.Value) (<-chan driver.StreamEvent, error) {
	return sqlbase.QueryStreamTracked(ctx, &d.base, &d.active, backendIDQuery, sqlText, args)
}

func (d *Driver) InsertRow(ctx context.Context, ns value.Namespace, row value.RowData) (*driver.ExecResult, error) {
	sqlText, args := sqlbase.BuildInsert(qualifiedTable(ns), row, ident.MSSQL, sqlbase.AtPPlaceholder)
	return d.Execute(ctx, sqlText, args)
}

func (d *Driver) UpdateRow(ctx context.Context, ns value.Namespace, set, where value.RowData) (*driver.ExecResult, error) {
	if len(set) == 0 {
		return &driver.ExecResult{}, nil
	}
	sqlText, args := sqlbase.BuildUpdate(qualifiedTable(ns), set, where, ident.MSSQL, sqlbase.AtPPlaceholder)
	return d.Execute(ctx, sqlText, args)
}

func (d *Driver) DeleteRow(ctx context.Context, ns value.Namespace, where value.RowData) (*driver.ExecResult, error) {
	sqlText, args := sqlbase.BuildDelete(qualifiedTable(ns), where, ident.MSSQL, sqlbase.AtPPlaceholder)
	return d.Execute(ctx, sqlText, args)
}

func (d *Driver) BeginTransaction(ctx context.Context) error { return d.base.Begin(ctx, "") }
func (d *Driver) Commit(ctx context.Context) error           { return d.base.Commit(ctx) }
func (d *Driver) Rollback(ctx context.Context) error         { return d.base.Rollback(ctx) }
func (d *Driver) InTransaction() bool                        { return d.base.InTransaction() }

// Cancel issues KILL for the SPID registered under queryID, on a
// different pooled connection. An unknown id kills every statement the
// session has in flight; nothing in flight is a no-op.
func (d *Driver) Cancel(ctx context.Context, queryID value.QueryId) error {
	db := d.base.DB()
	if db == nil {
		return value.NewError(value.ErrConnection, "not connected")
	}
	spids := d.active.All()
	if spid, ok := d.active.Get(queryID); ok {
		spids = []int64{spid}
	}
	for _, spid := range spids {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("KILL %d", spid)); err != nil {
			return value.WrapError(value.ErrExecution, "kill spid", err)
		}
	}
	return nil
}

func qualifiedTable(ns value.Namespace) string {
	if ns.Schema != "" {
		return ident.QuoteBracket(ns.Schema) + "." + ident.QuoteBracket(ns.Table)
	}
	return ident.QuoteBracket(ns.Table)
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
	case strings.Contains(msg, "Incorrect syntax"):
		return value.WrapError(value.ErrSyntax, "mssql syntax error", err)
	case strings.Contains(msg, "Login failed"):
		return value.WrapError(value.ErrAuth, "mssql authentication failed", err)
	case strings.Contains(msg, "Invalid object name"):
		return value.WrapError(value.ErrNotFound, "mssql object not found", err)
	default:
		return value.WrapError(value.ErrExecution, "mssql execution error", err)
	}
}
