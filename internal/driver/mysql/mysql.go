// Package mysql implements the driver.Driver contract over
// github.com/go-sql-driver/mysql.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/qoreforge/dbgateway/internal/driver"
	"github.com/qoreforge/dbgateway/internal/driver/ident"
	"github.com/qoreforge/dbgateway/internal/driver/sqlbase"
	"github.com/qoreforge/dbgateway/internal/value"
)

const (
	defaultPreviewLimit = 200
	maxPreviewLimit     = 5000
)

// backendIDQuery resolves the server connection id of the connection a
// statement is about to run on, recorded in the active-query map so
// Cancel can issue KILL QUERY against exactly that statement from a
// different pooled connection.
const backendIDQuery = "SELECT CONNECTION_ID()"

type Driver struct {
	base   sqlbase.Base
	active sqlbase.ActiveQueries
}

func New() driver.Driver { return &Driver{} }

func (d *Driver) Id() driver.Id { return driver.MySQL }

func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		SupportsTransactions: true,
		SupportsStreaming:    true,
		SupportsCancel:       true,
		SupportsCatalog:      true,
		SupportsFederation:   true,
		MaxIdentifierLength:  64,
	}
}

func dsn(cfg driver.ConnectionConfig) string {
	c := gomysql.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.Net = "tcp"
	c.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	c.DBName = cfg.Database
	c.ParseTime = true
	return c.FormatDSN()
}

func (d *Driver) TestConnection(ctx context.Context, cfg driver.ConnectionConfig) error {
	db, err := sql.Open("mysql", dsn(cfg))
	if err != nil {
		return value.WrapError(value.ErrConnection, "open mysql connection", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (d *Driver) Connect(ctx context.Context, cfg driver.ConnectionConfig) error {
	db, err := sql.Open("mysql", dsn(cfg))
	if err != nil {
		return value.WrapError(value.ErrConnection, "open mysql connection", err)
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
	res, err := sqlbase.Query(ctx, &d.base, "SHOW DATABASES", nil, 0)
	if err != nil {
		return nil, classify(err)
	}
	return firstColumnStrings(res), nil
}

func (d *Driver) ListSchemas(ctx context.Context, database string) ([]string, error) {
	// MySQL has no separate schema level below database; a database is
	// its own schema.
	return []string{database}, nil
}

func (d *Driver) ListTables(ctx context.Context, ns value.Namespace) ([]string, error) {
	res, err := sqlbase.Query(ctx, &d.base,
		"SELECT table_name FROM information_schema.tables WHERE table_schema = ? ORDER BY table_name",
		[]value.Value{value.Text(ns.Database)}, 0)
	if err != nil {
		return nil, classify(err)
	}
	return firstColumnStrings(res), nil
}

func (d *Driver) GetTableSchema(ctx context.Context, ns value.Namespace) (*value.TableSchema, error) {
	res, err := sqlbase.Query(ctx, &d.base,
		`SELECT column_name, column_type, is_nullable FROM information_schema.columns
		 WHERE table_schema = ? AND table_name = ? ORDER BY ordinal_position`,
		[]value.Value{value.Text(ns.Database), value.Text(ns.Table)}, 0)
	if err != nil {
		return nil, classify(err)
	}
	out := &value.TableSchema{Name: ns.Table, Schema: ns.Database}
	for _, row := range res.Rows {
		out.Columns = append(out.Columns, value.ColumnInfo{
			Name:     row[0].String(),
			DeclType: row[1].String(),
			Nullable: row[2].String() == "YES",
		})
	}
	pk, err := sqlbase.Query(ctx, &d.base,
		`SELECT column_name FROM information_schema.key_column_usage
		 WHERE table_schema = ? AND table_name = ? AND constraint_name = 'PRIMARY'
		 ORDER BY ordinal_position`,
		[]value.Value{value.Text(ns.Database), value.Text(ns.Table)}, 0)
	if err == nil {
		for _, row := range pk.Rows {
			out.PrimaryKey = append(out.PrimaryKey, row[0].String())
		}
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
	sqlText, args := sqlbase.BuildInsert(qualifiedTable(ns), row, ident.MySQL, sqlbase.QuestionPlaceholder)
	return d.Execute(ctx, sqlText, args)
}

func (d *Driver) UpdateRow(ctx context.Context, ns value.Namespace, set, where value.RowData) (*driver.ExecResult, error) {
	if len(set) == 0 {
		return &driver.ExecResult{}, nil
	}
	sqlText, args := sqlbase.BuildUpdate(qualifiedTable(ns), set, where, ident.MySQL, sqlbase.QuestionPlaceholder)
	return d.Execute(ctx, sqlText, args)
}

func (d *Driver) DeleteRow(ctx context.Context, ns value.Namespace, where value.RowData) (*driver.ExecResult, error) {
	sqlText, args := sqlbase.BuildDelete(qualifiedTable(ns), where, ident.MySQL, sqlbase.QuestionPlaceholder)
	return d.Execute(ctx, sqlText, args)
}

func (d *Driver) BeginTransaction(ctx context.Context) error { return d.base.Begin(ctx, "") }
func (d *Driver) Commit(ctx context.Context) error           { return d.base.Commit(ctx) }
func (d *Driver) Rollback(ctx context.Context) error         { return d.base.Rollback(ctx) }
func (d *Driver) InTransaction() bool                        { return d.base.InTransaction() }

// Cancel issues KILL QUERY for the connection id registered under
// queryID, on a different pooled connection. An unknown id kills every
// statement the session has in flight; nothing in flight is a no-op.
func (d *Driver) Cancel(ctx context.Context, queryID value.QueryId) error {
	db := d.base.DB()
	if db == nil {
		return value.NewError(value.ErrConnection, "not connected")
	}
	cids := d.active.All()
	if cid, ok := d.active.Get(queryID); ok {
		cids = []int64{cid}
	}
	for _, cid := range cids {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("KILL QUERY %d", cid)); err != nil {
			return value.WrapError(value.ErrExecution, "kill query", err)
		}
	}
	return nil
}

func qualifiedTable(ns value.Namespace) string {
	if ns.Database != "" {
		return ident.QuoteBacktick(ns.Database) + "." + ident.QuoteBacktick(ns.Table)
	}
	return ident.QuoteBacktick(ns.Table)
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
	case strings.Contains(msg, "Error 1064"):
		return value.WrapError(value.ErrSyntax, "mysql syntax error", err)
	case strings.Contains(msg, "Access denied"):
		return value.WrapError(value.ErrAuth, "mysql authentication failed", err)
	case strings.Contains(msg, "Error 1146"):
		return value.WrapError(value.ErrNotFound, "mysql table not found", err)
	case strings.Contains(msg, "Query execution was interrupted"):
		return value.WrapError(value.ErrCancelled, "query cancelled", err)
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "dial tcp"):
		return value.WrapError(value.ErrConnection, "mysql connection failed", err)
	default:
		return value.WrapError(value.ErrExecution, "mysql execution error", err)
	}
}
