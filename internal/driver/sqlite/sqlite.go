// Package sqlite implements the driver.Driver contract over
// github.com/ncruces/go-sqlite3, a WASM-embedded SQLite driver that
// needs no cgo. BEGIN IMMEDIATE is used for transactions so writer
// conflicts surface at begin time rather than at commit.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/qoreforge/dbgateway/internal/driver"
	"github.com/qoreforge/dbgateway/internal/driver/ident"
	"github.com/qoreforge/dbgateway/internal/driver/sqlbase"
	"github.com/qoreforge/dbgateway/internal/value"
)

const (
	defaultPreviewLimit = 200
	maxPreviewLimit     = 5000
	busyRetries         = 5
	busyRetryDelay      = 10 * time.Millisecond
)

type Driver struct {
	base sqlbase.Base
	path string
}

func New() driver.Driver { return &Driver{} }

func (d *Driver) Id() driver.Id { return driver.SQLite }

func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		SupportsTransactions: true,
		SupportsStreaming:    true,
		SupportsCancel:       false, // no server-side cancel mechanism
		SupportsCatalog:      true,
		SupportsFederation:   true,
		MaxIdentifierLength:  0,
	}
}

func (d *Driver) TestConnection(ctx context.Context, cfg driver.ConnectionConfig) error {
	db, err := sql.Open("sqlite3", cfg.Database)
	if err != nil {
		return value.WrapError(value.ErrConnection, "open sqlite database", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return value.WrapError(value.ErrConnection, "sqlite ping failed", err)
	}
	return nil
}

func (d *Driver) Connect(ctx context.Context, cfg driver.ConnectionConfig) error {
	db, err := sql.Open("sqlite3", cfg.Database)
	if err != nil {
		return value.WrapError(value.ErrConnection, "open sqlite database", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return value.WrapError(value.ErrConnection, "sqlite ping failed", err)
	}
	db.SetMaxOpenConns(1) // a single writer connection avoids SQLITE_BUSY contention
	d.base.SetDB(db)
	d.path = cfg.Database
	return nil
}

func (d *Driver) Disconnect(ctx context.Context) error { return d.base.Close() }

func (d *Driver) ListDatabases(ctx context.Context) ([]string, error) {
	return []string{d.path}, nil
}

func (d *Driver) ListSchemas(ctx context.Context, database string) ([]string, error) {
	return []string{"main"}, nil
}

func (d *Driver) ListTables(ctx context.Context, ns value.Namespace) ([]string, error) {
	res, err := sqlbase.Query(ctx, &d.base,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name", nil, 0)
	if err != nil {
		return nil, classify(err)
	}
	return firstColumnStrings(res), nil
}

func (d *Driver) GetTableSchema(ctx context.Context, ns value.Namespace) (*value.TableSchema, error) {
	res, err := sqlbase.Query(ctx, &d.base, fmt.Sprintf("PRAGMA table_info(%s)", ident.QuoteDouble(ns.Table)), nil, 0)
	if err != nil {
		return nil, classify(err)
	}
	out := &value.TableSchema{Name: ns.Table}
	for _, row := range res.Rows {
		// cid, name, type, notnull, dflt_value, pk
		name := row[1].String()
		declType := row[2].String()
		notNull := row[3].String() == "1"
		pk := row[5].String() != "0"
		out.Columns = append(out.Columns, value.ColumnInfo{Name: name, DeclType: declType, Nullable: !notNull})
		if pk {
			out.PrimaryKey = append(out.PrimaryKey, name)
		}
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
	sqlText, args := sqlbase.BuildInsert(ident.QuoteDouble(ns.Table), row, ident.SQLite, sqlbase.QuestionPlaceholder)
	return d.Execute(ctx, sqlText, args)
}

func (d *Driver) UpdateRow(ctx context.Context, ns value.Namespace, set, where value.RowData) (*driver.ExecResult, error) {
	if len(set) == 0 {
		return &driver.ExecResult{}, nil
	}
	sqlText, args := sqlbase.BuildUpdate(ident.QuoteDouble(ns.Table), set, where, ident.SQLite, sqlbase.QuestionPlaceholder)
	return d.Execute(ctx, sqlText, args)
}

func (d *Driver) DeleteRow(ctx context.Context, ns value.Namespace, where value.RowData) (*driver.ExecResult, error) {
	sqlText, args := sqlbase.BuildDelete(ident.QuoteDouble(ns.Table), where, ident.SQLite, sqlbase.QuestionPlaceholder)
	return d.Execute(ctx, sqlText, args)
}

// BeginTransaction issues BEGIN IMMEDIATE with a short busy-retry loop,
// matching this gateway's local-storage transaction idiom: SQLite's
// writer lock is exclusive and a concurrent writer surfaces as
// SQLITE_BUSY rather than blocking.
func (d *Driver) BeginTransaction(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err := d.base.Begin(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "SQLITE_BUSY") && !strings.Contains(err.Error(), "busy") {
			return err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return value.WrapError(value.ErrTimeout, "begin transaction cancelled", ctx.Err())
		case <-time.After(busyRetryDelay):
		}
	}
	return value.WrapError(value.ErrExecution, "begin transaction: database busy", lastErr)
}

func (d *Driver) Commit(ctx context.Context) error   { return d.base.Commit(ctx) }
func (d *Driver) Rollback(ctx context.Context) error { return d.base.Rollback(ctx) }
func (d *Driver) InTransaction() bool                { return d.base.InTransaction() }

func (d *Driver) Cancel(ctx context.Context, queryID value.QueryId) error {
	return value.NewError(value.ErrUnsupported, "sqlite has no server-side query cancellation")
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
	case strings.Contains(msg, "syntax error"):
		return value.WrapError(value.ErrSyntax, "sqlite syntax error", err)
	case strings.Contains(msg, "no such table"), strings.Contains(msg, "no such column"):
		return value.WrapError(value.ErrNotFound, "sqlite object not found", err)
	case strings.Contains(msg, "SQLITE_BUSY"):
		return value.WrapError(value.ErrTimeout, "sqlite database busy", err)
	default:
		return value.WrapError(value.ErrExecution, "sqlite execution error", err)
	}
}
