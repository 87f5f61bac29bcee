// Package sqlbase holds the database/sql plumbing shared by every
// SQL-family driver (postgres, mysql, sqlite, duckdb, mssql): pinned
// connection transactions, paginated SELECT scanning, and streaming
// via a single-producer channel. Transactions pin a dedicated
// sql.Conn held across BEGIN/COMMIT/ROLLBACK rather than relying on
// database/sql's implicit pool-level *sql.Tx, generalized across
// dialects.
package sqlbase

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/qoreforge/dbgateway/internal/driver"
	"github.com/qoreforge/dbgateway/internal/value"
)

// Base wraps a *sql.DB and the pinned-connection transaction state
// common to all database/sql drivers in this gateway. A transaction is
// held either as a *sql.Tx (default) or as raw BEGIN/COMMIT/ROLLBACK
// statements on the pinned connection (rawTx) for dialects whose BEGIN
// variant database/sql cannot issue, e.g. SQLite's BEGIN IMMEDIATE.
type Base struct {
	mu    sync.Mutex
	db    *sql.DB
	conn  *sql.Conn // non-nil only while a transaction is pinned
	tx    *sql.Tx
	rawTx bool // transaction held via raw statements on conn; tx is nil
}

func (b *Base) SetDB(db *sql.DB) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.db = db
}

func (b *Base) DB() *sql.DB {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db
}

func (b *Base) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tx != nil {
		_ = b.tx.Rollback()
		b.tx = nil
	}
	if b.rawTx && b.conn != nil {
		_, _ = b.conn.ExecContext(context.Background(), "ROLLBACK")
		b.rawTx = false
	}
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
	if b.db == nil {
		return nil
	}
	db := b.db
	b.db = nil
	return db.Close()
}

func (b *Base) InTransaction() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tx != nil || b.rawTx
}

// Begin pins a dedicated connection and starts a transaction on it.
// beginSQL lets callers pass a dialect-specific BEGIN statement (e.g.
// "BEGIN IMMEDIATE" for SQLite); empty uses sql.Tx's default.
func (b *Base) Begin(ctx context.Context, beginSQL string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return value.NewError(value.ErrConnection, "not connected")
	}
	if b.tx != nil || b.rawTx {
		return value.NewError(value.ErrValidation, "a transaction is already pinned on this session")
	}
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return value.WrapError(value.ErrConnection, "acquire pinned connection", err)
	}
	if beginSQL != "" {
		// The transaction lives entirely in raw statements on this
		// connection; a BeginTx here would issue a second BEGIN inside
		// the one beginSQL already opened.
		if _, err := conn.ExecContext(ctx, beginSQL); err != nil {
			_ = conn.Close()
			return value.WrapError(value.ErrExecution, "begin transaction", err)
		}
		b.conn = conn
		b.rawTx = true
		return nil
	}
	tx, err := conn.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		_ = conn.Close()
		return value.WrapError(value.ErrExecution, "begin transaction", err)
	}
	b.conn = conn
	b.tx = tx
	return nil
}

func (b *Base) Commit(ctx context.Context) error {
	return b.finishTx(ctx, "COMMIT")
}

func (b *Base) Rollback(ctx context.Context) error {
	return b.finishTx(ctx, "ROLLBACK")
}

func (b *Base) finishTx(ctx context.Context, stmt string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tx == nil && !b.rawTx {
		return value.NewError(value.ErrValidation, "no transaction pinned")
	}
	var err error
	if b.rawTx {
		_, err = b.conn.ExecContext(ctx, stmt)
		b.rawTx = false
	} else if stmt == "COMMIT" {
		err = b.tx.Commit()
	} else {
		err = b.tx.Rollback()
	}
	_ = b.conn.Close()
	b.tx, b.conn = nil, nil
	if err != nil {
		return value.WrapError(value.ErrExecution, strings.ToLower(stmt), err)
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Execer returns the pinned transaction if one is active, else the pool.
func (b *Base) Execer() (execer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tx != nil {
		return b.tx, nil
	}
	if b.rawTx {
		return b.conn, nil
	}
	if b.db == nil {
		return nil, value.NewError(value.ErrConnection, "not connected")
	}
	return b.db, nil
}

func toDriverArgs(args []value.Value) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if a.IsNull() {
			out[i] = nil
			continue
		}
		out[i] = a.Go
	}
	return out
}

// Exec runs a non-SELECT statement against whichever execer is active.
func Exec(ctx context.Context, b *Base, sqlText string, args []value.Value) (*driver.ExecResult, error) {
	ex, err := b.Execer()
	if err != nil {
		return nil, err
	}
	res, err := ex.ExecContext(ctx, sqlText, toDriverArgs(args)...)
	if err != nil {
		return nil, value.WrapError(value.ErrExecution, "exec", err)
	}
	affected, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return &driver.ExecResult{RowsAffected: affected, LastInsertID: lastID}, nil
}

// Query runs a SELECT, clamping to limit rows (0 means unbounded) and
// reporting the limit actually applied.
func Query(ctx context.Context, b *Base, sqlText string, args []value.Value, limit int) (*driver.PaginatedResult, error) {
	ex, err := b.Execer()
	if err != nil {
		return nil, err
	}
	rows, err := ex.QueryContext(ctx, sqlText, toDriverArgs(args)...)
	if err != nil {
		return nil, value.WrapError(value.ErrExecution, "query", err)
	}
	defer rows.Close()
	return collectRows(rows, limit)
}

func collectRows(rows *sql.Rows, limit int) (*driver.PaginatedResult, error) {
	cols, err := columnInfo(rows)
	if err != nil {
		return nil, value.WrapError(value.ErrInternal, "read column metadata", err)
	}

	var result []value.Row
	hasMore := false
	for rows.Next() {
		if limit > 0 && len(result) >= limit {
			hasMore = true
			break
		}
		row, err := scanRow(rows, len(cols))
		if err != nil {
			return nil, value.WrapError(value.ErrInternal, "scan row", err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, value.WrapError(value.ErrExecution, "iterate rows", err)
	}
	return &driver.PaginatedResult{
		Columns:        cols,
		Rows:           result,
		EffectiveLimit: limit,
		HasMore:        hasMore,
	}, nil
}

// QueryStream runs query and streams rows over a buffered channel filled
// by a single producer goroutine, preserving Columns -> Row* -> Done|Err
// ordering.
func QueryStream(ctx context.Context, b *Base, sqlText string, args []value.Value) (<-chan driver.StreamEvent, error) {
	ex, err := b.Execer()
	if err != nil {
		return nil, err
	}
	rows, err := ex.QueryContext(ctx, sqlText, toDriverArgs(args)...)
	if err != nil {
		return nil, value.WrapError(value.ErrExecution, "query", err)
	}

	out := make(chan driver.StreamEvent, 64)
	go func() {
		defer close(out)
		defer rows.Close()
		streamRows(ctx, rows, out)
	}()
	return out, nil
}

// streamRows is the single producer for a statement's event stream,
// preserving Columns -> Row* -> Done|Err ordering.
func streamRows(ctx context.Context, rows *sql.Rows, out chan<- driver.StreamEvent) {
	cols, err := columnInfo(rows)
	if err != nil {
		out <- driver.StreamEvent{Err: value.WrapError(value.ErrInternal, "read column metadata", err)}
		return
	}
	out <- driver.StreamEvent{Columns: cols}

	for rows.Next() {
		select {
		case <-ctx.Done():
			out <- driver.StreamEvent{Err: value.NewError(value.ErrCancelled, "stream cancelled")}
			return
		default:
		}
		row, err := scanRow(rows, len(cols))
		if err != nil {
			out <- driver.StreamEvent{Err: value.WrapError(value.ErrInternal, "scan row", err)}
			return
		}
		out <- driver.StreamEvent{Row: row}
	}
	if err := rows.Err(); err != nil {
		out <- driver.StreamEvent{Err: value.WrapError(value.ErrExecution, "iterate rows", err)}
		return
	}
	out <- driver.StreamEvent{Done: true}
}

func columnInfo(rows *sql.Rows) ([]value.ColumnInfo, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	cols := make([]value.ColumnInfo, len(types))
	for i, t := range types {
		nullable, ok := t.Nullable()
		if !ok {
			nullable = true
		}
		cols[i] = value.ColumnInfo{
			Name:     t.Name(),
			DeclType: t.DatabaseTypeName(),
			Nullable: nullable,
		}
	}
	return cols, nil
}

func scanRow(rows *sql.Rows, n int) (value.Row, error) {
	raw := make([]any, n)
	ptrs := make([]any, n)
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	row := make(value.Row, n)
	for i, v := range raw {
		row[i] = fromDriverValue(v)
	}
	return row, nil
}

func fromDriverValue(v any) value.Value {
	switch t := v.(type) {
	case nil:
		return value.Null()
	case bool:
		return value.Bool(t)
	case int64:
		return value.Int(t)
	case float64:
		return value.Float(t)
	case string:
		return value.Text(t)
	case []byte:
		return value.Bytes(t)
	case time.Time:
		return value.DateTime(t)
	default:
		return value.Text(fmt.Sprintf("%v", t))
	}
}

// ClampLimit applies the gateway-wide default/maximum preview row caps
// when a caller requests 0 (default) or an excessive limit.
func ClampLimit(requested, def, max int) int {
	if requested <= 0 {
		return def
	}
	if requested > max {
		return max
	}
	return requested
}
