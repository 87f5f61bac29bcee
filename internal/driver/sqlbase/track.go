package sqlbase

import (
	"context"
	"database/sql"
	"sync"

	"github.com/qoreforge/dbgateway/internal/driver"
	"github.com/qoreforge/dbgateway/internal/value"
)

// ActiveQueries is the per-session map from QueryId to the backend-level
// cancel token (pg backend pid, mysql connection id, mssql spid)
// recorded at statement start and drained when the statement finishes.
// The lock is held only for the O(1) insert/remove/lookup.
type ActiveQueries struct {
	mu sync.Mutex
	m  map[value.QueryId]int64
}

func (a *ActiveQueries) Register(id value.QueryId, backendID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.m == nil {
		a.m = make(map[value.QueryId]int64)
	}
	a.m[id] = backendID
}

func (a *ActiveQueries) Drain(id value.QueryId) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.m, id)
}

func (a *ActiveQueries) Get(id value.QueryId) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	backendID, ok := a.m[id]
	return backendID, ok
}

// All returns every registered backend id, for cancel-without-qid.
func (a *ActiveQueries) All() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int64, 0, len(a.m))
	for _, backendID := range a.m {
		out = append(out, backendID)
	}
	return out
}

// statementHandle is the execution target for one tracked statement:
// either the pinned transaction (no dedicated conn, no tracking) or a
// dedicated pooled connection whose backend id has been registered.
type statementHandle struct {
	ex      execer
	conn    *sql.Conn
	active  *ActiveQueries
	queryID value.QueryId
	tracked bool
}

func (h *statementHandle) release() {
	if h.tracked {
		h.active.Drain(h.queryID)
	}
	if h.conn != nil {
		_ = h.conn.Close()
	}
}

// acquireStatement picks where a statement runs. Inside a transaction
// everything serializes on the pinned connection and cancellation is
// left to the backend's transaction abort. Outside one, a dedicated
// connection is pulled from the pool so its backend id can be resolved
// with backendIDQuery and registered under the context's query id —
// cancel then targets exactly this statement from a different pooled
// connection.
func acquireStatement(ctx context.Context, b *Base, active *ActiveQueries, backendIDQuery string) (*statementHandle, error) {
	b.mu.Lock()
	if b.tx != nil {
		tx := b.tx
		b.mu.Unlock()
		return &statementHandle{ex: tx}, nil
	}
	if b.rawTx {
		// Pinned raw transaction: run on its connection, never close it.
		conn := b.conn
		b.mu.Unlock()
		return &statementHandle{ex: conn}, nil
	}
	db := b.db
	b.mu.Unlock()
	if db == nil {
		return nil, value.NewError(value.ErrConnection, "not connected")
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, value.WrapError(value.ErrConnection, "acquire connection", err)
	}
	h := &statementHandle{ex: conn, conn: conn}

	if active != nil && backendIDQuery != "" {
		if qid, ok := value.QueryIDFrom(ctx); ok {
			var backendID int64
			if err := conn.QueryRowContext(ctx, backendIDQuery).Scan(&backendID); err == nil {
				active.Register(qid, backendID)
				h.active = active
				h.queryID = qid
				h.tracked = true
			}
		}
	}
	return h, nil
}

// ExecTracked is Exec with active-query registration for drivers that
// support server-side cancellation.
func ExecTracked(ctx context.Context, b *Base, active *ActiveQueries, backendIDQuery, sqlText string, args []value.Value) (*driver.ExecResult, error) {
	h, err := acquireStatement(ctx, b, active, backendIDQuery)
	if err != nil {
		return nil, err
	}
	defer h.release()
	res, err := h.ex.ExecContext(ctx, sqlText, toDriverArgs(args)...)
	if err != nil {
		return nil, value.WrapError(value.ErrExecution, "exec", err)
	}
	affected, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return &driver.ExecResult{RowsAffected: affected, LastInsertID: lastID}, nil
}

// QueryTracked is Query with active-query registration.
func QueryTracked(ctx context.Context, b *Base, active *ActiveQueries, backendIDQuery, sqlText string, args []value.Value, limit int) (*driver.PaginatedResult, error) {
	h, err := acquireStatement(ctx, b, active, backendIDQuery)
	if err != nil {
		return nil, err
	}
	defer h.release()
	rows, err := h.ex.QueryContext(ctx, sqlText, toDriverArgs(args)...)
	if err != nil {
		return nil, value.WrapError(value.ErrExecution, "query", err)
	}
	defer rows.Close()
	return collectRows(rows, limit)
}

// QueryStreamTracked is QueryStream with active-query registration; the
// registration drains when the producer goroutine finishes, including
// on stream error.
func QueryStreamTracked(ctx context.Context, b *Base, active *ActiveQueries, backendIDQuery, sqlText string, args []value.Value) (<-chan driver.StreamEvent, error) {
	h, err := acquireStatement(ctx, b, active, backendIDQuery)
	if err != nil {
		return nil, err
	}
	rows, err := h.ex.QueryContext(ctx, sqlText, toDriverArgs(args)...)
	if err != nil {
		h.release()
		return nil, value.WrapError(value.ErrExecution, "query", err)
	}

	out := make(chan driver.StreamEvent, 64)
	go func() {
		defer close(out)
		defer h.release()
		defer rows.Close()
		streamRows(ctx, rows, out)
	}()
	return out, nil
}
