package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qoreforge/dbgateway/internal/driver"
	"github.com/qoreforge/dbgateway/internal/value"
)

func newMemDriver(t *testing.T) *Driver {
	t.Helper()
	d := New().(*Driver)
	cfg := driver.ConnectionConfig{Driver: driver.SQLite, Database: ":memory:"}
	require.NoError(t, d.Connect(context.Background(), cfg))
	t.Cleanup(func() { _ = d.Disconnect(context.Background()) })

	_, err := d.Execute(context.Background(), "CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)", nil)
	require.NoError(t, err)
	return d
}

func rowCount(t *testing.T, d *Driver) int64 {
	t.Helper()
	res, err := d.Query(context.Background(), "SELECT COUNT(*) FROM t", nil, 1)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	n, ok := res.Rows[0][0].Go.(int64)
	require.True(t, ok)
	return n
}

func TestBeginInsertRollbackLeavesCountUnchanged(t *testing.T) {
	d := newMemDriver(t)
	ctx := context.Background()

	_, err := d.Execute(ctx, "INSERT INTO t (name) VALUES ('before')", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), rowCount(t, d))

	require.NoError(t, d.BeginTransaction(ctx))
	require.True(t, d.InTransaction())
	_, err = d.Execute(ctx, "INSERT INTO t (name) VALUES ('inside')", nil)
	require.NoError(t, err)
	require.NoError(t, d.Rollback(ctx))

	require.False(t, d.InTransaction())
	require.Equal(t, int64(1), rowCount(t, d))
}

func TestBeginInsertCommitIncrementsCount(t *testing.T) {
	d := newMemDriver(t)
	ctx := context.Background()

	require.NoError(t, d.BeginTransaction(ctx))
	_, err := d.Execute(ctx, "INSERT INTO t (name) VALUES ('kept')", nil)
	require.NoError(t, err)
	require.NoError(t, d.Commit(ctx))

	require.False(t, d.InTransaction())
	require.Equal(t, int64(1), rowCount(t, d))
}

func TestStatementsInsideTransactionSeeUncommittedRows(t *testing.T) {
	d := newMemDriver(t)
	ctx := context.Background()

	require.NoError(t, d.BeginTransaction(ctx))
	_, err := d.Execute(ctx, "INSERT INTO t (name) VALUES ('pending')", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), rowCount(t, d))
	require.NoError(t, d.Rollback(ctx))
	require.Equal(t, int64(0), rowCount(t, d))
}

func TestDoubleBeginFails(t *testing.T) {
	d := newMemDriver(t)
	ctx := context.Background()

	require.NoError(t, d.BeginTransaction(ctx))
	err := d.BeginTransaction(ctx)
	require.Error(t, err)
	require.NoError(t, d.Rollback(ctx))
}

func TestCommitWithoutBeginFails(t *testing.T) {
	d := newMemDriver(t)
	require.Error(t, d.Commit(context.Background()))
	require.Error(t, d.Rollback(context.Background()))
}

func TestUpdateRowWithEmptySetIsNoOp(t *testing.T) {
	d := newMemDriver(t)
	ctx := context.Background()

	_, err := d.Execute(ctx, "INSERT INTO t (id, name) VALUES (1, 'a')", nil)
	require.NoError(t, err)

	res, err := d.UpdateRow(ctx, value.Namespace{Table: "t"}, value.RowData{}, value.RowData{"id": value.Int(1)})
	require.NoError(t, err)
	require.Equal(t, int64(0), res.RowsAffected)
}
