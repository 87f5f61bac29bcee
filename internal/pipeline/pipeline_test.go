package pipeline

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qoreforge/dbgateway/internal/driver"
	"github.com/qoreforge/dbgateway/internal/interceptor"
	"github.com/qoreforge/dbgateway/internal/queryregistry"
	"github.com/qoreforge/dbgateway/internal/session"
	"github.com/qoreforge/dbgateway/internal/value"
)

// fakeDriver executes nothing for real: SELECTs return a canned result,
// mutations count invocations, and any statement containing "boom"
// fails, which is enough to drive the pipeline's gating and
// multi-statement paths.
type fakeDriver struct {
	id        driver.Id
	mutations int
	cancelled []value.QueryId
}

func (f *fakeDriver) Id() driver.Id { return f.id }
func (f *fakeDriver) Capabilities() driver.Capabilities {
	return driver.Capabilities{SupportsTransactions: true, SupportsStreaming: true, SupportsCancel: true}
}
func (f *fakeDriver) TestConnection(ctx context.Context, cfg driver.ConnectionConfig) error {
	return nil
}
func (f *fakeDriver) Connect(ctx context.Context, cfg driver.ConnectionConfig) error { return nil }
func (f *fakeDriver) Disconnect(ctx context.Context) error                           { return nil }
func (f *fakeDriver) ListDatabases(ctx context.Context) ([]string, error)            { return nil, nil }
func (f *fakeDriver) ListSchemas(ctx context.Context, database string) ([]string, error) {
	return nil, nil
}
func (f *fakeDriver) ListTables(ctx context.Context, ns value.Namespace) ([]string, error) {
	return nil, nil
}
func (f *fakeDriver) GetTableSchema(ctx context.Context, ns value.Namespace) (*value.TableSchema, error) {
	return &value.TableSchema{}, nil
}

func (f *fakeDriver) Execute(ctx context.Context, sql string, args []value.Value) (*driver.ExecResult, error) {
	if strings.Contains(sql, "boom") {
		return nil, value.NewError(value.ErrExecution, "backend rejected statement")
	}
	f.mutations++
	return &driver.ExecResult{RowsAffected: 1}, nil
}

func (f *fakeDriver) Query(ctx context.Context, sql string, args []value.Value, limit int) (*driver.PaginatedResult, error) {
	if strings.Contains(sql, "boom") {
		return nil, value.NewError(value.ErrExecution, "backend rejected statement")
	}
	return &driver.PaginatedResult{
		Columns: []value.ColumnInfo{{Name: "id", DeclType: "bigint"}},
		Rows:    []value.Row{{value.Int(1)}, {value.Int(2)}, {value.Int(3)}},
	}, nil
}

func (f *fakeDriver) QueryStream(ctx context.Context, sql string, args []value.Value) (<-chan driver.StreamEvent, error) {
	res, err := f.Query(ctx, sql, args, 0)
	if err != nil {
		return nil, err
	}
	out := make(chan driver.StreamEvent, len(res.Rows)+2)
	out <- driver.StreamEvent{Columns: res.Columns}
	for _, r := range res.Rows {
		out <- driver.StreamEvent{Row: r}
	}
	out <- driver.StreamEvent{Done: true}
	close(out)
	return out, nil
}

func (f *fakeDriver) InsertRow(ctx context.Context, ns value.Namespace, row value.RowData) (*driver.ExecResult, error) {
	return &driver.ExecResult{RowsAffected: 1}, nil
}
func (f *fakeDriver) UpdateRow(ctx context.Context, ns value.Namespace, set, where value.RowData) (*driver.ExecResult, error) {
	return &driver.ExecResult{RowsAffected: 1}, nil
}
func (f *fakeDriver) DeleteRow(ctx context.Context, ns value.Namespace, where value.RowData) (*driver.ExecResult, error) {
	return &driver.ExecResult{RowsAffected: 1}, nil
}
func (f *fakeDriver) BeginTransaction(ctx context.Context) error { return nil }
func (f *fakeDriver) Commit(ctx context.Context) error           { return nil }
func (f *fakeDriver) Rollback(ctx context.Context) error         { return nil }
func (f *fakeDriver) InTransaction() bool                        { return false }
func (f *fakeDriver) Cancel(ctx context.Context, queryID value.QueryId) error {
	f.cancelled = append(f.cancelled, queryID)
	return nil
}

func newTestPipeline(t *testing.T, cfg driver.ConnectionConfig) (*Pipeline, *session.ActiveSession, *fakeDriver) {
	t.Helper()
	fd := &fakeDriver{id: driver.Postgres}
	reg := driver.NewRegistry()
	reg.Register(driver.Postgres, func() driver.Driver { return fd })

	dir, err := os.MkdirTemp("", "pipeline-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	safety, err := interceptor.NewEngine(dir, 100, 100)
	require.NoError(t, err)

	sessions := session.NewManager(reg, nil)
	cfg.Driver = driver.Postgres
	sess, err := sessions.Connect(context.Background(), cfg)
	require.NoError(t, err)

	return New(sessions, safety, queryregistry.New()), sess, fd
}

func TestReadOnlyModeBlocksMutation(t *testing.T) {
	p, sess, fd := newTestPipeline(t, driver.ConnectionConfig{ReadOnly: true})

	_, err := p.Execute(context.Background(), sess.ID, "DELETE FROM t WHERE id = 1", Options{})
	require.Error(t, err)
	require.Equal(t, MsgReadOnlyBlocked, errMessage(err))
	require.Equal(t, 0, fd.mutations)
}

func TestReadOnlyModeAllowsSelect(t *testing.T) {
	p, sess, _ := newTestPipeline(t, driver.ConnectionConfig{ReadOnly: true})

	res, err := p.Execute(context.Background(), sess.ID, "SELECT * FROM t", Options{})
	require.NoError(t, err)
	require.NotNil(t, res.Query)
	require.Len(t, res.Query.Rows, 3)
}

func TestProductionDeleteRequiresConfirmation(t *testing.T) {
	p, sess, fd := newTestPipeline(t, driver.ConnectionConfig{Environment: driver.EnvProduction})

	_, err := p.Execute(context.Background(), sess.ID, "DELETE FROM users WHERE id = 1", Options{})
	require.Error(t, err)
	require.True(t, strings.HasPrefix(errMessage(err), MsgConfirmRequired))
	require.Equal(t, 0, fd.mutations)

	res, err := p.Execute(context.Background(), sess.ID, "DELETE FROM users WHERE id = 1", Options{Acknowledged: true})
	require.NoError(t, err)
	require.Equal(t, 1, fd.mutations)
	require.NotEmpty(t, res.Warnings)
}

func TestProductionDropBlockedOutright(t *testing.T) {
	p, sess, _ := newTestPipeline(t, driver.ConnectionConfig{Environment: driver.EnvProduction})

	_, err := p.Execute(context.Background(), sess.ID, "DROP TABLE users", Options{Acknowledged: true})
	require.Error(t, err)
	require.True(t, strings.HasPrefix(errMessage(err), MsgRuleBlocked))
}

func TestMultiStatementReportsFailingIndex(t *testing.T) {
	p, sess, fd := newTestPipeline(t, driver.ConnectionConfig{})

	script := "INSERT INTO t VALUES (1); INSERT INTO boom VALUES (2); INSERT INTO t VALUES (3)"
	_, err := p.Execute(context.Background(), sess.ID, script, Options{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "statement 2 of 3")
	require.Contains(t, err.Error(), "1 succeeded")
	// the statement after the failure never ran
	require.Equal(t, 1, fd.mutations)
}

func TestMultiStatementReturnsLastResult(t *testing.T) {
	p, sess, _ := newTestPipeline(t, driver.ConnectionConfig{})

	res, err := p.Execute(context.Background(), sess.ID, "INSERT INTO t VALUES (1); SELECT * FROM t", Options{})
	require.NoError(t, err)
	require.NotNil(t, res.Query)
	require.Len(t, res.Query.Rows, 3)
}

func TestQueryIdReleasedAfterExecute(t *testing.T) {
	p, sess, _ := newTestPipeline(t, driver.ConnectionConfig{})

	res, err := p.Execute(context.Background(), sess.ID, "SELECT 1", Options{})
	require.NoError(t, err)
	_, stillRegistered := p.Queries.Owner(res.QueryID)
	require.False(t, stillRegistered)
}

func TestCallerSuppliedQueryIdIsUsed(t *testing.T) {
	p, sess, _ := newTestPipeline(t, driver.ConnectionConfig{})

	qid := value.NewQueryId()
	res, err := p.Execute(context.Background(), sess.ID, "SELECT 1", Options{QueryID: &qid})
	require.NoError(t, err)
	require.Equal(t, qid, res.QueryID)
}

func TestStreamingOrderColumnsRowsDone(t *testing.T) {
	p, sess, _ := newTestPipeline(t, driver.ConnectionConfig{})

	events, _, err := p.ExecuteStream(context.Background(), sess.ID, "SELECT * FROM t", Options{})
	require.NoError(t, err)

	var got []driver.StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 5)
	require.NotNil(t, got[0].Columns)
	for i := 1; i <= 3; i++ {
		require.NotNil(t, got[i].Row)
	}
	require.True(t, got[4].Done)
}

func TestStreamingRefusesMultiStatement(t *testing.T) {
	p, sess, _ := newTestPipeline(t, driver.ConnectionConfig{})
	_, _, err := p.ExecuteStream(context.Background(), sess.ID, "SELECT 1; SELECT 2", Options{})
	require.Error(t, err)
}

func TestCancelUnknownQueryIsNoOp(t *testing.T) {
	p, _, fd := newTestPipeline(t, driver.ConnectionConfig{})
	require.NoError(t, p.Cancel(context.Background(), value.NewQueryId()))
	require.Empty(t, fd.cancelled)
}

func TestUnknownSessionFails(t *testing.T) {
	p, _, _ := newTestPipeline(t, driver.ConnectionConfig{})
	_, err := p.Execute(context.Background(), value.NewSessionId(), "SELECT 1", Options{})
	require.Error(t, err)
	require.Equal(t, value.ErrNotFound, value.KindOf(err))
}

// errMessage unwraps the pipeline's typed error down to its message.
func errMessage(err error) string {
	var e *value.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

func TestProductionPolicyBlocksDropEvenWithRuleDisabled(t *testing.T) {
	p, sess, _ := newTestPipeline(t, driver.ConnectionConfig{Environment: driver.EnvProduction})
	require.NoError(t, p.Safety.SetBuiltinEnabled("builtin_block_drop_production", false))

	_, err := p.Execute(context.Background(), sess.ID, "DROP TABLE users", Options{Acknowledged: true})
	require.Error(t, err)
	require.True(t, strings.HasPrefix(errMessage(err), MsgRuleBlocked))
}

func TestProductionPolicyConfirmsDangerousWithRulesDisabled(t *testing.T) {
	p, sess, fd := newTestPipeline(t, driver.ConnectionConfig{Environment: driver.EnvProduction})
	require.NoError(t, p.Safety.SetConfig(interceptor.SafetyConfig{
		RulesEngineDisabled:     true,
		ProdBlockDangerousSQL:   true,
		ProdRequireConfirmation: true,
	}))

	_, err := p.Execute(context.Background(), sess.ID, "DELETE FROM users", Options{})
	require.Error(t, err)
	require.True(t, strings.HasPrefix(errMessage(err), MsgConfirmRequired))
	require.Equal(t, 0, fd.mutations)

	_, err = p.Execute(context.Background(), sess.ID, "DELETE FROM users", Options{Acknowledged: true})
	require.NoError(t, err)
	require.Equal(t, 1, fd.mutations)
}

func TestProductionPolicyFullyDisabledAllowsDrop(t *testing.T) {
	p, sess, fd := newTestPipeline(t, driver.ConnectionConfig{Environment: driver.EnvProduction})
	require.NoError(t, p.Safety.SetConfig(interceptor.SafetyConfig{
		RulesEngineDisabled:     true,
		ProdBlockDangerousSQL:   false,
		ProdRequireConfirmation: false,
	}))

	_, err := p.Execute(context.Background(), sess.ID, "DROP TABLE users", Options{})
	require.NoError(t, err)
	require.Equal(t, 1, fd.mutations)
}
