package federation

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qoreforge/dbgateway/internal/driver"
	"github.com/qoreforge/dbgateway/internal/session"
	"github.com/qoreforge/dbgateway/internal/value"
)

// fakeSource serves a canned table for any fetch the orchestrator
// issues against it.
type fakeSource struct {
	id      driver.Id
	columns []value.ColumnInfo
	rows    []value.Row
	hasMore bool
	queries []string
}

func (f *fakeSource) Id() driver.Id { return f.id }
func (f *fakeSource) Capabilities() driver.Capabilities {
	return driver.Capabilities{SupportsFederation: true}
}
func (f *fakeSource) TestConnection(ctx context.Context, cfg driver.ConnectionConfig) error {
	return nil
}
func (f *fakeSource) Connect(ctx context.Context, cfg driver.ConnectionConfig) error { return nil }
func (f *fakeSource) Disconnect(ctx context.Context) error                           { return nil }
func (f *fakeSource) ListDatabases(ctx context.Context) ([]string, error)            { return nil, nil }
func (f *fakeSource) ListSchemas(ctx context.Context, database string) ([]string, error) {
	return nil, nil
}
func (f *fakeSource) ListTables(ctx context.Context, ns value.Namespace) ([]string, error) {
	return nil, nil
}
func (f *fakeSource) GetTableSchema(ctx context.Context, ns value.Namespace) (*value.TableSchema, error) {
	return &value.TableSchema{}, nil
}
func (f *fakeSource) Execute(ctx context.Context, sql string, args []value.Value) (*driver.ExecResult, error) {
	return &driver.ExecResult{}, nil
}
func (f *fakeSource) Query(ctx context.Context, sql string, args []value.Value, limit int) (*driver.PaginatedResult, error) {
	f.queries = append(f.queries, sql)
	rows := f.rows
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return &driver.PaginatedResult{Columns: f.columns, Rows: rows, HasMore: f.hasMore}, nil
}
func (f *fakeSource) QueryStream(ctx context.Context, sql string, args []value.Value) (<-chan driver.StreamEvent, error) {
	ch := make(chan driver.StreamEvent)
	close(ch)
	return ch, nil
}
func (f *fakeSource) InsertRow(ctx context.Context, ns value.Namespace, row value.RowData) (*driver.ExecResult, error) {
	return &driver.ExecResult{}, nil
}
func (f *fakeSource) UpdateRow(ctx context.Context, ns value.Namespace, set, where value.RowData) (*driver.ExecResult, error) {
	return &driver.ExecResult{}, nil
}
func (f *fakeSource) DeleteRow(ctx context.Context, ns value.Namespace, where value.RowData) (*driver.ExecResult, error) {
	return &driver.ExecResult{}, nil
}
func (f *fakeSource) BeginTransaction(ctx context.Context) error { return nil }
func (f *fakeSource) Commit(ctx context.Context) error           { return nil }
func (f *fakeSource) Rollback(ctx context.Context) error         { return nil }
func (f *fakeSource) InTransaction() bool                        { return false }
func (f *fakeSource) Cancel(ctx context.Context, queryID value.QueryId) error {
	return value.NewError(value.ErrUnsupported, "no cancel")
}

func connectSource(t *testing.T, sessions *session.Manager, reg *driver.Registry, id driver.Id) value.SessionId {
	t.Helper()
	sess, err := sessions.Connect(context.Background(), driver.ConnectionConfig{Driver: id})
	require.NoError(t, err)
	return sess.ID
}

func usersSource() *fakeSource {
	return &fakeSource{
		id: driver.Postgres,
		columns: []value.ColumnInfo{
			{Name: "id", DeclType: "bigint"},
			{Name: "email", DeclType: "text"},
		},
		rows: []value.Row{
			{value.Int(1), value.Text("a@example.com")},
			{value.Int(2), value.Text("b@example.com")},
		},
	}
}

func TestExecuteSingleSourceFederation(t *testing.T) {
	src := usersSource()
	reg := driver.NewRegistry()
	reg.Register(driver.Postgres, func() driver.Driver { return src })
	sessions := session.NewManager(reg, nil)
	sid := connectSource(t, sessions, reg, driver.Postgres)

	res, err := Execute(context.Background(),
		"SELECT email FROM pg.public.users",
		map[string]value.SessionId{"pg": sid},
		sessions, Options{Debug: true})
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	require.Len(t, res.Meta.Sources, 1)
	require.Equal(t, "pg", res.Meta.Sources[0].Alias)
	require.Equal(t, "users", res.Meta.Sources[0].Table)
	require.Equal(t, 2, res.Meta.Sources[0].RowCount)
	require.NotContains(t, res.Meta.RewrittenSQL, "pg.public")
	require.Contains(t, res.Meta.RewrittenSQL, "__fed_users_0")
}

func TestExecuteRejectsMultiStatement(t *testing.T) {
	sessions := session.NewManager(driver.NewRegistry(), nil)
	_, err := Execute(context.Background(),
		"SELECT 1; SELECT * FROM pg.public.users",
		map[string]value.SessionId{"pg": value.NewSessionId()},
		sessions, Options{})
	require.Error(t, err)
	require.Equal(t, value.ErrValidation, value.KindOf(err))
}

func TestExecuteRejectsDML(t *testing.T) {
	sessions := session.NewManager(driver.NewRegistry(), nil)
	_, err := Execute(context.Background(),
		"DELETE FROM pg.public.users",
		map[string]value.SessionId{"pg": value.NewSessionId()},
		sessions, Options{})
	require.Error(t, err)
}

func TestExecuteUnknownAliasNotFederated(t *testing.T) {
	src := usersSource()
	reg := driver.NewRegistry()
	reg.Register(driver.Postgres, func() driver.Driver { return src })
	sessions := session.NewManager(reg, nil)
	sid := connectSource(t, sessions, reg, driver.Postgres)

	// mydb.public.users does not match the "pg" alias, so nothing in
	// the statement is federated.
	_, err := Execute(context.Background(),
		"SELECT * FROM mydb.public.users",
		map[string]value.SessionId{"pg": sid},
		sessions, Options{})
	require.Error(t, err)
	require.Equal(t, value.ErrValidation, value.KindOf(err))
}

func TestRowCapTruncatesWithWarning(t *testing.T) {
	src := usersSource()
	reg := driver.NewRegistry()
	reg.Register(driver.Postgres, func() driver.Driver { return src })
	sessions := session.NewManager(reg, nil)
	sid := connectSource(t, sessions, reg, driver.Postgres)

	res, err := Execute(context.Background(),
		"SELECT * FROM pg.public.users",
		map[string]value.SessionId{"pg": sid},
		sessions, Options{PerSourceRowCap: 1})
	require.NoError(t, err)
	require.True(t, res.Meta.Sources[0].RowLimitHit)
	require.Equal(t, 1, res.Meta.Sources[0].RowCount)
	require.NotEmpty(t, res.Meta.Warnings)
	require.Len(t, res.Rows, 1)
}

func TestExecuteStreamOrdering(t *testing.T) {
	src := usersSource()
	reg := driver.NewRegistry()
	reg.Register(driver.Postgres, func() driver.Driver { return src })
	sessions := session.NewManager(reg, nil)
	sid := connectSource(t, sessions, reg, driver.Postgres)

	events, err := ExecuteStream(context.Background(),
		"SELECT * FROM pg.public.users",
		map[string]value.SessionId{"pg": sid},
		sessions, Options{})
	require.NoError(t, err)

	var got []driver.StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 4)
	require.NotNil(t, got[0].Columns)
	require.NotNil(t, got[1].Row)
	require.NotNil(t, got[2].Row)
	require.True(t, got[3].Done)
}

func TestValidateAliasMap(t *testing.T) {
	sid := value.NewSessionId()

	_, err := ValidateAliasMap(map[string]value.SessionId{"prod pg": sid})
	require.Error(t, err)

	_, err = ValidateAliasMap(map[string]value.SessionId{"": sid})
	require.Error(t, err)

	_, err = ValidateAliasMap(map[string]value.SessionId{"PG": sid, "pg": sid})
	require.Error(t, err)

	out, err := ValidateAliasMap(map[string]value.SessionId{"Prod_PG": sid})
	require.NoError(t, err)
	_, ok := out["prod_pg"]
	require.True(t, ok)
}

func TestLocalAliasSanitized(t *testing.T) {
	ref := SourceRef{Table: "User-Events"}
	require.Equal(t, "__fed_user_events_3", ref.LocalAlias(3))
}

func TestRewriteHandlesCompoundColumnPrefix(t *testing.T) {
	sql := "SELECT pg.public.users.email FROM pg.public.users"
	sources := []SourceFetchResult{{
		Source:     SourceRef{Raw: "pg.public.users"},
		LocalAlias: "__fed_users_0",
	}}
	rewritten := Rewrite(sql, sources)
	require.Equal(t, "SELECT __fed_users_0.email FROM __fed_users_0", rewritten)
	require.False(t, strings.Contains(rewritten, "pg.public"))
}
