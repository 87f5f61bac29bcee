package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qoreforge/dbgateway/internal/driver"
	"github.com/qoreforge/dbgateway/internal/value"
)

type fakeDriver struct {
	id         driver.Id
	connected  bool
	disconnect bool
}

func (f *fakeDriver) Id() driver.Id { return f.id }
func (f *fakeDriver) Capabilities() driver.Capabilities {
	return driver.Capabilities{SupportsTransactions: true}
}
func (f *fakeDriver) TestConnection(ctx context.Context, cfg driver.ConnectionConfig) error {
	return nil
}
func (f *fakeDriver) Connect(ctx context.Context, cfg driver.ConnectionConfig) error {
	f.connected = true
	return nil
}
func (f *fakeDriver) Disconnect(ctx context.Context) error {
	f.disconnect = true
	return nil
}
func (f *fakeDriver) ListDatabases(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeDriver) ListSchemas(ctx context.Context, database string) ([]string, error) {
	return nil, nil
}
func (f *fakeDriver) ListTables(ctx context.Context, ns value.Namespace) ([]string, error) {
	return nil, nil
}
func (f *fakeDriver) GetTableSchema(ctx context.Context, ns value.Namespace) (*value.TableSchema, error) {
	return nil, nil
}
func (f *fakeDriver) Execute(ctx context.Context, sql string, args []value.Value) (*driver.ExecResult, error) {
	return &driver.ExecResult{}, nil
}
func (f *fakeDriver) Query(ctx context.Context, sql string, args []value.Value, limit int) (*driver.PaginatedResult, error) {
	return &driver.PaginatedResult{}, nil
}
func (f *fakeDriver) QueryStream(ctx context.Context, sql string, args []value.Value) (<-chan driver.StreamEvent, error) {
	ch := make(chan driver.StreamEvent)
	close(ch)
	return ch, nil
}
func (f *fakeDriver) InsertRow(ctx context.Context, ns value.Namespace, row value.RowData) (*driver.ExecResult, error) {
	return &driver.ExecResult{}, nil
}
func (f *fakeDriver) UpdateRow(ctx context.Context, ns value.Namespace, set, where value.RowData) (*driver.ExecResult, error) {
	return &driver.ExecResult{}, nil
}
func (f *fakeDriver) DeleteRow(ctx context.Context, ns value.Namespace, where value.RowData) (*driver.ExecResult, error) {
	return &driver.ExecResult{}, nil
}
func (f *fakeDriver) BeginTransaction(ctx context.Context) error { return nil }
func (f *fakeDriver) Commit(ctx context.Context) error           { return nil }
func (f *fakeDriver) Rollback(ctx context.Context) error         { return nil }
func (f *fakeDriver) InTransaction() bool                        { return false }
func (f *fakeDriver) Cancel(ctx context.Context, queryID value.QueryId) error {
	return value.NewError(value.ErrUnsupported, "cancel unsupported")
}

func newTestRegistry() *driver.Registry {
	reg := driver.NewRegistry()
	reg.Register(driver.Postgres, func() driver.Driver { return &fakeDriver{id: driver.Postgres} })
	return reg
}

func TestConnectRegistersSessionWithDriverIdPreserved(t *testing.T) {
	m := NewManager(newTestRegistry(), nil)
	cfg := driver.ConnectionConfig{Driver: driver.Postgres, Host: "localhost", Port: 5432, Database: "app", User: "alice"}

	sess, err := m.Connect(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, driver.Postgres, sess.Driver.Id())
	require.Equal(t, "alice@localhost:app", sess.DisplayName)

	got, ok := m.Get(sess.ID)
	require.True(t, ok)
	require.Equal(t, sess, got)
}

func TestConnectUnknownDriverFails(t *testing.T) {
	m := NewManager(newTestRegistry(), nil)
	_, err := m.Connect(context.Background(), driver.ConnectionConfig{Driver: driver.MySQL})
	require.Error(t, err)
}

func TestDisconnectRemovesSessionOnlyAfterDriverSucceeds(t *testing.T) {
	m := NewManager(newTestRegistry(), nil)
	sess, err := m.Connect(context.Background(), driver.ConnectionConfig{Driver: driver.Postgres, Host: "h", Database: "d", User: "u"})
	require.NoError(t, err)

	require.NoError(t, m.Disconnect(context.Background(), sess.ID))
	_, ok := m.Get(sess.ID)
	require.False(t, ok)

	fd := sess.Driver.(*fakeDriver)
	require.True(t, fd.disconnect)
}

func TestDisconnectUnknownSessionReturnsNotFound(t *testing.T) {
	m := NewManager(newTestRegistry(), nil)
	err := m.Disconnect(context.Background(), value.NewSessionId())
	require.Error(t, err)
	require.Equal(t, value.ErrNotFound, value.KindOf(err))
}

func TestPolicyAccessorsSnapshotConfig(t *testing.T) {
	m := NewManager(newTestRegistry(), nil)
	sess, err := m.Connect(context.Background(), driver.ConnectionConfig{
		Driver:      driver.Postgres,
		Host:        "h",
		Database:    "d",
		User:        "u",
		Environment: driver.EnvProduction,
		ReadOnly:    true,
	})
	require.NoError(t, err)

	require.True(t, m.IsReadOnly(sess.ID))
	require.True(t, m.IsProduction(sess.ID))
	require.Equal(t, driver.EnvProduction, m.Environment(sess.ID))

	// unknown sessions fail closed
	require.True(t, m.IsReadOnly(value.NewSessionId()))
	require.False(t, m.IsProduction(value.NewSessionId()))
}

func TestEnvironmentDefaultsToDevelopment(t *testing.T) {
	m := NewManager(newTestRegistry(), nil)
	sess, err := m.Connect(context.Background(), driver.ConnectionConfig{Driver: driver.Postgres})
	require.NoError(t, err)
	require.Equal(t, driver.EnvDevelopment, m.Environment(sess.ID))
}

func TestTestConnectionProbesWithoutRetainingSession(t *testing.T) {
	m := NewManager(newTestRegistry(), nil)
	require.NoError(t, m.TestConnection(context.Background(), driver.ConnectionConfig{Driver: driver.Postgres}))
	require.Empty(t, m.List())
}
