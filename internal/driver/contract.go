// Package driver defines the uniform capability surface every
// per-backend driver implements, plus the registry that looks drivers
// up by id. Session manager and federation engine depend only on this
// package, never on a concrete driver package, mirroring the
// constructor-registry pattern this gateway was grounded on.
package driver

import (
	"context"

	"github.com/qoreforge/dbgateway/internal/value"
)

// Id names one of the seven supported backends.
type Id string

const (
	Postgres Id = "postgres"
	MySQL    Id = "mysql"
	SQLite   Id = "sqlite"
	DuckDB   Id = "duckdb"
	MSSQL    Id = "mssql"
	Redis    Id = "redis"
	Mongo    Id = "mongo"
)

// Environment tags a connection so the safety interceptor can apply
// environment-scoped rules (block DROP in production, etc).
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// SSHTunnelConfig carries the settings needed to establish an SSH
// tunnel before the real connection is attempted.
type SSHTunnelConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	PrivateKeyPEM  string
	KnownHostsPath string
}

// ConnectionConfig describes how to reach a single backend instance.
type ConnectionConfig struct {
	Driver   Id
	Host     string
	Port     int
	Database string
	User     string
	Password string
	Options  map[string]string

	// Environment and ReadOnly feed the safety policy: the interceptor's
	// environment-scoped rules key off Environment, and ReadOnly blocks
	// every mutation before it reaches the backend.
	Environment Environment
	ReadOnly    bool

	SSH *SSHTunnelConfig
}

// Redacted returns a copy of c with Password and SSH secrets blanked,
// safe to pass to a logger or to echo back to a UI.
func (c ConnectionConfig) Redacted() ConnectionConfig {
	cp := c
	if cp.Password != "" {
		cp.Password = "********"
	}
	if cp.SSH != nil {
		sshCopy := *cp.SSH
		if sshCopy.Password != "" {
			sshCopy.Password = "********"
		}
		sshCopy.PrivateKeyPEM = ""
		cp.SSH = &sshCopy
	}
	return cp
}

// Capabilities describes what a driver instance supports, replacing
// scattered type assertions with a single descriptor the caller
// inspects up front.
type Capabilities struct {
	SupportsTransactions bool
	SupportsStreaming    bool
	SupportsCancel       bool
	SupportsCatalog      bool
	SupportsFederation   bool // can be used as a federation source
	MaxIdentifierLength  int
}

// PaginatedResult is returned by preview/browse style reads; EffectiveLimit
// reports the limit actually applied after server-side clamping, so a
// caller can detect silent truncation.
type PaginatedResult struct {
	Columns        []value.ColumnInfo
	Rows           []value.Row
	EffectiveLimit int
	HasMore        bool
}

// ExecResult is returned by non-SELECT statement execution.
type ExecResult struct {
	RowsAffected int64
	LastInsertID int64
}

// StreamEvent is one event in a query result stream; exactly one field
// is set. Callers read these over a channel in the order
// Columns, Row*, then exactly one of Done or Err.
type StreamEvent struct {
	Columns []value.ColumnInfo
	Row     value.Row
	Done    bool
	Err     error
}

// Driver is the uniform capability surface for a connected backend.
// All methods take a context so the caller can cancel or bound a
// blocking native call.
type Driver interface {
	Id() Id
	Capabilities() Capabilities

	TestConnection(ctx context.Context, cfg ConnectionConfig) error
	Connect(ctx context.Context, cfg ConnectionConfig) error
	Disconnect(ctx context.Context) error

	ListDatabases(ctx context.Context) ([]string, error)
	ListSchemas(ctx context.Context, database string) ([]string, error)
	ListTables(ctx context.Context, ns value.Namespace) ([]string, error)
	GetTableSchema(ctx context.Context, ns value.Namespace) (*value.TableSchema, error)

	Execute(ctx context.Context, sql string, args []value.Value) (*ExecResult, error)
	Query(ctx context.Context, sql string, args []value.Value, limit int) (*PaginatedResult, error)
	QueryStream(ctx context.Context, sql string, args []value.Value) (<-chan StreamEvent, error)

	InsertRow(ctx context.Context, ns value.Namespace, row value.RowData) (*ExecResult, error)
	UpdateRow(ctx context.Context, ns value.Namespace, set value.RowData, where value.RowData) (*ExecResult, error)
	DeleteRow(ctx context.Context, ns value.Namespace, where value.RowData) (*ExecResult, error)

	BeginTransaction(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	InTransaction() bool

	// Cancel attempts best-effort cancellation of the currently running
	// statement using driver-specific means (pg_cancel_backend, KILL
	// QUERY, KILL <spid>). Returns ErrUnsupported where the backend has
	// no server-side cancel mechanism (SQLite, DuckDB).
	Cancel(ctx context.Context, queryID value.QueryId) error
}

// Factory constructs a fresh, unconnected Driver instance.
type Factory func() Driver
