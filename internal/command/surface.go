package command

import (
	"context"
	"strings"
	"time"

	"github.com/qoreforge/dbgateway/internal/driver"
	"github.com/qoreforge/dbgateway/internal/driver/ident"
	"github.com/qoreforge/dbgateway/internal/federation"
	"github.com/qoreforge/dbgateway/internal/interceptor"
	"github.com/qoreforge/dbgateway/internal/license"
	"github.com/qoreforge/dbgateway/internal/pipeline"
	"github.com/qoreforge/dbgateway/internal/session"
	"github.com/qoreforge/dbgateway/internal/value"
)

// Surface is the gateway's full command surface: every operation a
// caller (CLI, or a future UI bridge) can invoke, each returning a
// Response envelope.
type Surface struct {
	Pipeline *pipeline.Pipeline
	Sessions *session.Manager
	Safety   *interceptor.Engine
	License  *license.Watcher
}

func NewSurface(p *pipeline.Pipeline, s *session.Manager, safety *interceptor.Engine, lic *license.Watcher) *Surface {
	return &Surface{Pipeline: p, Sessions: s, Safety: safety, License: lic}
}

// --- Connection management ---

type ConnectRequest struct {
	Config driver.ConnectionConfig
}

type ConnectResult struct {
	SessionID   string
	DisplayName string
}

func (s *Surface) Connect(ctx context.Context, req ConnectRequest) Response[ConnectResult] {
	sess, err := s.Sessions.Connect(ctx, req.Config)
	if err != nil {
		return Err[ConnectResult](err)
	}
	return Ok(ConnectResult{SessionID: sess.ID.String(), DisplayName: sess.DisplayName})
}

func (s *Surface) TestConnection(ctx context.Context, cfg driver.ConnectionConfig) Response[struct{}] {
	if err := s.Sessions.TestConnection(ctx, cfg); err != nil {
		return Err[struct{}](err)
	}
	return Ok(struct{}{})
}

func (s *Surface) Disconnect(ctx context.Context, sessionID string) Response[struct{}] {
	id, err := value.ParseSessionId(sessionID)
	if err != nil {
		return Err[struct{}](value.WrapError(value.ErrValidation, "invalid session id", err))
	}
	if err := s.Sessions.Disconnect(ctx, id); err != nil {
		return Err[struct{}](err)
	}
	s.Pipeline.Queries.DropSession(id)
	return Ok(struct{}{})
}

// SessionInfo is one live session as reported by ListSessions.
type SessionInfo struct {
	SessionID   string             `json:"session_id"`
	Driver      driver.Id          `json:"driver"`
	DisplayName string             `json:"display_name"`
	Environment driver.Environment `json:"environment"`
	ReadOnly    bool               `json:"read_only"`
}

func (s *Surface) ListSessions(ctx context.Context) Response[[]SessionInfo] {
	sessions := s.Sessions.List()
	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, SessionInfo{
			SessionID:   sess.ID.String(),
			Driver:      sess.Driver.Id(),
			DisplayName: sess.DisplayName,
			Environment: s.Sessions.Environment(sess.ID),
			ReadOnly:    sess.Config.ReadOnly,
		})
	}
	return Ok(out)
}

// --- Catalog browsing ---

func (s *Surface) ListDatabases(ctx context.Context, sessionID string) Response[[]string] {
	sess, err := s.requireSession(sessionID)
	if err != nil {
		return Err[[]string](err)
	}
	dbs, err := sess.Driver.ListDatabases(ctx)
	if err != nil {
		return Err[[]string](err)
	}
	return Ok(dbs)
}

func (s *Surface) ListSchemas(ctx context.Context, sessionID, database string) Response[[]string] {
	sess, err := s.requireSession(sessionID)
	if err != nil {
		return Err[[]string](err)
	}
	schemas, err := sess.Driver.ListSchemas(ctx, database)
	if err != nil {
		return Err[[]string](err)
	}
	return Ok(schemas)
}

// ListCollectionsRequest narrows and paginates a table listing.
type ListCollectionsRequest struct {
	SessionID string
	Namespace value.Namespace
	Search    string
	Page      int
	PageSize  int
}

const maxPageSize = 1000

func (s *Surface) ListCollections(ctx context.Context, req ListCollectionsRequest) Response[[]string] {
	sess, err := s.requireSession(req.SessionID)
	if err != nil {
		return Err[[]string](err)
	}
	tables, err := sess.Driver.ListTables(ctx, req.Namespace)
	if err != nil {
		return Err[[]string](err)
	}
	if req.Search != "" {
		filtered := tables[:0]
		for _, t := range tables {
			if containsFold(t, req.Search) {
				filtered = append(filtered, t)
			}
		}
		tables = filtered
	}
	pageSize := req.PageSize
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	start := req.Page * pageSize
	if start >= len(tables) {
		return Ok([]string{})
	}
	end := start + pageSize
	if end > len(tables) {
		end = len(tables)
	}
	return Ok(tables[start:end])
}

func (s *Surface) GetTableSchema(ctx context.Context, sessionID string, ns value.Namespace) Response[value.TableSchema] {
	sess, err := s.requireSession(sessionID)
	if err != nil {
		return Err[value.TableSchema](err)
	}
	schema, err := sess.Driver.GetTableSchema(ctx, ns)
	if err != nil {
		return Err[value.TableSchema](err)
	}
	return Ok(*schema)
}

type PreviewResult struct {
	Columns []value.ColumnInfo `json:"columns"`
	Rows    []value.Row        `json:"rows"`
	HasMore bool               `json:"has_more"`
}

// PreviewTable reads up to limit rows of a table. limit=0 returns an
// empty result rather than an error.
func (s *Surface) PreviewTable(ctx context.Context, sessionID string, ns value.Namespace, limit int) Response[PreviewResult] {
	sess, err := s.requireSession(sessionID)
	if err != nil {
		return Err[PreviewResult](err)
	}
	if limit == 0 {
		schema, err := sess.Driver.GetTableSchema(ctx, ns)
		if err != nil {
			return Err[PreviewResult](err)
		}
		return Ok(PreviewResult{Columns: schema.Columns, Rows: []value.Row{}, HasMore: true})
	}
	res, err := sess.Driver.Query(ctx, previewQuery(sess.Driver.Id(), ns), nil, limit)
	if err != nil {
		return Err[PreviewResult](err)
	}
	return Ok(PreviewResult{Columns: res.Columns, Rows: res.Rows, HasMore: res.HasMore})
}

// --- Query execution ---

type ExecuteQueryRequest struct {
	SessionID    string
	SQL          string
	Limit        int
	Acknowledged bool
	TimeoutMs    int
	QueryID      string // caller-supplied, for streaming subscription; empty mints one
}

type ExecuteQueryResult struct {
	QueryID        string
	Columns        []value.ColumnInfo
	Rows           []value.Row
	RowsAffected   int64
	EffectiveLimit int
	Warnings       []string
}

func (s *Surface) executeOptions(req ExecuteQueryRequest) (pipeline.Options, error) {
	opts := pipeline.Options{
		Limit:        req.Limit,
		Acknowledged: req.Acknowledged,
		Timeout:      time.Duration(req.TimeoutMs) * time.Millisecond,
	}
	if req.QueryID != "" {
		qid, err := value.ParseQueryId(req.QueryID)
		if err != nil {
			return opts, value.WrapError(value.ErrValidation, "invalid query id", err)
		}
		opts.QueryID = &qid
	}
	return opts, nil
}

func (s *Surface) ExecuteQuery(ctx context.Context, req ExecuteQueryRequest) Response[ExecuteQueryResult] {
	id, err := value.ParseSessionId(req.SessionID)
	if err != nil {
		return Err[ExecuteQueryResult](value.WrapError(value.ErrValidation, "invalid session id", err))
	}
	opts, err := s.executeOptions(req)
	if err != nil {
		return Err[ExecuteQueryResult](err)
	}
	res, err := s.Pipeline.Execute(ctx, id, req.SQL, opts)
	if err != nil {
		return Err[ExecuteQueryResult](err)
	}
	out := ExecuteQueryResult{QueryID: res.QueryID.String(), Warnings: res.Warnings}
	if res.Query != nil {
		out.Columns = res.Query.Columns
		out.Rows = res.Query.Rows
		out.EffectiveLimit = res.Query.EffectiveLimit
	}
	if res.Exec != nil {
		out.RowsAffected = res.Exec.RowsAffected
	}
	return Ok(out)
}

// ExecuteQueryStream starts a streaming execution and returns the event
// channel alongside the query id the caller subscribes with.
func (s *Surface) ExecuteQueryStream(ctx context.Context, req ExecuteQueryRequest) (<-chan driver.StreamEvent, string, error) {
	id, err := value.ParseSessionId(req.SessionID)
	if err != nil {
		return nil, "", value.WrapError(value.ErrValidation, "invalid session id", err)
	}
	opts, err := s.executeOptions(req)
	if err != nil {
		return nil, "", err
	}
	events, qid, err := s.Pipeline.ExecuteStream(ctx, id, req.SQL, opts)
	return events, qid.String(), err
}

// CancelQuery cancels a specific query by id, or the session's most
// recent query when queryID is empty.
func (s *Surface) CancelQuery(ctx context.Context, sessionID, queryID string) Response[struct{}] {
	if queryID != "" {
		qid, err := value.ParseQueryId(queryID)
		if err != nil {
			return Err[struct{}](value.WrapError(value.ErrValidation, "invalid query id", err))
		}
		if err := s.Pipeline.Cancel(ctx, qid); err != nil {
			return Err[struct{}](err)
		}
		return Ok(struct{}{})
	}
	id, err := value.ParseSessionId(sessionID)
	if err != nil {
		return Err[struct{}](value.WrapError(value.ErrValidation, "invalid session id", err))
	}
	if err := s.Pipeline.CancelCurrent(ctx, id); err != nil {
		return Err[struct{}](err)
	}
	return Ok(struct{}{})
}

type ActiveQueryInfo struct {
	QueryID   string `json:"query_id"`
	SessionID string `json:"session_id"`
}

func (s *Surface) ListActiveQueries(ctx context.Context) Response[[]ActiveQueryInfo] {
	active := s.Pipeline.Queries.Active()
	out := make([]ActiveQueryInfo, 0, len(active))
	for _, q := range active {
		out = append(out, ActiveQueryInfo{QueryID: q.QueryID.String(), SessionID: q.SessionID.String()})
	}
	return Ok(out)
}

// --- Transactions ---

func (s *Surface) BeginTransaction(ctx context.Context, sessionID string) Response[struct{}] {
	return s.txnOp(ctx, sessionID, func(d driver.Driver) error { return d.BeginTransaction(ctx) })
}

func (s *Surface) CommitTransaction(ctx context.Context, sessionID string) Response[struct{}] {
	return s.txnOp(ctx, sessionID, func(d driver.Driver) error { return d.Commit(ctx) })
}

func (s *Surface) RollbackTransaction(ctx context.Context, sessionID string) Response[struct{}] {
	return s.txnOp(ctx, sessionID, func(d driver.Driver) error { return d.Rollback(ctx) })
}

func (s *Surface) txnOp(ctx context.Context, sessionID string, op func(driver.Driver) error) Response[struct{}] {
	sess, err := s.requireSession(sessionID)
	if err != nil {
		return Err[struct{}](err)
	}
	if err := op(sess.Driver); err != nil {
		return Err[struct{}](err)
	}
	return Ok(struct{}{})
}

func (s *Surface) SupportsTransactions(ctx context.Context, sessionID string) Response[bool] {
	sess, err := s.requireSession(sessionID)
	if err != nil {
		return Err[bool](err)
	}
	return Ok(sess.Driver.Capabilities().SupportsTransactions)
}

func (s *Surface) SupportsMutations(ctx context.Context, sessionID string) Response[bool] {
	sess, err := s.requireSession(sessionID)
	if err != nil {
		return Err[bool](err)
	}
	return Ok(!sess.Config.ReadOnly)
}

// --- CRUD ---

type CRUDRequest struct {
	SessionID string
	Namespace value.Namespace
	Row       value.RowData
	Where     value.RowData
}

func (s *Surface) InsertRow(ctx context.Context, req CRUDRequest) Response[driver.ExecResult] {
	return s.crudOp(req.SessionID, func(d driver.Driver) (*driver.ExecResult, error) {
		return d.InsertRow(ctx, req.Namespace, req.Row)
	})
}

func (s *Surface) UpdateRow(ctx context.Context, req CRUDRequest) Response[driver.ExecResult] {
	return s.crudOp(req.SessionID, func(d driver.Driver) (*driver.ExecResult, error) {
		return d.UpdateRow(ctx, req.Namespace, req.Row, req.Where)
	})
}

func (s *Surface) DeleteRow(ctx context.Context, req CRUDRequest) Response[driver.ExecResult] {
	return s.crudOp(req.SessionID, func(d driver.Driver) (*driver.ExecResult, error) {
		return d.DeleteRow(ctx, req.Namespace, req.Where)
	})
}

func (s *Surface) crudOp(sessionID string, op func(driver.Driver) (*driver.ExecResult, error)) Response[driver.ExecResult] {
	sess, err := s.requireSession(sessionID)
	if err != nil {
		return Err[driver.ExecResult](err)
	}
	if sess.Config.ReadOnly {
		return Err[driver.ExecResult](value.NewError(value.ErrPolicyBlocked, pipeline.MsgReadOnlyBlocked))
	}
	res, err := op(sess.Driver)
	if err != nil {
		return Err[driver.ExecResult](err)
	}
	return Ok(*res)
}

// --- Federation ---

type FederationSource struct {
	SessionID   string    `json:"session_id"`
	Driver      driver.Id `json:"driver"`
	DisplayName string    `json:"display_name"`
}

// ListFederationSources lists every connected session a federated query
// can alias.
func (s *Surface) ListFederationSources(ctx context.Context) Response[[]FederationSource] {
	sessions := s.Sessions.List()
	out := make([]FederationSource, 0, len(sessions))
	for _, sess := range sessions {
		if !sess.Driver.Capabilities().SupportsFederation {
			continue
		}
		out = append(out, FederationSource{
			SessionID:   sess.ID.String(),
			Driver:      sess.Driver.Id(),
			DisplayName: sess.DisplayName,
		})
	}
	return Ok(out)
}

type FederationQueryRequest struct {
	SQL      string
	AliasMap map[string]string // alias -> session id
	Debug    bool
	RowCap   int
}

type FederationQueryResult struct {
	Columns []value.ColumnInfo   `json:"columns"`
	Rows    []value.Row          `json:"rows"`
	Meta    *federation.Metadata `json:"metadata"`
}

func (s *Surface) ExecuteFederationQuery(ctx context.Context, req FederationQueryRequest) Response[FederationQueryResult] {
	if !s.License.Current().Tier.Allows("federation") {
		return Err[FederationQueryResult](value.NewError(value.ErrValidation,
			"federation requires a pro, team, or enterprise license"))
	}
	aliases, err := s.parseAliasMap(req.AliasMap)
	if err != nil {
		return Err[FederationQueryResult](err)
	}
	res, err := federation.Execute(ctx, req.SQL, aliases, s.Sessions, federation.Options{
		Debug:           req.Debug,
		PerSourceRowCap: req.RowCap,
	})
	if err != nil {
		return Err[FederationQueryResult](err)
	}
	return Ok(FederationQueryResult{Columns: res.Columns, Rows: res.Rows, Meta: res.Meta})
}

// ExecuteFederationQueryStream is the streaming variant; events follow
// the same Columns, Row*, Done|Error ordering as driver streams.
func (s *Surface) ExecuteFederationQueryStream(ctx context.Context, req FederationQueryRequest) (<-chan driver.StreamEvent, error) {
	if !s.License.Current().Tier.Allows("federation") {
		return nil, value.NewError(value.ErrValidation, "federation requires a pro, team, or enterprise license")
	}
	aliases, err := s.parseAliasMap(req.AliasMap)
	if err != nil {
		return nil, err
	}
	return federation.ExecuteStream(ctx, req.SQL, aliases, s.Sessions, federation.Options{
		Debug:           req.Debug,
		PerSourceRowCap: req.RowCap,
	})
}

func (s *Surface) parseAliasMap(raw map[string]string) (map[string]value.SessionId, error) {
	aliases := make(map[string]value.SessionId, len(raw))
	for alias, sid := range raw {
		id, err := value.ParseSessionId(sid)
		if err != nil {
			return nil, value.WrapError(value.ErrValidation, "invalid session id for alias "+alias, err)
		}
		aliases[alias] = id
	}
	return aliases, nil
}

// --- Safety / audit / profiling ---

func (s *Surface) GetSafetyConfig(ctx context.Context) Response[interceptor.SafetyConfig] {
	return Ok(s.Safety.Config())
}

func (s *Surface) UpdateSafetyConfig(ctx context.Context, cfg interceptor.SafetyConfig) Response[interceptor.SafetyConfig] {
	if err := s.Safety.SetConfig(cfg); err != nil {
		return Err[interceptor.SafetyConfig](err)
	}
	return Ok(s.Safety.Config())
}

func (s *Surface) ListSafetyRules(ctx context.Context) Response[[]interceptor.SafetyRule] {
	return Ok(s.Safety.Rules())
}

func (s *Surface) AddUserRule(ctx context.Context, rule interceptor.SafetyRule) Response[struct{}] {
	return unitResult(s.Safety.AddUserRule(rule))
}

func (s *Surface) UpdateUserRule(ctx context.Context, rule interceptor.SafetyRule) Response[struct{}] {
	return unitResult(s.Safety.UpdateUserRule(rule))
}

func (s *Surface) RemoveUserRule(ctx context.Context, ruleID string) Response[struct{}] {
	return unitResult(s.Safety.RemoveUserRule(ruleID))
}

func (s *Surface) SetBuiltinRuleEnabled(ctx context.Context, ruleID string, enabled bool) Response[struct{}] {
	return unitResult(s.Safety.SetBuiltinEnabled(ruleID, enabled))
}

func (s *Surface) SetRulesEngineDisabled(ctx context.Context, disabled bool) Response[struct{}] {
	return unitResult(s.Safety.SetRulesEngineDisabled(disabled))
}

func (s *Surface) QueryAuditLog(ctx context.Context, filter interceptor.AuditFilter) Response[[]interceptor.AuditLogEntry] {
	return Ok(s.Safety.Audit.Query(filter))
}

func (s *Surface) ExportAuditLog(ctx context.Context) Response[string] {
	data, err := s.Safety.Audit.ExportJSON()
	if err != nil {
		return Err[string](err)
	}
	return Ok(string(data))
}

func (s *Surface) GetSlowQueries(ctx context.Context, limit int) Response[[]interceptor.AuditLogEntry] {
	return Ok(s.Safety.Audit.SlowQueries(limit))
}

func (s *Surface) GetProfilingMetrics(ctx context.Context) Response[interceptor.ProfilingMetrics] {
	return Ok(s.Safety.Profiling.Snapshot())
}

// --- License ---

func (s *Surface) ValidateLicenseKey(ctx context.Context, key string) Response[license.Status] {
	return Ok(s.License.Set(key))
}

func (s *Surface) GetLicenseStatus(ctx context.Context) Response[license.Status] {
	return Ok(s.License.Current())
}

func (s *Surface) ClearLicense(ctx context.Context) Response[struct{}] {
	s.License.Clear()
	return Ok(struct{}{})
}

// --- helpers ---

func unitResult(err error) Response[struct{}] {
	if err != nil {
		return Err[struct{}](err)
	}
	return Ok(struct{}{})
}

func (s *Surface) requireSession(sessionID string) (*session.ActiveSession, error) {
	id, err := value.ParseSessionId(sessionID)
	if err != nil {
		return nil, value.WrapError(value.ErrValidation, "invalid session id", err)
	}
	sess, ok := s.Sessions.Get(id)
	if !ok {
		return nil, value.NewError(value.ErrNotFound, "session not found")
	}
	return sess, nil
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// previewQuery builds the driver-native "read some rows of this table"
// statement: SQL for the relational drivers, a find document for mongo,
// a key-pattern scan for redis.
func previewQuery(id driver.Id, ns value.Namespace) string {
	switch id {
	case driver.Mongo:
		return `{"collection": "` + ns.Table + `", "filter": {}}`
	case driver.Redis:
		return "KEYS " + ns.Table + "*"
	}
	quote := ident.QuoteDouble
	switch id {
	case driver.MySQL:
		quote = ident.QuoteBacktick
	case driver.MSSQL:
		quote = ident.QuoteBracket
	}
	table := quote(ns.Table)
	if ns.Schema != "" {
		table = quote(ns.Schema) + "." + table
	}
	return "SELECT * FROM " + table
}
