// Package interceptor implements the safety interceptor: an ordered
// rule pipeline that inspects every statement before execution, plus
// the bounded audit log and profiling reservoir that record what ran.
package interceptor

import (
	"time"

	"github.com/qoreforge/dbgateway/internal/driver"
	"github.com/qoreforge/dbgateway/internal/sqlsafety"
	"github.com/qoreforge/dbgateway/internal/value"
)

// QueryContext is everything a rule needs to decide whether to allow,
// warn on, or block a statement.
type QueryContext struct {
	SessionID      value.SessionId
	QueryID        value.QueryId
	Driver         string
	Database       string
	SQL            string
	Classification sqlsafety.Classification
	Environment    driver.Environment
	ReadOnly       bool
	Acknowledged   bool // the caller explicitly confirmed a dangerous statement
}

// Action is what a rule wants done with a statement.
type Action string

const (
	ActionAllow   Action = "allow"
	ActionWarn    Action = "warn"
	ActionBlock   Action = "block"
	ActionConfirm Action = "confirm" // require explicit user confirmation before running
)

// Verdict is the interceptor's decision for one QueryContext.
type Verdict struct {
	Action  Action
	RuleID  string
	Message string
	Warning string // set when a Confirm verdict was downgraded by acknowledgement, or on Warn
}

// Allowed reports whether execution may proceed under this verdict.
func (v Verdict) Allowed() bool {
	return v.Action == ActionAllow || v.Action == ActionWarn
}

const previewLimit = 100

// AuditLogEntry records one executed (or blocked) statement.
type AuditLogEntry struct {
	Timestamp       time.Time          `json:"timestamp"`
	SessionID       string             `json:"session_id"`
	QueryID         string             `json:"query_id"`
	Driver          string             `json:"driver"`
	Database        string             `json:"database,omitempty"`
	SQL             string             `json:"sql"`
	QueryPreview    string             `json:"query_preview"`
	Environment     driver.Environment `json:"environment"`
	OperationType   string             `json:"operation_type"`
	Action          Action             `json:"action"`
	Success         bool               `json:"success"`
	Blocked         bool               `json:"blocked"`
	SafetyRule      string             `json:"safety_rule,omitempty"`
	ExecutionTimeMs float64            `json:"execution_time_ms"`
	RowsAffected    int64              `json:"rows_affected"`
	Error           string             `json:"error,omitempty"`
}

// Preview truncates sql to the audit entry's display length.
func Preview(sql string) string {
	if len(sql) <= previewLimit {
		return sql
	}
	return sql[:previewLimit] + "…"
}

// ProfilingMetrics is a point-in-time snapshot of the profiling store:
// aggregate counters plus latency percentiles computed from the
// bounded reservoir.
type ProfilingMetrics struct {
	Count   int64 `json:"count"`
	Success int64 `json:"success"`
	Failed  int64 `json:"failed"`
	Blocked int64 `json:"blocked"`

	TotalMs float64 `json:"total_ms"`
	MeanMs  float64 `json:"mean_ms"`
	MinMs   float64 `json:"min_ms"`
	MaxMs   float64 `json:"max_ms"`

	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`

	ByOperation   map[string]int64 `json:"by_operation"`
	ByEnvironment map[string]int64 `json:"by_environment"`
}
