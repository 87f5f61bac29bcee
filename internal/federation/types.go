// Package federation detects cross-database dotted table references in
// a query, fetches each referenced source's rows under a bounded cap,
// loads them into an embedded in-memory analytical engine under
// synthetic local aliases, rewrites the statement to use those aliases,
// and executes it locally.
package federation

import (
	"strconv"
	"strings"

	"github.com/qoreforge/dbgateway/internal/value"
)

// SourceRef is a single 3- or 4-part dotted table reference detected in
// the original statement: connection.schema.table or
// connection.database.schema.table.
type SourceRef struct {
	ConnectionAlias string // the first dotted component: which connected session to pull from
	Database        string
	Schema          string
	Table           string
	Raw             string // the exact dotted text as it appeared in the source SQL
}

// LocalAlias returns the synthetic table name this source is loaded
// under in the embedded engine: __fed_<sanitized table>_<counter>,
// lowercase with every non-alphanumeric character squashed to an
// underscore so the alias is always a plain identifier.
func (s SourceRef) LocalAlias(counter int) string {
	return "__fed_" + sanitizeIdent(s.Table) + "_" + strconv.Itoa(counter)
}

func sanitizeIdent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_':
			b.WriteByte(c)
		case c >= 'A' && c <= 'Z':
			b.WriteByte(c + ('a' - 'A'))
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// SourceFetchResult is what came back from fetching one SourceRef,
// including whether the bounded per-source row cap was hit.
type SourceFetchResult struct {
	Source      SourceRef
	LocalAlias  string
	Columns     []value.ColumnInfo
	Rows        []value.Row
	RowCount    int
	FetchTimeMs float64
	RowLimitHit bool
}

// SourceResult is the caller-facing per-source summary carried in
// Metadata (the fetched rows themselves are not echoed back).
type SourceResult struct {
	Alias       string  `json:"alias"`
	Table       string  `json:"table"`
	RowCount    int     `json:"row_count"`
	FetchTimeMs float64 `json:"fetch_time_ms"`
	RowLimitHit bool    `json:"row_limit_hit"`
}

// Metadata is returned alongside the local execution result, describing
// what the federation engine did.
type Metadata struct {
	Sources           []SourceResult `json:"source_results"`
	LocalEngineTimeMs float64        `json:"local_engine_time_ms"`
	TotalTimeMs       float64        `json:"total_time_ms"`
	RewrittenSQL      string         `json:"rewritten_sql,omitempty"`
	Warnings          []string       `json:"warnings,omitempty"`
}
