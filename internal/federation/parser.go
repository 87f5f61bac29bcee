package federation

import (
	"regexp"
	"strings"

	"github.com/qoreforge/dbgateway/internal/sqlsafety"
	"github.com/qoreforge/dbgateway/internal/value"
)

// dottedRefPattern matches a FROM/JOIN clause introducing a 3- or
// 4-part dotted identifier: connection.schema.table or
// connection.database.schema.table. It deliberately matches anywhere
// the keyword appears in the statement text, which is what makes it
// work uniformly across top-level FROM, JOIN, CTEs, and subqueries
// without a full AST: a CTE body or subquery is just more statement
// text containing the same FROM/JOIN keywords.
var dottedRefPattern = regexp.MustCompile(
	`(?i)\b(FROM|JOIN)\s+([a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*){2,3})\b`,
)

// DetectSources scans sql for every dotted federated table reference
// and returns one SourceRef per distinct dotted path, in first-seen
// order.
func DetectSources(sql string) []SourceRef {
	matches := dottedRefPattern.FindAllStringSubmatch(sql, -1)
	seen := map[string]bool{}
	var out []SourceRef
	for _, m := range matches {
		raw := m[2]
		if seen[raw] {
			continue
		}
		seen[raw] = true
		parts := strings.Split(raw, ".")
		ref := SourceRef{Raw: raw}
		switch len(parts) {
		case 3:
			ref.ConnectionAlias = parts[0]
			ref.Schema = parts[1]
			ref.Table = parts[2]
		case 4:
			ref.ConnectionAlias = parts[0]
			ref.Database = parts[1]
			ref.Schema = parts[2]
			ref.Table = parts[3]
		default:
			continue
		}
		out = append(out, ref)
	}
	return out
}

// DetectSourcesForAliases returns only the dotted references whose
// first component names a known connection alias. Aliases are matched
// case-insensitively; a dotted path whose head is not a registered
// alias is ordinary backend-local qualification (database.schema.table)
// and must not be federated.
func DetectSourcesForAliases(sql string, known map[string]bool) []SourceRef {
	all := DetectSources(sql)
	out := make([]SourceRef, 0, len(all))
	for _, ref := range all {
		if known[strings.ToLower(ref.ConnectionAlias)] {
			out = append(out, ref)
		}
	}
	return out
}

// HasFederatedReference reports whether sql contains any 3- or 4-part
// dotted reference, a quick check for whether a statement could need
// the federation engine at all. It does not check the aliases against
// connected sessions.
func HasFederatedReference(sql string) bool {
	return dottedRefPattern.MatchString(sql)
}

// Validate enforces the shape a federated statement must have: exactly
// one statement, and SELECT-like (a leading WITH is fine). DML against
// federated sources is rejected because the loaded copies are
// throwaway snapshots; writing to them would silently discard data.
func Validate(sql string) error {
	statements := sqlsafety.SplitStatements(sql)
	if len(statements) != 1 {
		return value.NewError(value.ErrValidation, "federated queries must be a single statement")
	}
	upper := strings.ToUpper(strings.TrimSpace(statements[0]))
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return value.NewError(value.ErrValidation, "federated queries must be SELECT statements")
	}
	return nil
}
