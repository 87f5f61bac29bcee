// Package sqlsafety provides small, advisory, per-dialect SQL
// classifiers used by the safety interceptor's built-in rules. These
// are deliberately lightweight keyword checks, not a parser/AST: they
// report only what the interceptor needs to know (statement kind,
// presence of a WHERE clause), and SplitStatements separates a script
// into statements. The same keyword rules apply to every dialect; the
// Dialect argument does not change the result, and neither function
// tokenizes dialect-specific quoting. The classification is advisory,
// never authoritative — the backend itself remains the source of truth
// on whether a statement is valid.
package sqlsafety

import (
	"strings"
)

// StatementKind is the coarse category a classifier assigns to one
// statement.
type StatementKind string

const (
	KindSelect      StatementKind = "select"
	KindInsert      StatementKind = "insert"
	KindUpdate      StatementKind = "update"
	KindDelete      StatementKind = "delete"
	KindDDL         StatementKind = "ddl"
	KindTransaction StatementKind = "transaction"
	KindOther       StatementKind = "other"
)

// Classification is the result of classifying a single SQL statement.
type Classification struct {
	Kind        StatementKind
	Operation   string // leading verb, lowercased: select, insert, drop, truncate, alter, ...
	HasWhere    bool   // relevant only for update/delete
	TouchesStar bool   // SELECT * specifically, informs profiling/audit detail
	IsMutation  bool
	IsDangerous bool
	ReturnsRows bool
	Raw         string
}

// Dialect names the SQL dialect a statement was written for. Classify
// accepts it but applies the same rules to every dialect.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
	DuckDB   Dialect = "duckdb"
	MSSQL    Dialect = "mssql"
)

// Classify inspects a single statement (already split via SplitStatements)
// and returns its coarse classification for dialect d.
func Classify(d Dialect, stmt string) Classification {
	trimmed := strings.TrimSpace(stmt)
	upper := strings.ToUpper(trimmed)

	c := Classification{Raw: trimmed, Kind: KindOther}

	switch {
	case strings.HasPrefix(upper, "SELECT"), strings.HasPrefix(upper, "WITH"):
		c.Kind = KindSelect
		c.TouchesStar = containsTopLevelStar(trimmed)
	case strings.HasPrefix(upper, "INSERT"):
		c.Kind = KindInsert
	case strings.HasPrefix(upper, "UPDATE"):
		c.Kind = KindUpdate
		c.HasWhere = containsKeyword(upper, "WHERE")
	case strings.HasPrefix(upper, "DELETE"):
		c.Kind = KindDelete
		c.HasWhere = containsKeyword(upper, "WHERE")
	case strings.HasPrefix(upper, "CREATE"), strings.HasPrefix(upper, "ALTER"),
		strings.HasPrefix(upper, "DROP"), strings.HasPrefix(upper, "TRUNCATE"):
		c.Kind = KindDDL
	case strings.HasPrefix(upper, "BEGIN"), strings.HasPrefix(upper, "COMMIT"),
		strings.HasPrefix(upper, "ROLLBACK"), strings.HasPrefix(upper, "START TRANSACTION"):
		c.Kind = KindTransaction
	}

	c.Operation = leadingVerb(upper)
	c.IsMutation = c.Kind == KindInsert || c.Kind == KindUpdate || c.Kind == KindDelete || c.Kind == KindDDL
	c.IsDangerous = c.Operation == "drop" || c.Operation == "truncate" ||
		((c.Kind == KindUpdate || c.Kind == KindDelete) && !c.HasWhere)
	c.ReturnsRows = c.Kind == KindSelect ||
		strings.HasPrefix(upper, "SHOW") || strings.HasPrefix(upper, "EXPLAIN") ||
		strings.HasPrefix(upper, "PRAGMA") || strings.HasPrefix(upper, "DESCRIBE") ||
		containsKeyword(upper, "RETURNING")
	return c
}

func leadingVerb(upper string) string {
	end := 0
	for end < len(upper) && upper[end] >= 'A' && upper[end] <= 'Z' {
		end++
	}
	return strings.ToLower(upper[:end])
}

// IsDangerousDDL reports whether a DDL statement is a DROP (of any
// object) or a TRUNCATE.
func IsDangerousDDL(c Classification) bool {
	if c.Kind != KindDDL {
		return false
	}
	upper := strings.ToUpper(c.Raw)
	return strings.HasPrefix(upper, "DROP") || strings.HasPrefix(upper, "TRUNCATE")
}

func containsKeyword(upper, kw string) bool {
	// Word-boundary-ish search: a real tokenizer would reject this
	// matching inside a string literal, but the interceptor's rules
	// already treat classification as advisory, so a conservative
	// (over-matching) search is the correct failure direction here.
	return strings.Contains(upper, " "+kw+" ") || strings.HasSuffix(upper, " "+kw)
}

func containsTopLevelStar(stmt string) bool {
	depth := 0
	inString := false
	var stringQuote byte
	for i := 0; i < len(stmt); i++ {
		ch := stmt[i]
		switch {
		case inString:
			if ch == stringQuote {
				inString = false
			}
		case ch == '\'' || ch == '"':
			inString = true
			stringQuote = ch
		case ch == '(':
			depth++
		case ch == ')':
			depth--
		case ch == '*' && depth == 0:
			// crude but sufficient: a bare '*' not inside parens and not
			// part of a qualified "table.*" after FROM is rare enough in
			// practice that the interceptor treats any top-level '*' as
			// "touches all columns" for profiling purposes.
			return true
		}
	}
	return false
}
