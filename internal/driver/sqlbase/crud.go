package sqlbase

import (
	"fmt"
	"strings"

	"github.com/qoreforge/dbgateway/internal/driver/ident"
	"github.com/qoreforge/dbgateway/internal/value"
)

// PlaceholderFunc returns the driver's parameter placeholder text for
// the i'th bound argument (1-indexed), e.g. "$1" for postgres, "?" for
// mysql/sqlite, "@p1" for mssql.
type PlaceholderFunc func(i int) string

// BuildUpdate renders "UPDATE <table> SET col = ph, ... WHERE col = ph AND ...".
func BuildUpdate(table string, set, where value.RowData, d ident.Dialect, ph PlaceholderFunc) (string, []value.Value) {
	setKeys := set.SortedKeys()
	whereKeys := where.SortedKeys()

	var sb strings.Builder
	args := make([]value.Value, 0, len(setKeys)+len(whereKeys))
	fmt.Fprintf(&sb, "UPDATE %s SET ", table)
	n := 1
	for i, k := range setKeys {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s = %s", ident.QuoteIdent(d, k), ph(n))
		args = append(args, set[k])
		n++
	}
	sb.WriteString(" WHERE ")
	for i, k := range whereKeys {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		fmt.Fprintf(&sb, "%s = %s", ident.QuoteIdent(d, k), ph(n))
		args = append(args, where[k])
		n++
	}
	return sb.String(), args
}

// BuildDelete renders "DELETE FROM <table> WHERE col = ph AND ...".
func BuildDelete(table string, where value.RowData, d ident.Dialect, ph PlaceholderFunc) (string, []value.Value) {
	whereKeys := where.SortedKeys()
	var sb strings.Builder
	args := make([]value.Value, 0, len(whereKeys))
	fmt.Fprintf(&sb, "DELETE FROM %s WHERE ", table)
	for i, k := range whereKeys {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		fmt.Fprintf(&sb, "%s = %s", ident.QuoteIdent(d, k), ph(i+1))
		args = append(args, where[k])
	}
	return sb.String(), args
}

// BuildInsert renders "INSERT INTO <table> (cols...) VALUES (phs...)".
func BuildInsert(table string, row value.RowData, d ident.Dialect, ph PlaceholderFunc) (string, []value.Value) {
	keys := row.SortedKeys()
	cols := make([]string, len(keys))
	placeholders := make([]string, len(keys))
	args := make([]value.Value, len(keys))
	for i, k := range keys {
		cols[i] = ident.QuoteIdent(d, k)
		placeholders[i] = ph(i + 1)
		args[i] = row[k]
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(placeholders, ", ")), args
}

// DollarPlaceholder is PlaceholderFunc for postgres-style $N params.
func DollarPlaceholder(i int) string { return fmt.Sprintf("$%d", i) }

// QuestionPlaceholder is PlaceholderFunc for mysql/sqlite/duckdb-style ? params.
func QuestionPlaceholder(i int) string { return "?" }

// AtPPlaceholder is PlaceholderFunc for mssql-style @pN params.
func AtPPlaceholder(i int) string { return fmt.Sprintf("@p%d", i) }
