// Package ident provides per-dialect identifier quoting and literal
// formatting helpers shared by every SQL-family driver's CRUD builder.
package ident

import (
	"fmt"
	"strings"

	"github.com/qoreforge/dbgateway/internal/value"
)

// QuoteDouble quotes name for dialects using ANSI double quotes
// (PostgreSQL, SQLite, DuckDB), doubling any embedded quote character.
func QuoteDouble(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteBacktick quotes name for MySQL/MariaDB.
func QuoteBacktick(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// QuoteBracket quotes name for SQL Server.
func QuoteBracket(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// Dialect names the SQL-family dialects that need inline literal
// formatting for CRUD builders.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
	DuckDB   Dialect = "duckdb"
	MSSQL    Dialect = "mssql"
)

// FormatLiteral renders v as an inline SQL literal for dialect, for SQL
// text that carries values inline. The CRUD statement builders in
// sqlbase bind values through placeholders and do not call it.
func FormatLiteral(d Dialect, v value.Value) string {
	if v.IsNull() {
		return "NULL"
	}
	switch v.Kind {
	case value.KindBool:
		b := v.Go.(bool)
		switch d {
		case Postgres, DuckDB:
			if b {
				return "TRUE"
			}
			return "FALSE"
		default:
			if b {
				return "1"
			}
			return "0"
		}
	case value.KindInt:
		return fmt.Sprintf("%d", v.Go.(int64))
	case value.KindFloat:
		return fmt.Sprintf("%v", v.Go.(float64))
	case value.KindText:
		return quoteStringLiteral(v.Go.(string))
	case value.KindBytes:
		return formatBytesLiteral(d, v.Go.([]byte))
	case value.KindDateTime:
		return quoteStringLiteral(v.String())
	case value.KindJSON:
		return quoteStringLiteral(string(v.Go.([]byte)))
	default:
		return "NULL"
	}
}

func quoteStringLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func formatBytesLiteral(d Dialect, b []byte) string {
	hexStr := fmt.Sprintf("%x", b)
	switch d {
	case Postgres:
		return "'\\x" + hexStr + "'"
	case MySQL, DuckDB, SQLite:
		return "x'" + hexStr + "'"
	case MSSQL:
		return "0x" + hexStr
	default:
		return "x'" + hexStr + "'"
	}
}

// QuoteIdent picks the right quoting function for dialect.
func QuoteIdent(d Dialect, name string) string {
	switch d {
	case MySQL:
		return QuoteBacktick(name)
	case MSSQL:
		return QuoteBracket(name)
	default:
		return QuoteDouble(name)
	}
}
