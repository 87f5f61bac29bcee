package ident

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qoreforge/dbgateway/internal/value"
)

func TestQuoteDoubleEscapesEmbeddedQuote(t *testing.T) {
	require.Equal(t, `"a""b"`, QuoteDouble(`a"b`))
}

func TestQuoteBacktickEscapesEmbeddedBacktick(t *testing.T) {
	require.Equal(t, "`a``b`", QuoteBacktick("a`b"))
}

func TestQuoteBracketEscapesEmbeddedBracket(t *testing.T) {
	require.Equal(t, "[a]]b]", QuoteBracket("a]b"))
}

func TestQuoteIdentDispatchesByDialect(t *testing.T) {
	require.Equal(t, `"users"`, QuoteIdent(Postgres, "users"))
	require.Equal(t, "`users`", QuoteIdent(MySQL, "users"))
	require.Equal(t, "[users]", QuoteIdent(MSSQL, "users"))
	require.Equal(t, `"users"`, QuoteIdent(SQLite, "users"))
}

func TestFormatLiteralNull(t *testing.T) {
	require.Equal(t, "NULL", FormatLiteral(Postgres, value.Null()))
}

func TestFormatLiteralBoolVariesByDialect(t *testing.T) {
	require.Equal(t, "TRUE", FormatLiteral(Postgres, value.Bool(true)))
	require.Equal(t, "FALSE", FormatLiteral(DuckDB, value.Bool(false)))
	require.Equal(t, "1", FormatLiteral(MySQL, value.Bool(true)))
	require.Equal(t, "0", FormatLiteral(MSSQL, value.Bool(false)))
}

func TestFormatLiteralTextEscapesQuote(t *testing.T) {
	require.Equal(t, "'it''s'", FormatLiteral(Postgres, value.Text("it's")))
}

func TestFormatLiteralBytesPerDialect(t *testing.T) {
	b := value.Bytes([]byte{0xAB, 0xCD})
	require.Equal(t, "'\\xabcd'", FormatLiteral(Postgres, b))
	require.Equal(t, "x'abcd'", FormatLiteral(MySQL, b))
	require.Equal(t, "0xabcd", FormatLiteral(MSSQL, b))
}

func TestFormatLiteralDateTime(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	lit := FormatLiteral(Postgres, value.DateTime(ts))
	require.Contains(t, lit, "2026-01-02T03:04:05")
}

func TestFormatLiteralIntAndFloat(t *testing.T) {
	require.Equal(t, "42", FormatLiteral(Postgres, value.Int(42)))
	require.Equal(t, "3.5", FormatLiteral(Postgres, value.Float(3.5)))
}
