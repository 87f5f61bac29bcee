package federation

import (
	"time"

	gmssql "github.com/dolthub/go-mysql-server/sql"
	gmstypes "github.com/dolthub/go-mysql-server/sql/types"

	"github.com/qoreforge/dbgateway/internal/value"
)

// mapColumnType maps a gateway ColumnInfo onto the embedded engine's
// type system using the coarse, driver-independent reduction this
// gateway's federation design calls for: any integer width collapses
// to BIGINT, any floating width to DOUBLE, booleans stay boolean,
// binary types become BLOB, date/time types become DATETIME, and
// everything else becomes TEXT.
func mapColumnType(c value.ColumnInfo) gmssql.Type {
	switch guessKind(c.DeclType) {
	case value.KindBool:
		return gmstypes.Boolean
	case value.KindInt:
		return gmstypes.Int64
	case value.KindFloat:
		return gmstypes.Float64
	case value.KindBytes:
		return gmstypes.Blob
	case value.KindDateTime:
		return gmstypes.Datetime
	default:
		return gmstypes.Text
	}
}

func guessKind(declType string) value.Kind {
	switch normalizeType(declType) {
	case "bool", "boolean":
		return value.KindBool
	case "int", "integer", "bigint", "smallint", "tinyint", "int2", "int4", "int8", "serial":
		return value.KindInt
	case "float", "double", "real", "decimal", "numeric":
		return value.KindFloat
	case "bytea", "blob", "binary", "varbinary":
		return value.KindBytes
	case "timestamp", "datetime", "date", "time":
		return value.KindDateTime
	default:
		return value.KindText
	}
}

func normalizeType(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c == ' ' || c == '(' {
			break
		}
		out = append(out, c)
	}
	return string(out)
}

func toEngineValue(v value.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind {
	case value.KindDateTime:
		if t, ok := v.Go.(time.Time); ok {
			return t
		}
	}
	return v.Go
}

func fromEngineValue(v any) value.Value {
	switch t := v.(type) {
	case nil:
		return value.Null()
	case bool:
		return value.Bool(t)
	case int64:
		return value.Int(t)
	case int32:
		return value.Int(int64(t))
	case int:
		return value.Int(int64(t))
	case float64:
		return value.Float(t)
	case float32:
		return value.Float(float64(t))
	case string:
		return value.Text(t)
	case []byte:
		return value.Bytes(t)
	case time.Time:
		return value.DateTime(t)
	default:
		return value.Text(toString(v))
	}
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	type stringer interface{ String() string }
	if s, ok := v.(stringer); ok {
		return s.String()
	}
	return ""
}
