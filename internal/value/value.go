// Package value defines the tagged scalar type shared by every driver,
// the safety interceptor, and the federation engine.
package value

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// Kind identifies which Go payload a Value carries.
type Kind string

const (
	KindNull     Kind = "null"
	KindBool     Kind = "bool"
	KindInt      Kind = "int"
	KindFloat    Kind = "float"
	KindText     Kind = "text"
	KindBytes    Kind = "bytes"
	KindDateTime Kind = "datetime"
	KindJSON     Kind = "json"
	KindArray    Kind = "array"
)

// Value is a tagged union over the scalar types a database cell can
// hold. It is deliberately a struct rather than an interface so it can
// round-trip through JSON without a registry of concrete types.
type Value struct {
	Kind Kind
	Go   any
}

func Null() Value       { return Value{Kind: KindNull} }
func Bool(b bool) Value { return Value{Kind: KindBool, Go: b} }
func Int(i int64) Value { return Value{Kind: KindInt, Go: i} }

// Float converts non-finite values to Text so JSON serialization of any
// Value is total; NaN and ±Inf have no JSON number representation.
func Float(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Text(strconv.FormatFloat(f, 'g', -1, 64))
	}
	return Value{Kind: KindFloat, Go: f}
}
func Text(s string) Value        { return Value{Kind: KindText, Go: s} }
func Bytes(b []byte) Value       { return Value{Kind: KindBytes, Go: append([]byte(nil), b...)} }
func DateTime(t time.Time) Value { return Value{Kind: KindDateTime, Go: t.UTC()} }
func JSONValue(raw []byte) Value { return Value{Kind: KindJSON, Go: append([]byte(nil), raw...)} }

// Array wraps an element list; homogeneity is by convention only.
func Array(elems []Value) Value { return Value{Kind: KindArray, Go: append([]Value(nil), elems...)} }

func (v Value) IsNull() bool { return v.Kind == KindNull || v.Go == nil }

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindBool:
		return fmt.Sprintf("%v", v.Go)
	case KindInt:
		return fmt.Sprintf("%d", v.Go)
	case KindFloat:
		return fmt.Sprintf("%v", v.Go)
	case KindText:
		return v.Go.(string)
	case KindBytes:
		return fmt.Sprintf("0x%x", v.Go.([]byte))
	case KindDateTime:
		return v.Go.(time.Time).Format(time.RFC3339Nano)
	case KindJSON:
		return string(v.Go.([]byte))
	case KindArray:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	default:
		return ""
	}
}

type jsonValue struct {
	Kind Kind `json:"kind"`
	Data any  `json:"data,omitempty"`
}

// MarshalJSON implements the {kind, data} envelope used on the wire.
func (v Value) MarshalJSON() ([]byte, error) {
	out := jsonValue{Kind: v.Kind}
	switch v.Kind {
	case KindNull:
		// data omitted
	case KindBytes:
		out.Data = base64.StdEncoding.EncodeToString(v.Go.([]byte))
	case KindDateTime:
		out.Data = v.Go.(time.Time).Format(time.RFC3339Nano)
	case KindJSON:
		out.Data = json.RawMessage(v.Go.([]byte))
	default:
		out.Data = v.Go
	}
	return json.Marshal(out)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var in jsonValue
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&in); err != nil {
		return err
	}
	v.Kind = in.Kind
	switch in.Kind {
	case KindNull, "":
		v.Kind = KindNull
		v.Go = nil
	case KindBool:
		b, _ := in.Data.(bool)
		v.Go = b
	case KindInt:
		switch n := in.Data.(type) {
		case json.Number:
			i, err := n.Int64()
			if err != nil {
				return fmt.Errorf("value: decode int: %w", err)
			}
			v.Go = i
		default:
			return fmt.Errorf("value: int payload has unexpected type %T", in.Data)
		}
	case KindFloat:
		switch n := in.Data.(type) {
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return fmt.Errorf("value: decode float: %w", err)
			}
			v.Go = f
		default:
			return fmt.Errorf("value: float payload has unexpected type %T", in.Data)
		}
	case KindText:
		s, _ := in.Data.(string)
		v.Go = s
	case KindBytes:
		s, _ := in.Data.(string)
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("value: decode bytes: %w", err)
		}
		v.Go = b
	case KindDateTime:
		s, _ := in.Data.(string)
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("value: decode datetime: %w", err)
		}
		v.Go = t.UTC()
	case KindJSON:
		raw, err := json.Marshal(in.Data)
		if err != nil {
			return fmt.Errorf("value: re-encode json payload: %w", err)
		}
		v.Go = raw
	case KindArray:
		raw, err := json.Marshal(in.Data)
		if err != nil {
			return fmt.Errorf("value: re-encode array payload: %w", err)
		}
		var elems []Value
		if err := json.Unmarshal(raw, &elems); err != nil {
			return fmt.Errorf("value: decode array elements: %w", err)
		}
		v.Go = elems
	default:
		return fmt.Errorf("value: unknown kind %q", in.Kind)
	}
	return nil
}

// ColumnInfo describes one result-set column.
type ColumnInfo struct {
	Name     string `json:"name"`
	DeclType string `json:"decl_type"`
	Nullable bool   `json:"nullable"`
}

// Row is an ordered list of cells aligned with a query's ColumnInfo slice.
type Row []Value

// RowData is an unordered column-name to Value map used by CRUD
// operations; the CRUD builders order its columns by name through
// SortedKeys, not by the map's iteration order.
type RowData map[string]Value

// SortedKeys returns r's keys in a stable, deterministic order.
func (r RowData) SortedKeys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TableSchema describes the columns and primary key of a single table.
type TableSchema struct {
	Name       string       `json:"name"`
	Schema     string       `json:"schema,omitempty"`
	Columns    []ColumnInfo `json:"columns"`
	PrimaryKey []string     `json:"primary_key,omitempty"`
}

// Namespace is a dotted path into a driver's catalog: up to
// database.schema.table depending on dialect depth.
type Namespace struct {
	Database string
	Schema   string
	Table    string
}

func (n Namespace) String() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{n.Database, n.Schema, n.Table} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "."
		}
		out += p
	}
	return out
}
