package value

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValueJSONRoundTrip(t *testing.T) {
	cases := []Value{
		Null(),
		Bool(true),
		Bool(false),
		Int(-42),
		Float(3.14),
		Text("hello world"),
		Bytes([]byte{0x00, 0x01, 0xff}),
		DateTime(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		JSONValue([]byte(`{"a":1}`)),
	}

	for _, v := range cases {
		data, err := json.Marshal(v)
		require.NoError(t, err)

		var out Value
		require.NoError(t, json.Unmarshal(data, &out))
		require.Equal(t, v.Kind, out.Kind)
		require.Equal(t, v.String(), out.String())
	}
}

func TestValueIsNull(t *testing.T) {
	require.True(t, Null().IsNull())
	require.False(t, Int(0).IsNull())
}

func TestRowDataSortedKeys(t *testing.T) {
	row := RowData{"zebra": Text("z"), "apple": Text("a"), "mango": Text("m")}
	require.Equal(t, []string{"apple", "mango", "zebra"}, row.SortedKeys())
}

func TestNamespaceString(t *testing.T) {
	require.Equal(t, "db.public.users", Namespace{Database: "db", Schema: "public", Table: "users"}.String())
	require.Equal(t, "users", Namespace{Table: "users"}.String())
}

func TestFloatNonFiniteBecomesText(t *testing.T) {
	require.Equal(t, KindText, Float(math.NaN()).Kind)
	require.Equal(t, KindText, Float(math.Inf(1)).Kind)
	require.Equal(t, KindFloat, Float(1.5).Kind)
}

func TestArrayRoundTrip(t *testing.T) {
	v := Array([]Value{Int(1), Text("two"), Null()})
	data, err := json.Marshal(v)
	require.NoError(t, err)

	var got Value
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, KindArray, got.Kind)
	elems := got.Go.([]Value)
	require.Len(t, elems, 3)
	require.Equal(t, Int(1), elems[0])
	require.Equal(t, Text("two"), elems[1])
	require.True(t, elems[2].IsNull())
}
