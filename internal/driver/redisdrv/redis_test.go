package redisdrv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qoreforge/dbgateway/internal/value"
)

func TestParseCommandPlainArgs(t *testing.T) {
	args, err := parseCommand("SET foo bar")
	require.NoError(t, err)
	require.Equal(t, []string{"SET", "foo", "bar"}, args)
}

func TestParseCommandDoubleQuotedArg(t *testing.T) {
	args, err := parseCommand(`SET k "hello world"`)
	require.NoError(t, err)
	require.Equal(t, []string{"SET", "k", "hello world"}, args)
}

func TestParseCommandSingleQuotedArg(t *testing.T) {
	args, err := parseCommand(`SET k 'it "quotes" fine'`)
	require.NoError(t, err)
	require.Equal(t, []string{"SET", "k", `it "quotes" fine`}, args)
}

func TestParseCommandBackslashEscapesInDoubleQuotes(t *testing.T) {
	args, err := parseCommand(`SET k "a\"b\\c\nd"`)
	require.NoError(t, err)
	require.Equal(t, []string{"SET", "k", "a\"b\\c\nd"}, args)
}

func TestParseCommandEmptyQuotedArg(t *testing.T) {
	args, err := parseCommand(`SET k ""`)
	require.NoError(t, err)
	require.Equal(t, []string{"SET", "k", ""}, args)
}

func TestParseCommandRejectsUnterminatedQuotes(t *testing.T) {
	_, err := parseCommand(`SET k "unclosed`)
	require.Error(t, err)
	require.Equal(t, value.ErrSyntax, value.KindOf(err))

	_, err = parseCommand(`SET k 'unclosed`)
	require.Error(t, err)
}

func TestParseCommandCollapsesWhitespace(t *testing.T) {
	args, err := parseCommand("  HSET   user:1\tname  alice  ")
	require.NoError(t, err)
	require.Equal(t, []string{"HSET", "user:1", "name", "alice"}, args)
}

func TestSchemaForKeyType(t *testing.T) {
	cases := map[string][]string{
		"string": {"value"},
		"hash":   {"field", "value"},
		"list":   {"index", "value"},
		"set":    {"member"},
		"zset":   {"member", "score"},
		"stream": {"id", "data"},
	}
	for keyType, want := range cases {
		cols := schemaForKeyType(keyType)
		require.Len(t, cols, len(want), keyType)
		for i, name := range want {
			require.Equal(t, name, cols[i].Name, keyType)
		}
	}
}
