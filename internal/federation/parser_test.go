package federation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectSourcesThreePart(t *testing.T) {
	refs := DetectSources("SELECT * FROM conn1.public.users u JOIN conn2.public.orders o ON u.id = o.user_id")
	require.Len(t, refs, 2)
	require.Equal(t, "conn1", refs[0].ConnectionAlias)
	require.Equal(t, "public", refs[0].Schema)
	require.Equal(t, "users", refs[0].Table)
	require.Equal(t, "conn2", refs[1].ConnectionAlias)
}

func TestDetectSourcesFourPart(t *testing.T) {
	refs := DetectSources("SELECT * FROM conn1.mydb.dbo.accounts")
	require.Len(t, refs, 1)
	require.Equal(t, "conn1", refs[0].ConnectionAlias)
	require.Equal(t, "mydb", refs[0].Database)
	require.Equal(t, "dbo", refs[0].Schema)
	require.Equal(t, "accounts", refs[0].Table)
}

func TestDetectSourcesIgnoresPlainTable(t *testing.T) {
	require.False(t, HasFederatedReference("SELECT * FROM users"))
	require.False(t, HasFederatedReference("SELECT * FROM public.users"))
}

func TestRewriteRemovesOriginalReferences(t *testing.T) {
	sql := "SELECT * FROM conn1.public.users"
	sources := []SourceFetchResult{
		{Source: SourceRef{Raw: "conn1.public.users"}, LocalAlias: "__fed_users_0"},
	}
	rewritten := Rewrite(sql, sources)
	require.Equal(t, "SELECT * FROM __fed_users_0", rewritten)
	require.False(t, ContainsAnyRawReference(rewritten, sources))
}

func TestDetectSourcesInCTE(t *testing.T) {
	sql := `WITH recent AS (SELECT * FROM conn1.public.events) SELECT * FROM recent`
	refs := DetectSources(sql)
	require.Len(t, refs, 1)
	require.Equal(t, "events", refs[0].Table)
}

func TestDetectSourcesForAliasesFiltersUnknownHeads(t *testing.T) {
	sql := "SELECT * FROM pg.public.users u JOIN warehouse.dbo.orders o ON u.id = o.user_id"
	refs := DetectSourcesForAliases(sql, map[string]bool{"pg": true})
	require.Len(t, refs, 1)
	require.Equal(t, "pg", refs[0].ConnectionAlias)
}

func TestDetectSourcesForAliasesCaseInsensitive(t *testing.T) {
	refs := DetectSourcesForAliases("SELECT * FROM PG.public.users", map[string]bool{"pg": true})
	require.Len(t, refs, 1)
}

func TestValidateSingleSelectOnly(t *testing.T) {
	require.NoError(t, Validate("SELECT * FROM pg.public.users"))
	require.NoError(t, Validate("WITH r AS (SELECT 1) SELECT * FROM r"))
	require.Error(t, Validate("SELECT 1; SELECT 2"))
	require.Error(t, Validate("UPDATE pg.public.users SET x = 1"))
	require.Error(t, Validate("DROP TABLE pg.public.users"))
}
