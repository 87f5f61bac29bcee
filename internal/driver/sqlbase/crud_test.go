package sqlbase

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qoreforge/dbgateway/internal/driver/ident"
	"github.com/qoreforge/dbgateway/internal/value"
)

func TestBuildInsertPostgresDollarPlaceholders(t *testing.T) {
	row := value.RowData{"id": value.Int(1), "name": value.Text("alice")}
	sql, args := BuildInsert(`"users"`, row, ident.Postgres, DollarPlaceholder)
	require.Equal(t, `INSERT INTO "users" ("id", "name") VALUES ($1, $2)`, sql)
	require.Equal(t, []value.Value{value.Int(1), value.Text("alice")}, args)
}

func TestBuildInsertMySQLQuestionPlaceholders(t *testing.T) {
	row := value.RowData{"id": value.Int(1)}
	sql, args := BuildInsert("`users`", row, ident.MySQL, QuestionPlaceholder)
	require.Equal(t, "INSERT INTO `users` (`id`) VALUES (?)", sql)
	require.Len(t, args, 1)
}

func TestBuildUpdateOrdersSetThenWhereArgs(t *testing.T) {
	set := value.RowData{"name": value.Text("bob")}
	where := value.RowData{"id": value.Int(1)}
	sql, args := BuildUpdate(`"users"`, set, where, ident.Postgres, DollarPlaceholder)
	require.Equal(t, `UPDATE "users" SET "name" = $1 WHERE "id" = $2`, sql)
	require.Equal(t, []value.Value{value.Text("bob"), value.Int(1)}, args)
}

func TestBuildDeleteMSSQLAtPPlaceholders(t *testing.T) {
	where := value.RowData{"id": value.Int(7)}
	sql, args := BuildDelete("[users]", where, ident.MSSQL, AtPPlaceholder)
	require.Equal(t, "DELETE FROM [users] WHERE [id] = @p1", sql)
	require.Equal(t, []value.Value{value.Int(7)}, args)
}

func TestBuildDeleteMultipleWhereColumnsANDed(t *testing.T) {
	where := value.RowData{"id": value.Int(1), "tenant": value.Text("acme")}
	sql, _ := BuildDelete(`"rows"`, where, ident.Postgres, DollarPlaceholder)
	require.Equal(t, `DELETE FROM "rows" WHERE "id" = $1 AND "tenant" = $2`, sql)
}
