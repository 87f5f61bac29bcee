package federation

import (
	"context"
	"io"

	sqle "github.com/dolthub/go-mysql-server"
	"github.com/dolthub/go-mysql-server/memory"
	gmssql "github.com/dolthub/go-mysql-server/sql"

	"github.com/qoreforge/dbgateway/internal/value"
)

// Engine is a fresh, process-local in-memory analytical SQL engine used
// as the federation target: every query gets its own Engine so loaded
// federation tables never leak between unrelated federated queries.
type Engine struct {
	db       *memory.Database
	provider *memory.DbProvider
	inner    *sqle.Engine
}

func NewEngine() *Engine {
	db := memory.NewDatabase("federation")
	provider := memory.NewDBProvider(db)
	return &Engine{db: db, provider: provider, inner: sqle.NewDefault(provider)}
}

// LoadTable creates a table named alias with the given column shape and
// inserts rows into it.
func (e *Engine) LoadTable(alias string, cols []value.ColumnInfo, rows []value.Row) error {
	schema := make(gmssql.Schema, len(cols))
	for i, c := range cols {
		schema[i] = &gmssql.Column{
			Name:     c.Name,
			Type:     mapColumnType(c),
			Nullable: c.Nullable,
			Source:   alias,
		}
	}
	table := memory.NewTable(e.db, alias, gmssql.NewPrimaryKeySchema(schema), nil)
	e.db.AddTable(alias, table)

	ctx := gmssql.NewContext(context.Background(),
		gmssql.WithSession(memory.NewSession(gmssql.NewBaseSession(), e.provider)))
	for _, row := range rows {
		engineRow := make(gmssql.Row, len(row))
		for i, v := range row {
			engineRow[i] = toEngineValue(v)
		}
		if err := table.Insert(ctx, engineRow); err != nil {
			return err
		}
	}
	return nil
}

// Query runs sql against the loaded tables and returns the result set.
func (e *Engine) Query(ctx context.Context, sql string) ([]value.ColumnInfo, []value.Row, error) {
	sctx := gmssql.NewContext(ctx, gmssql.WithSession(memory.NewSession(gmssql.NewBaseSession(), e.provider)))
	sctx.SetCurrentDatabase(e.db.Name())

	schema, iter, _, err := e.inner.Query(sctx, sql)
	if err != nil {
		return nil, nil, err
	}
	defer iter.Close(sctx)

	cols := make([]value.ColumnInfo, len(schema))
	for i, c := range schema {
		cols[i] = value.ColumnInfo{Name: c.Name, DeclType: c.Type.String(), Nullable: c.Nullable}
	}

	var rows []value.Row
	for {
		r, err := iter.Next(sctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		row := make(value.Row, len(r))
		for i, v := range r {
			row[i] = fromEngineValue(v)
		}
		rows = append(rows, row)
	}
	return cols, rows, nil
}
