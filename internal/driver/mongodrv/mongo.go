// Package mongodrv implements the driver.Driver contract over
// go.mongodb.org/mongo-driver, adapting collections/documents onto the
// gateway's table/row CRUD surface.
package mongodrv

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/qoreforge/dbgateway/internal/driver"
	"github.com/qoreforge/dbgateway/internal/value"
)

type Driver struct {
	mu      sync.Mutex
	client  *mongo.Client
	dbName  string
	session mongo.Session
}

func New() driver.Driver { return &Driver{} }

func (d *Driver) Id() driver.Id { return driver.Mongo }

func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		SupportsTransactions: true,
		SupportsStreaming:    true,
		SupportsCancel:       false,
		SupportsCatalog:      true,
		SupportsFederation:   false,
		MaxIdentifierLength:  0,
	}
}

func uri(cfg driver.ConnectionConfig) string {
	if cfg.User != "" {
		return fmt.Sprintf("mongodb://%s:%s@%s:%d", cfg.User, cfg.Password, cfg.Host, cfg.Port)
	}
	return fmt.Sprintf("mongodb://%s:%d", cfg.Host, cfg.Port)
}

func (d *Driver) TestConnection(ctx context.Context, cfg driver.ConnectionConfig) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri(cfg)))
	if err != nil {
		return value.WrapError(value.ErrConnection, "open mongo connection", err)
	}
	defer client.Disconnect(ctx)
	if err := client.Ping(ctx, nil); err != nil {
		return classify(err)
	}
	return nil
}

func (d *Driver) Connect(ctx context.Context, cfg driver.ConnectionConfig) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri(cfg)))
	if err != nil {
		return value.WrapError(value.ErrConnection, "open mongo connection", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return classify(err)
	}
	d.mu.Lock()
	d.client = client
	d.dbName = cfg.Database
	d.mu.Unlock()
	return nil
}

func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil
	}
	err := d.client.Disconnect(ctx)
	d.client = nil
	return err
}

func (d *Driver) ListDatabases(ctx context.Context) ([]string, error) {
	names, err := d.client.ListDatabaseNames(ctx, bson.D{})
	if err != nil {
		return nil, classify(err)
	}
	return names, nil
}

func (d *Driver) ListSchemas(ctx context.Context, database string) ([]string, error) {
	return []string{database}, nil
}

func (d *Driver) ListTables(ctx context.Context, ns value.Namespace) ([]string, error) {
	names, err := d.client.Database(d.dbName).ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, classify(err)
	}
	return names, nil
}

func (d *Driver) GetTableSchema(ctx context.Context, ns value.Namespace) (*value.TableSchema, error) {
	// Mongo is schemaless; sample one document to describe the shape
	// shown in a preview, matching the command surface's best-effort
	// schema inference for NoSQL sources.
	coll := d.client.Database(d.dbName).Collection(ns.Table)
	var doc bson.M
	if err := coll.FindOne(ctx, bson.D{}).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return &value.TableSchema{Name: ns.Table}, nil
		}
		return nil, classify(err)
	}
	out := &value.TableSchema{Name: ns.Table, PrimaryKey: []string{"_id"}}
	for k := range doc {
		out.Columns = append(out.Columns, value.ColumnInfo{Name: k, DeclType: "mixed", Nullable: true})
	}
	return out, nil
}

// Execute runs a raw command document on the database, e.g.
// {"collMod": "users"}, passed as a JSON string.
func (d *Driver) Execute(ctx context.Context, jsonCommand string, args []value.Value) (*driver.ExecResult, error) {
	var cmd bson.D
	if err := bson.UnmarshalExtJSON([]byte(jsonCommand), true, &cmd); err != nil {
		return nil, value.WrapError(value.ErrSyntax, "invalid mongo command json", err)
	}
	if err := d.client.Database(d.dbName).RunCommand(ctx, cmd).Err(); err != nil {
		return nil, classify(err)
	}
	return &driver.ExecResult{RowsAffected: 1}, nil
}

// Query runs a find filter (JSON) against a collection named in
// jsonQuery's top-level "collection" key, returning matched documents
// flattened into preview rows.
func (d *Driver) Query(ctx context.Context, jsonQuery string, args []value.Value, limit int) (*driver.PaginatedResult, error) {
	collName, filter, err := parseFindQuery(jsonQuery)
	if err != nil {
		return nil, value.WrapError(value.ErrSyntax, "invalid mongo find query", err)
	}
	coll := d.client.Database(d.dbName).Collection(collName)
	opts := options.Find()
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, classify(err)
	}
	defer cur.Close(ctx)

	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, classify(err)
	}
	return flattenDocuments(docs, limit), nil
}

func (d *Driver) QueryStream(ctx context.Context, jsonQuery string, args []value.Value) (<-chan driver.StreamEvent, error) {
	collName, filter, err := parseFindQuery(jsonQuery)
	if err != nil {
		return nil, value.WrapError(value.ErrSyntax, "invalid mongo find query", err)
	}
	coll := d.client.Database(d.dbName).Collection(collName)
	cur, err := coll.Find(ctx, filter)
	if err != nil {
		return nil, classify(err)
	}
	out := make(chan driver.StreamEvent, 64)
	go func() {
		defer close(out)
		defer cur.Close(ctx)
		sentCols := false
		for cur.Next(ctx) {
			var doc bson.M
			if err := cur.Decode(&doc); err != nil {
				out <- driver.StreamEvent{Err: value.WrapError(value.ErrInternal, "decode document", err)}
				return
			}
			res := flattenDocuments([]bson.M{doc}, 0)
			if !sentCols {
				out <- driver.StreamEvent{Columns: res.Columns}
				sentCols = true
			}
			if len(res.Rows) > 0 {
				out <- driver.StreamEvent{Row: res.Rows[0]}
			}
		}
		if err := cur.Err(); err != nil {
			out <- driver.StreamEvent{Err: classify(err)}
			return
		}
		out <- driver.StreamEvent{Done: true}
	}()
	return out, nil
}

func (d *Driver) InsertRow(ctx context.Context, ns value.Namespace, row value.RowData) (*driver.ExecResult, error) {
	doc := bson.M{}
	for k, v := range row {
		doc[k] = v.Go
	}
	_, err := d.client.Database(d.dbName).Collection(ns.Table).InsertOne(ctx, doc)
	if err != nil {
		return nil, classify(err)
	}
	return &driver.ExecResult{RowsAffected: 1}, nil
}

func (d *Driver) UpdateRow(ctx context.Context, ns value.Namespace, set, where value.RowData) (*driver.ExecResult, error) {
	if len(set) == 0 {
		return &driver.ExecResult{}, nil
	}
	filter := bson.M{}
	for k, v := range where {
		filter[k] = v.Go
	}
	update := bson.M{"$set": bson.M{}}
	for k, v := range set {
		update["$set"].(bson.M)[k] = v.Go
	}
	res, err := d.client.Database(d.dbName).Collection(ns.Table).UpdateMany(ctx, filter, update)
	if err != nil {
		return nil, classify(err)
	}
	return &driver.ExecResult{RowsAffected: res.ModifiedCount}, nil
}

func (d *Driver) DeleteRow(ctx context.Context, ns value.Namespace, where value.RowData) (*driver.ExecResult, error) {
	filter := bson.M{}
	for k, v := range where {
		filter[k] = v.Go
	}
	res, err := d.client.Database(d.dbName).Collection(ns.Table).DeleteMany(ctx, filter)
	if err != nil {
		return nil, classify(err)
	}
	return &driver.ExecResult{RowsAffected: res.DeletedCount}, nil
}

func (d *Driver) BeginTransaction(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		return value.NewError(value.ErrValidation, "a transaction is already pinned on this session")
	}
	sess, err := d.client.StartSession()
	if err != nil {
		return value.WrapError(value.ErrExecution, "start mongo session", err)
	}
	if err := sess.StartTransaction(); err != nil {
		sess.EndSession(ctx)
		return value.WrapError(value.ErrExecution, "start mongo transaction", err)
	}
	d.session = sess
	return nil
}

func (d *Driver) Commit(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return value.NewError(value.ErrValidation, "no transaction pinned")
	}
	err := mongo.WithSession(ctx, d.session, func(sc mongo.SessionContext) error {
		return d.session.CommitTransaction(sc)
	})
	d.session.EndSession(ctx)
	d.session = nil
	if err != nil {
		return value.WrapError(value.ErrExecution, "commit", err)
	}
	return nil
}

func (d *Driver) Rollback(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return value.NewError(value.ErrValidation, "no transaction pinned")
	}
	err := mongo.WithSession(ctx, d.session, func(sc mongo.SessionContext) error {
		return d.session.AbortTransaction(sc)
	})
	d.session.EndSession(ctx)
	d.session = nil
	if err != nil {
		return value.WrapError(value.ErrExecution, "rollback", err)
	}
	return nil
}

func (d *Driver) InTransaction() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session != nil
}

func (d *Driver) Cancel(ctx context.Context, queryID value.QueryId) error {
	return value.NewError(value.ErrUnsupported, "mongo cancellation is not wired through this gateway")
}

func parseFindQuery(jsonQuery string) (string, bson.M, error) {
	var wrapper struct {
		Collection string         `json:"collection"`
		Filter     map[string]any `json:"filter"`
	}
	if err := bson.UnmarshalExtJSON([]byte(jsonQuery), true, &wrapper); err != nil {
		return "", nil, err
	}
	filter := bson.M{}
	for k, v := range wrapper.Filter {
		filter[k] = v
	}
	return wrapper.Collection, filter, nil
}

func flattenDocuments(docs []bson.M, limit int) *driver.PaginatedResult {
	colSet := map[string]bool{}
	var colOrder []string
	for _, doc := range docs {
		for k := range doc {
			if !colSet[k] {
				colSet[k] = true
				colOrder = append(colOrder, k)
			}
		}
	}
	cols := make([]value.ColumnInfo, len(colOrder))
	for i, c := range colOrder {
		cols[i] = value.ColumnInfo{Name: c, DeclType: "mixed", Nullable: true}
	}
	rows := make([]value.Row, 0, len(docs))
	for _, doc := range docs {
		row := make(value.Row, len(colOrder))
		for i, c := range colOrder {
			if v, ok := doc[c]; ok {
				row[i] = value.Text(fmt.Sprintf("%v", v))
			} else {
				row[i] = value.Null()
			}
		}
		rows = append(rows, row)
	}
	return &driver.PaginatedResult{Columns: cols, Rows: rows, EffectiveLimit: limit}
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "auth error"), strings.Contains(msg, "Authentication failed"):
		return value.WrapError(value.ErrAuth, "mongo authentication failed", err)
	case strings.Contains(msg, "no reachable servers"), strings.Contains(msg, "connection() error"):
		return value.WrapError(value.ErrConnection, "mongo connection failed", err)
	case err == mongo.ErrNoDocuments:
		return value.WrapError(value.ErrNotFound, "mongo document not found", err)
	default:
		return value.WrapError(value.ErrExecution, "mongo execution error", err)
	}
}
