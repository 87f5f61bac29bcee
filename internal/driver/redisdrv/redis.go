// Package redisdrv implements the driver.Driver contract over
// github.com/go-redis/redis/v8, adapting the gateway's relational CRUD
// surface onto Redis's key/command model: "tables" are key prefixes and
// "rows" are hash entries within a key.
package redisdrv

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/qoreforge/dbgateway/internal/driver"
	"github.com/qoreforge/dbgateway/internal/value"
)

type Driver struct {
	mu   sync.Mutex
	cli  *redis.Client
	pipe redis.Pipeliner // non-nil while a transaction is pinned
}

func New() driver.Driver { return &Driver{} }

func (d *Driver) Id() driver.Id { return driver.Redis }

func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		SupportsTransactions: true,
		SupportsStreaming:    false,
		SupportsCancel:       false,
		SupportsCatalog:      true,
		SupportsFederation:   false,
		MaxIdentifierLength:  0,
	}
}

func options(cfg driver.ConnectionConfig) *redis.Options {
	db := 0
	if raw, ok := cfg.Options["db"]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			db = n
		}
	}
	return &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       db,
	}
}

func (d *Driver) TestConnection(ctx context.Context, cfg driver.ConnectionConfig) error {
	cli := redis.NewClient(options(cfg))
	defer cli.Close()
	if err := cli.Ping(ctx).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (d *Driver) Connect(ctx context.Context, cfg driver.ConnectionConfig) error {
	cli := redis.NewClient(options(cfg))
	if err := cli.Ping(ctx).Err(); err != nil {
		cli.Close()
		return classify(err)
	}
	d.mu.Lock()
	d.cli = cli
	d.mu.Unlock()
	return nil
}

func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cli == nil {
		return nil
	}
	err := d.cli.Close()
	d.cli = nil
	return err
}

func (d *Driver) ListDatabases(ctx context.Context) ([]string, error) {
	info, err := d.cli.ConfigGet(ctx, "databases").Result()
	if err != nil || len(info) < 2 {
		return []string{"0"}, nil
	}
	n, _ := strconv.Atoi(fmt.Sprintf("%v", info[1]))
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, strconv.Itoa(i))
	}
	return out, nil
}

func (d *Driver) ListSchemas(ctx context.Context, database string) ([]string, error) {
	return []string{database}, nil
}

// scanKeyCap bounds how much of the keyspace ListTables will walk; a
// keyspace bigger than this gets a truncated prefix listing rather
// than an unbounded SCAN.
const scanKeyCap = 100_000

// ListTables lists the distinct key prefixes (up to the first ':')
// currently present, standing in for "tables" in a keyspace with no
// native schema. Keys are walked with SCAN, never KEYS, so a large
// keyspace does not block the server.
func (d *Driver) ListTables(ctx context.Context, ns value.Namespace) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	var cursor uint64
	scanned := 0
	for {
		keys, next, err := d.cli.Scan(ctx, cursor, "*", 1000).Result()
		if err != nil {
			return nil, classify(err)
		}
		for _, k := range keys {
			scanned++
			prefix := k
			if idx := strings.Index(k, ":"); idx >= 0 {
				prefix = k[:idx]
			}
			if !seen[prefix] {
				seen[prefix] = true
				out = append(out, prefix)
			}
		}
		cursor = next
		if cursor == 0 || scanned >= scanKeyCap {
			break
		}
	}
	return out, nil
}

// GetTableSchema returns a synthetic schema derived from the key's
// type: string -> value, hash -> field/value, list -> index/value,
// set -> member, zset -> member/score, stream -> id/data. When the
// table name is a prefix rather than an exact key, one matching key is
// sampled to determine the type.
func (d *Driver) GetTableSchema(ctx context.Context, ns value.Namespace) (*value.TableSchema, error) {
	keyType, err := d.cli.Type(ctx, ns.Table).Result()
	if err != nil {
		return nil, classify(err)
	}
	if keyType == "none" {
		keys, _, err := d.cli.Scan(ctx, 0, ns.Table+"*", 1).Result()
		if err != nil {
			return nil, classify(err)
		}
		if len(keys) > 0 {
			keyType, err = d.cli.Type(ctx, keys[0]).Result()
			if err != nil {
				return nil, classify(err)
			}
		}
	}
	return &value.TableSchema{Name: ns.Table, Columns: schemaForKeyType(keyType)}, nil
}

func schemaForKeyType(keyType string) []value.ColumnInfo {
	switch keyType {
	case "string":
		return []value.ColumnInfo{
			{Name: "value", DeclType: "string", Nullable: false},
		}
	case "hash":
		return []value.ColumnInfo{
			{Name: "field", DeclType: "string", Nullable: false},
			{Name: "value", DeclType: "string", Nullable: true},
		}
	case "list":
		return []value.ColumnInfo{
			{Name: "index", DeclType: "integer", Nullable: false},
			{Name: "value", DeclType: "string", Nullable: true},
		}
	case "set":
		return []value.ColumnInfo{
			{Name: "member", DeclType: "string", Nullable: false},
		}
	case "zset":
		return []value.ColumnInfo{
			{Name: "member", DeclType: "string", Nullable: false},
			{Name: "score", DeclType: "double", Nullable: false},
		}
	case "stream":
		return []value.ColumnInfo{
			{Name: "id", DeclType: "string", Nullable: false},
			{Name: "data", DeclType: "string", Nullable: true},
		}
	default:
		return []value.ColumnInfo{
			{Name: "key", DeclType: "string", Nullable: false},
			{Name: "value", DeclType: "string", Nullable: true},
		}
	}
}

// Execute runs a raw Redis command line, e.g. "SET foo bar" or
// "HSET user:1 name alice".
func (d *Driver) Execute(ctx context.Context, cmdLine string, args []value.Value) (*driver.ExecResult, error) {
	parts, err := parseCommand(cmdLine)
	if err != nil {
		return nil, err
	}
	cmdArgs := make([]any, len(parts))
	for i, p := range parts {
		cmdArgs[i] = p
	}
	res := d.cli.Do(ctx, cmdArgs...)
	if err := res.Err(); err != nil {
		return nil, classify(err)
	}
	return &driver.ExecResult{RowsAffected: 1}, nil
}

// Query runs a raw command that returns a list (e.g. KEYS, HGETALL) and
// adapts the result into a single-column preview table.
func (d *Driver) Query(ctx context.Context, cmdLine string, args []value.Value, limit int) (*driver.PaginatedResult, error) {
	parts, err := parseCommand(cmdLine)
	if err != nil {
		return nil, err
	}
	cmdArgs := make([]any, len(parts))
	for i, p := range parts {
		cmdArgs[i] = p
	}
	res, err := d.cli.Do(ctx, cmdArgs...).Result()
	if err != nil {
		return nil, classify(err)
	}
	cols := []value.ColumnInfo{{Name: "result", DeclType: "text", Nullable: true}}
	var rows []value.Row
	switch v := res.(type) {
	case []any:
		for _, item := range v {
			if limit > 0 && len(rows) >= limit {
				break
			}
			rows = append(rows, value.Row{value.Text(fmt.Sprintf("%v", item))})
		}
	default:
		rows = append(rows, value.Row{value.Text(fmt.Sprintf("%v", v))})
	}
	return &driver.PaginatedResult{Columns: cols, Rows: rows, EffectiveLimit: limit}, nil
}

func (d *Driver) QueryStream(ctx context.Context, cmdLine string, args []value.Value) (<-chan driver.StreamEvent, error) {
	res, err := d.Query(ctx, cmdLine, args, 0)
	if err != nil {
		return nil, err
	}
	out := make(chan driver.StreamEvent, len(res.Rows)+2)
	out <- driver.StreamEvent{Columns: res.Columns}
	for _, r := range res.Rows {
		out <- driver.StreamEvent{Row: r}
	}
	out <- driver.StreamEvent{Done: true}
	close(out)
	return out, nil
}

func (d *Driver) InsertRow(ctx context.Context, ns value.Namespace, row value.RowData) (*driver.ExecResult, error) {
	key := ns.Table
	if id, ok := row["id"]; ok {
		key = ns.Table + ":" + id.String()
	}
	fields := make(map[string]any, len(row))
	for _, k := range row.SortedKeys() {
		fields[k] = row[k].String()
	}
	if err := d.cli.HSet(ctx, key, fields).Err(); err != nil {
		return nil, classify(err)
	}
	return &driver.ExecResult{RowsAffected: 1}, nil
}

func (d *Driver) UpdateRow(ctx context.Context, ns value.Namespace, set, where value.RowData) (*driver.ExecResult, error) {
	if len(set) == 0 {
		return &driver.ExecResult{}, nil
	}
	key := ns.Table
	if id, ok := where["id"]; ok {
		key = ns.Table + ":" + id.String()
	}
	fields := make(map[string]any, len(set))
	for _, k := range set.SortedKeys() {
		fields[k] = set[k].String()
	}
	if err := d.cli.HSet(ctx, key, fields).Err(); err != nil {
		return nil, classify(err)
	}
	return &driver.ExecResult{RowsAffected: 1}, nil
}

func (d *Driver) DeleteRow(ctx context.Context, ns value.Namespace, where value.RowData) (*driver.ExecResult, error) {
	key := ns.Table
	if id, ok := where["id"]; ok {
		key = ns.Table + ":" + id.String()
	}
	n, err := d.cli.Del(ctx, key).Result()
	if err != nil {
		return nil, classify(err)
	}
	return &driver.ExecResult{RowsAffected: n}, nil
}

func (d *Driver) BeginTransaction(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pipe != nil {
		return value.NewError(value.ErrValidation, "a transaction is already pinned on this session")
	}
	d.pipe = d.cli.TxPipeline()
	return nil
}

func (d *Driver) Commit(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pipe == nil {
		return value.NewError(value.ErrValidation, "no transaction pinned")
	}
	_, err := d.pipe.Exec(ctx)
	d.pipe = nil
	if err != nil {
		return value.WrapError(value.ErrExecution, "commit", err)
	}
	return nil
}

func (d *Driver) Rollback(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pipe == nil {
		return value.NewError(value.ErrValidation, "no transaction pinned")
	}
	d.pipe.Discard()
	d.pipe = nil
	return nil
}

func (d *Driver) InTransaction() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pipe != nil
}

func (d *Driver) Cancel(ctx context.Context, queryID value.QueryId) error {
	return value.NewError(value.ErrUnsupported, "redis has no server-side command cancellation")
}

// parseCommand splits a raw command line into arguments the way
// redis-cli does: whitespace separates args, single quotes group
// literally, double quotes group with backslash escapes (\" \\ \n \r
// \t), and a quote left open at end of input is an error rather than a
// silently mangled argument.
func parseCommand(s string) ([]string, error) {
	var args []string
	var current strings.Builder
	inSingle := false
	inDouble := false
	hasArg := false

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		switch {
		case inSingle:
			if ch == '\'' {
				inSingle = false
				continue
			}
			current.WriteRune(ch)
		case inDouble:
			if ch == '\\' && i+1 < len(runes) {
				i++
				switch runes[i] {
				case 'n':
					current.WriteRune('\n')
				case 'r':
					current.WriteRune('\r')
				case 't':
					current.WriteRune('\t')
				default:
					current.WriteRune(runes[i])
				}
				continue
			}
			if ch == '"' {
				inDouble = false
				continue
			}
			current.WriteRune(ch)
		case ch == '\'':
			inSingle = true
			hasArg = true
		case ch == '"':
			inDouble = true
			hasArg = true
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			if hasArg || current.Len() > 0 {
				args = append(args, current.String())
				current.Reset()
				hasArg = false
			}
		default:
			current.WriteRune(ch)
			hasArg = true
		}
	}
	if inSingle || inDouble {
		return nil, value.NewError(value.ErrSyntax, "unterminated quote in command")
	}
	if hasArg || current.Len() > 0 {
		args = append(args, current.String())
	}
	return args, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "WRONGPASS"), strings.Contains(msg, "NOAUTH"):
		return value.WrapError(value.ErrAuth, "redis authentication failed", err)
	case strings.Contains(msg, "connection refused"):
		return value.WrapError(value.ErrConnection, "redis connection failed", err)
	case strings.Contains(msg, "ERR"):
		return value.WrapError(value.ErrSyntax, "redis command error", err)
	default:
		return value.WrapError(value.ErrExecution, "redis execution error", err)
	}
}
