package federation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/qoreforge/dbgateway/internal/driver"
	"github.com/qoreforge/dbgateway/internal/driver/ident"
	"github.com/qoreforge/dbgateway/internal/session"
	"github.com/qoreforge/dbgateway/internal/value"
)

const (
	defaultRowCap           = 100_000
	defaultFetchTimeout     = 30 * time.Second
	defaultFetchConcurrency = 4
)

// Options controls a single federated execution.
type Options struct {
	Debug            bool          // echo the rewritten SQL in the returned Metadata
	PerSourceRowCap  int           // rows fetched per source before truncation; defaults to 100k, but a driver's own Query clamp (5000 rows for the SQL drivers) applies first
	PerSourceTimeout time.Duration // bound on each source fetch
	FetchConcurrency int           // how many sources fetch at once
}

func (o Options) rowCap() int {
	if o.PerSourceRowCap > 0 {
		return o.PerSourceRowCap
	}
	return defaultRowCap
}

func (o Options) fetchTimeout() time.Duration {
	if o.PerSourceTimeout > 0 {
		return o.PerSourceTimeout
	}
	return defaultFetchTimeout
}

func (o Options) concurrency() int {
	if o.FetchConcurrency > 0 {
		return o.FetchConcurrency
	}
	return defaultFetchConcurrency
}

// Result is a completed federated execution.
type Result struct {
	Columns []value.ColumnInfo
	Rows    []value.Row
	Meta    *Metadata
}

// ValidateAliasMap rejects malformed connection aliases up front:
// aliases are lowercased identifier text, and two entries that collide
// after lowercasing are a caller error.
func ValidateAliasMap(aliases map[string]value.SessionId) (map[string]value.SessionId, error) {
	out := make(map[string]value.SessionId, len(aliases))
	for alias, sid := range aliases {
		lower := strings.ToLower(alias)
		if lower == "" || sanitizeIdent(lower) != lower {
			return nil, value.NewError(value.ErrValidation,
				fmt.Sprintf("connection alias %q must contain only identifier characters", alias))
		}
		if _, dup := out[lower]; dup {
			return nil, value.NewError(value.ErrValidation,
				fmt.Sprintf("connection alias %q collides with another alias after lowercasing", alias))
		}
		out[lower] = sid
	}
	return out, nil
}

// Execute detects every federated source reference in sqlText whose
// head matches a supplied alias, fetches each under the per-source
// bounded cap, loads them into a fresh embedded engine under synthetic
// aliases, rewrites the statement, and runs it locally. The engine
// instance is discarded when Execute returns, releasing all loaded
// rows. A source fetch failure aborts the whole query; a row-cap hit
// truncates that source and adds a warning but lets the query run.
func Execute(ctx context.Context, sqlText string, aliases map[string]value.SessionId, sessions *session.Manager, opts Options) (*Result, error) {
	started := time.Now()

	if err := Validate(sqlText); err != nil {
		return nil, err
	}
	known, err := ValidateAliasMap(aliases)
	if err != nil {
		return nil, err
	}
	knownSet := make(map[string]bool, len(known))
	for alias := range known {
		knownSet[alias] = true
	}

	refs := DetectSourcesForAliases(sqlText, knownSet)
	if len(refs) == 0 {
		return nil, value.NewError(value.ErrValidation, "no federated table references found in statement")
	}

	fetched, warnings, err := fetchSources(ctx, refs, known, sessions, opts)
	if err != nil {
		return nil, err
	}

	meta := &Metadata{Warnings: warnings}
	engine := NewEngine()
	for _, f := range fetched {
		if err := engine.LoadTable(f.LocalAlias, f.Columns, f.Rows); err != nil {
			return nil, value.WrapError(value.ErrInternal, "load federation table", err)
		}
		meta.Sources = append(meta.Sources, SourceResult{
			Alias:       f.Source.ConnectionAlias,
			Table:       f.Source.Table,
			RowCount:    f.RowCount,
			FetchTimeMs: f.FetchTimeMs,
			RowLimitHit: f.RowLimitHit,
		})
	}

	rewritten := Rewrite(sqlText, fetched)
	if opts.Debug {
		meta.RewrittenSQL = rewritten
	}

	engineStart := time.Now()
	cols, rows, err := engine.Query(ctx, rewritten)
	meta.LocalEngineTimeMs = float64(time.Since(engineStart).Microseconds()) / 1000.0
	meta.TotalTimeMs = float64(time.Since(started).Microseconds()) / 1000.0
	if err != nil {
		return nil, value.WrapError(value.ErrExecution, "execute federated query locally", err)
	}

	return &Result{Columns: cols, Rows: rows, Meta: meta}, nil
}

// ExecuteStream runs Execute and replays the combined result as a
// stream: Columns, then each Row, then Done. Any failure sends a single
// Error event and closes the channel without a Done.
func ExecuteStream(ctx context.Context, sqlText string, aliases map[string]value.SessionId, sessions *session.Manager, opts Options) (<-chan driver.StreamEvent, error) {
	out := make(chan driver.StreamEvent, 64)
	go func() {
		defer close(out)
		res, err := Execute(ctx, sqlText, aliases, sessions, opts)
		if err != nil {
			out <- driver.StreamEvent{Err: err}
			return
		}
		out <- driver.StreamEvent{Columns: res.Columns}
		for _, row := range res.Rows {
			select {
			case out <- driver.StreamEvent{Row: row}:
			case <-ctx.Done():
				out <- driver.StreamEvent{Err: ctx.Err()}
				return
			}
		}
		out <- driver.StreamEvent{Done: true}
	}()
	return out, nil
}

// fetchSources pulls every referenced table with bounded concurrency,
// preserving ref order in the returned slice. The first failure cancels
// the remaining fetches: federation never combines partial sources.
func fetchSources(ctx context.Context, refs []SourceRef, aliases map[string]value.SessionId, sessions *session.Manager, opts Options) ([]SourceFetchResult, []string, error) {
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]SourceFetchResult, len(refs))
	errs := make([]error, len(refs))
	sem := make(chan struct{}, opts.concurrency())
	var wg sync.WaitGroup

	for i, ref := range refs {
		wg.Add(1)
		go func(i int, ref SourceRef) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if fetchCtx.Err() != nil {
				errs[i] = fetchCtx.Err()
				return
			}
			res, err := fetchOne(fetchCtx, ref, i, aliases, sessions, opts)
			if err != nil {
				errs[i] = err
				cancel()
				return
			}
			results[i] = *res
		}(i, ref)
	}
	wg.Wait()

	var firstErr error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if err != context.Canceled {
			return nil, nil, err
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, nil, value.WrapError(value.ErrCancelled, "source fetch cancelled", firstErr)
	}

	var warnings []string
	for _, r := range results {
		if r.RowLimitHit {
			warnings = append(warnings,
				fmt.Sprintf("source %q truncated at %d rows", r.Source.Raw, r.RowCount))
		}
	}
	return results, warnings, nil
}

func fetchOne(ctx context.Context, ref SourceRef, counter int, aliases map[string]value.SessionId, sessions *session.Manager, opts Options) (*SourceFetchResult, error) {
	sid, ok := aliases[strings.ToLower(ref.ConnectionAlias)]
	if !ok {
		return nil, value.NewError(value.ErrNotFound,
			fmt.Sprintf("no connected session aliased %q", ref.ConnectionAlias))
	}
	sess, ok := sessions.Get(sid)
	if !ok {
		return nil, value.NewError(value.ErrNotFound,
			fmt.Sprintf("session for alias %q is no longer connected", ref.ConnectionAlias))
	}

	fetchCtx, cancel := context.WithTimeout(ctx, opts.fetchTimeout())
	defer cancel()

	capRows := opts.rowCap()
	start := time.Now()
	result, err := sess.Driver.Query(fetchCtx, buildFetchQuery(sess.Driver.Id(), ref), nil, capRows+1)
	if err != nil {
		if fetchCtx.Err() == context.DeadlineExceeded {
			return nil, value.WrapError(value.ErrTimeout,
				fmt.Sprintf("fetching %q timed out", ref.Raw), err)
		}
		return nil, err
	}

	// Hard guard: even if the driver interpreted the limit loosely,
	// never load more than the cap into the embedded engine.
	rows := result.Rows
	rowLimitHit := len(rows) > capRows || result.HasMore
	if len(rows) > capRows {
		rows = rows[:capRows]
	}

	return &SourceFetchResult{
		Source:      ref,
		LocalAlias:  ref.LocalAlias(counter),
		Columns:     result.Columns,
		Rows:        rows,
		RowCount:    len(rows),
		FetchTimeMs: float64(time.Since(start).Microseconds()) / 1000.0,
		RowLimitHit: rowLimitHit,
	}, nil
}

func buildFetchQuery(id driver.Id, ref SourceRef) string {
	quote := ident.QuoteDouble
	switch id {
	case driver.MySQL:
		quote = ident.QuoteBacktick
	case driver.MSSQL:
		quote = ident.QuoteBracket
	}
	table := quote(ref.Table)
	if ref.Schema != "" {
		table = quote(ref.Schema) + "." + table
	}
	return "SELECT * FROM " + table
}
