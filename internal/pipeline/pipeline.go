// Package pipeline orchestrates a single non-federated query through
// the safety interceptor and a session's driver: classify, evaluate
// rules, execute if allowed, record the outcome.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/qoreforge/dbgateway/internal/driver"
	"github.com/qoreforge/dbgateway/internal/interceptor"
	"github.com/qoreforge/dbgateway/internal/queryregistry"
	"github.com/qoreforge/dbgateway/internal/session"
	"github.com/qoreforge/dbgateway/internal/sqlsafety"
	"github.com/qoreforge/dbgateway/internal/value"
)

// Fixed user-visible failure prefixes. The UI classifies a failure by
// prefix match, so these strings are part of the external contract.
const (
	MsgReadOnlyBlocked = "Operation blocked: read-only mode"
	MsgRuleBlocked     = "Query blocked by safety rule: "
	MsgConfirmRequired = "Dangerous query blocked: confirmation required: "
)

// Pipeline wires one Manager/Engine/Registry triple together for the
// lifetime of a gateway process.
type Pipeline struct {
	Sessions *session.Manager
	Safety   *interceptor.Engine
	Queries  *queryregistry.Registry
}

func New(sessions *session.Manager, safety *interceptor.Engine, queries *queryregistry.Registry) *Pipeline {
	return &Pipeline{Sessions: sessions, Safety: safety, Queries: queries}
}

func dialectFor(id driver.Id) sqlsafety.Dialect {
	switch id {
	case driver.Postgres:
		return sqlsafety.Postgres
	case driver.MySQL:
		return sqlsafety.MySQL
	case driver.SQLite:
		return sqlsafety.SQLite
	case driver.DuckDB:
		return sqlsafety.DuckDB
	case driver.MSSQL:
		return sqlsafety.MSSQL
	default:
		return sqlsafety.Postgres
	}
}

// Options control one Execute call.
type Options struct {
	Limit        int
	Acknowledged bool          // the caller confirmed a dangerous statement
	Timeout      time.Duration // zero means no per-call deadline
	QueryID      *value.QueryId
}

// ExecuteResult bundles a pipeline run's driver result with the
// interceptor verdict that gated it.
type ExecuteResult struct {
	Verdict  interceptor.Verdict
	Exec     *driver.ExecResult
	Query    *driver.PaginatedResult
	QueryID  value.QueryId
	Warnings []string
}

func (p *Pipeline) buildContext(sess *session.ActiveSession, queryID value.QueryId, stmt string, acknowledged bool) interceptor.QueryContext {
	qc := interceptor.BuildContext(
		sess.ID, queryID, string(sess.Driver.Id()), dialectFor(sess.Driver.Id()), stmt,
		p.Sessions.Environment(sess.ID), sess.Config.ReadOnly, acknowledged,
	)
	qc.Database = sess.Config.Database
	return qc
}

// gate applies the read-only policy, the rule pipeline, and the
// production dangerous-statement policy to one statement, returning a
// non-nil error when execution must not proceed. The production policy
// is an independent backstop: it holds even when the matching built-in
// rule has been disabled.
func (p *Pipeline) gate(qc interceptor.QueryContext) (interceptor.Verdict, error) {
	if qc.ReadOnly && qc.Classification.IsMutation {
		v := interceptor.Verdict{Action: interceptor.ActionBlock, Message: MsgReadOnlyBlocked}
		return v, value.NewError(value.ErrPolicyBlocked, MsgReadOnlyBlocked)
	}
	verdict := p.Safety.Evaluate(qc)
	switch verdict.Action {
	case interceptor.ActionBlock:
		return verdict, value.NewError(value.ErrPolicyBlocked, MsgRuleBlocked+verdict.Message)
	case interceptor.ActionConfirm:
		return verdict, value.NewError(value.ErrPolicyBlocked, MsgConfirmRequired+verdict.Message)
	}
	if qc.Environment == driver.EnvProduction && qc.Classification.IsDangerous {
		op := qc.Classification.Operation
		if (op == "drop" || op == "truncate") && p.Safety.ProdBlockDangerous() {
			v := interceptor.Verdict{
				Action:  interceptor.ActionBlock,
				Message: "dangerous statement on a production connection",
			}
			return v, value.NewError(value.ErrPolicyBlocked, MsgRuleBlocked+v.Message)
		}
		if p.Safety.ProdRequireConfirm() && !qc.Acknowledged {
			v := interceptor.Verdict{
				Action:  interceptor.ActionConfirm,
				Message: "dangerous statement on a production connection",
			}
			return v, value.NewError(value.ErrPolicyBlocked, MsgConfirmRequired+v.Message)
		}
	}
	return verdict, nil
}

// runWithTimeout executes fn under opts.Timeout; when the deadline
// fires the driver's cancel is invoked best-effort and the caller gets
// a typed timeout error regardless of whether the backend honored it.
func runWithTimeout(ctx context.Context, drv driver.Driver, queryID value.QueryId, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(callCtx)
	if callCtx.Err() == context.DeadlineExceeded {
		cancelCtx, cancelCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancelCancel()
		_ = drv.Cancel(cancelCtx, queryID)
		return value.WrapError(value.ErrTimeout, "query exceeded its deadline", err)
	}
	return err
}

// Execute runs a statement (or a multi-statement script) end to end:
// look up the session, split, classify and gate each statement, run
// the allowed ones sequentially, and record every outcome in the audit
// log and profiling store. For a multi-statement script only the last
// statement's result is returned; a mid-script failure reports the
// 1-based statement index and how many statements succeeded before it.
func (p *Pipeline) Execute(ctx context.Context, sessionID value.SessionId, sql string, opts Options) (*ExecuteResult, error) {
	sess, ok := p.Sessions.Get(sessionID)
	if !ok {
		return nil, value.NewError(value.ErrNotFound, "session not found")
	}

	statements := sqlsafety.SplitStatements(sql)
	if len(statements) == 0 {
		return nil, value.NewError(value.ErrValidation, "empty statement")
	}

	var queryID value.QueryId
	if opts.QueryID != nil {
		if err := p.Queries.IssueWithID(sessionID, *opts.QueryID); err != nil {
			return nil, err
		}
		queryID = *opts.QueryID
	} else {
		queryID = p.Queries.Issue(sessionID)
	}
	defer p.Queries.Forget(queryID)

	// Drivers that support server-side cancel read the query id off the
	// context to register the statement's backend cancel token.
	ctx = value.WithQueryID(ctx, queryID)

	result := &ExecuteResult{QueryID: queryID}
	succeeded := 0

	for i, stmt := range statements {
		qc := p.buildContext(sess, queryID, stmt, opts.Acknowledged)
		verdict, gateErr := p.gate(qc)
		result.Verdict = verdict
		if verdict.Warning != "" {
			result.Warnings = append(result.Warnings, verdict.Warning)
		}
		if gateErr != nil {
			p.Safety.RecordExecution(qc, verdict, 0, 0, nil)
			return result, gateErr
		}

		start := time.Now()
		var execErr error
		var rowsAffected int64

		runErr := runWithTimeout(ctx, sess.Driver, queryID, opts.Timeout, func(callCtx context.Context) error {
			if qc.Classification.ReturnsRows {
				qr, err := sess.Driver.Query(callCtx, stmt, nil, opts.Limit)
				if err != nil {
					return err
				}
				result.Query = qr
				result.Exec = nil
				rowsAffected = int64(len(qr.Rows))
				return nil
			}
			er, err := sess.Driver.Execute(callCtx, stmt, nil)
			if err != nil {
				return err
			}
			result.Exec = er
			result.Query = nil
			rowsAffected = er.RowsAffected
			return nil
		})
		execErr = runErr

		p.Safety.RecordExecution(qc, verdict, time.Since(start), rowsAffected, execErr)

		if execErr != nil {
			if len(statements) > 1 {
				return result, value.WrapError(value.KindOf(execErr),
					fmt.Sprintf("statement %d of %d failed (%d succeeded)", i+1, len(statements), succeeded),
					execErr)
			}
			return result, execErr
		}
		succeeded++
	}

	return result, nil
}

// ExecuteStream runs a single SELECT statement and streams its rows;
// multi-statement scripts are refused outright rather than silently
// falling back to batch execution. An overall timeout wraps the whole
// stream: on expiry the driver's cancel is invoked and a synthetic
// error event terminates the stream.
func (p *Pipeline) ExecuteStream(ctx context.Context, sessionID value.SessionId, sql string, opts Options) (<-chan driver.StreamEvent, value.QueryId, error) {
	sess, ok := p.Sessions.Get(sessionID)
	if !ok {
		return nil, value.QueryId{}, value.NewError(value.ErrNotFound, "session not found")
	}

	statements := sqlsafety.SplitStatements(sql)
	if len(statements) != 1 {
		return nil, value.QueryId{}, value.NewError(value.ErrValidation,
			"streaming requires exactly one statement")
	}

	var queryID value.QueryId
	if opts.QueryID != nil {
		if err := p.Queries.IssueWithID(sessionID, *opts.QueryID); err != nil {
			return nil, value.QueryId{}, err
		}
		queryID = *opts.QueryID
	} else {
		queryID = p.Queries.Issue(sessionID)
	}

	qc := p.buildContext(sess, queryID, sql, opts.Acknowledged)
	verdict, gateErr := p.gate(qc)
	if gateErr != nil {
		p.Safety.RecordExecution(qc, verdict, 0, 0, nil)
		p.Queries.Forget(queryID)
		return nil, queryID, gateErr
	}

	streamCtx := value.WithQueryID(ctx, queryID)
	var cancelStream context.CancelFunc
	if opts.Timeout > 0 {
		streamCtx, cancelStream = context.WithTimeout(streamCtx, opts.Timeout)
	}

	start := time.Now()
	stream, err := sess.Driver.QueryStream(streamCtx, sql, nil)
	if err != nil {
		if cancelStream != nil {
			cancelStream()
		}
		p.Safety.RecordExecution(qc, verdict, time.Since(start), 0, err)
		p.Queries.Forget(queryID)
		return nil, queryID, err
	}

	out := make(chan driver.StreamEvent, 64)
	go func() {
		defer close(out)
		defer p.Queries.Forget(queryID)
		if cancelStream != nil {
			defer cancelStream()
		}
		rowCount := int64(0)
		var streamErr error
		for ev := range stream {
			if ev.Err != nil {
				streamErr = ev.Err
			}
			if ev.Row != nil {
				rowCount++
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				// Receiver is gone: collapse into best-effort cancel and
				// stop forwarding.
				cancelCtx, cancelCancel := context.WithTimeout(context.Background(), 2*time.Second)
				_ = sess.Driver.Cancel(cancelCtx, queryID)
				cancelCancel()
				streamErr = ctx.Err()
				for range stream {
				}
				p.Safety.RecordExecution(qc, verdict, time.Since(start), rowCount, streamErr)
				return
			}
		}
		if streamCtx.Err() == context.DeadlineExceeded && streamErr == nil {
			streamErr = value.NewError(value.ErrTimeout, "stream exceeded its deadline")
			cancelCtx, cancelCancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = sess.Driver.Cancel(cancelCtx, queryID)
			cancelCancel()
			out <- driver.StreamEvent{Err: streamErr}
		}
		p.Safety.RecordExecution(qc, verdict, time.Since(start), rowCount, streamErr)
	}()
	return out, queryID, nil
}

// Cancel cancels a specific query by id, verifying it belongs to a live
// session first. Cancelling an unknown (already finished) id is a
// no-op, keeping cancel idempotent.
func (p *Pipeline) Cancel(ctx context.Context, queryID value.QueryId) error {
	sessionID, ok := p.Queries.Owner(queryID)
	if !ok {
		return nil
	}
	sess, ok := p.Sessions.Get(sessionID)
	if !ok {
		return value.NewError(value.ErrNotFound, "session not found")
	}
	return sess.Driver.Cancel(ctx, queryID)
}

// CancelCurrent cancels the most recently issued query for sessionID.
func (p *Pipeline) CancelCurrent(ctx context.Context, sessionID value.SessionId) error {
	sess, ok := p.Sessions.Get(sessionID)
	if !ok {
		return value.NewError(value.ErrNotFound, "session not found")
	}
	queryID, ok := p.Queries.LastIssued(sessionID)
	if !ok {
		return value.NewError(value.ErrNotFound, "no query to cancel")
	}
	return sess.Driver.Cancel(ctx, queryID)
}
