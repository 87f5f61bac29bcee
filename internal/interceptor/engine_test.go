package interceptor

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qoreforge/dbgateway/internal/driver"
	"github.com/qoreforge/dbgateway/internal/sqlsafety"
	"github.com/qoreforge/dbgateway/internal/value"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir, err := os.MkdirTemp("", "interceptor-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	e, err := NewEngine(dir, 10, 10)
	require.NoError(t, err)
	return e
}

func ctxFor(sql string, env driver.Environment) QueryContext {
	return BuildContext(value.NewSessionId(), value.NewQueryId(), "postgres", sqlsafety.Postgres, sql, env, false, false)
}

func TestDropBlockedInProduction(t *testing.T) {
	e := newTestEngine(t)
	v := e.Evaluate(ctxFor("DROP TABLE users", driver.EnvProduction))
	require.Equal(t, ActionBlock, v.Action)
	require.Equal(t, "builtin_block_drop_production", v.RuleID)
}

func TestDropAllowedInDevelopment(t *testing.T) {
	e := newTestEngine(t)
	v := e.Evaluate(ctxFor("DROP TABLE users", driver.EnvDevelopment))
	require.Equal(t, ActionAllow, v.Action)
}

func TestTruncateBlockedInProduction(t *testing.T) {
	e := newTestEngine(t)
	v := e.Evaluate(ctxFor("TRUNCATE users", driver.EnvProduction))
	require.Equal(t, ActionBlock, v.Action)
	require.Equal(t, "builtin_block_truncate_production", v.RuleID)
}

func TestDeleteInProductionRequiresConfirmation(t *testing.T) {
	e := newTestEngine(t)
	v := e.Evaluate(ctxFor("DELETE FROM users WHERE id = 1", driver.EnvProduction))
	require.Equal(t, ActionConfirm, v.Action)
	require.Equal(t, "builtin_confirm_delete_production", v.RuleID)
}

func TestAcknowledgedConfirmationDowngradesToWarning(t *testing.T) {
	e := newTestEngine(t)
	qc := ctxFor("DELETE FROM users WHERE id = 1", driver.EnvProduction)
	qc.Acknowledged = true
	v := e.Evaluate(qc)
	require.Equal(t, ActionWarn, v.Action)
	require.NotEmpty(t, v.Warning)
	require.True(t, v.Allowed())
}

func TestUpdateWithoutWhereConfirmsInStaging(t *testing.T) {
	e := newTestEngine(t)
	v := e.Evaluate(ctxFor("UPDATE users SET active = false", driver.EnvStaging))
	require.Equal(t, ActionConfirm, v.Action)
	require.Equal(t, "builtin_confirm_update_no_where", v.RuleID)

	withWhere := e.Evaluate(ctxFor("UPDATE users SET active = false WHERE id = 1", driver.EnvStaging))
	require.Equal(t, ActionAllow, withWhere.Action)
}

func TestAlterWarnsInProduction(t *testing.T) {
	e := newTestEngine(t)
	v := e.Evaluate(ctxFor("ALTER TABLE users ADD COLUMN age int", driver.EnvProduction))
	require.Equal(t, ActionWarn, v.Action)
	require.True(t, v.Allowed())
}

func TestDisabledBuiltinRuleSurvivesReload(t *testing.T) {
	dir, err := os.MkdirTemp("", "interceptor-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	e1, err := NewEngine(dir, 10, 10)
	require.NoError(t, err)
	require.NoError(t, e1.SetBuiltinEnabled("builtin_block_drop_production", false))

	e2, err := NewEngine(dir, 10, 10)
	require.NoError(t, err)

	v := e2.Evaluate(ctxFor("DROP TABLE users", driver.EnvProduction))
	require.Equal(t, ActionAllow, v.Action)
}

func TestBuiltinRulesAlwaysPresentAfterReload(t *testing.T) {
	dir, err := os.MkdirTemp("", "interceptor-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	e1, err := NewEngine(dir, 10, 10)
	require.NoError(t, err)
	require.NoError(t, e1.SetBuiltinEnabled("builtin_warn_alter_production", false))

	e2, err := NewEngine(dir, 10, 10)
	require.NoError(t, err)
	rules := e2.Rules()
	require.Len(t, rules, len(DefaultBuiltinRules()))
	for _, r := range rules {
		require.True(t, r.BuiltIn)
	}
}

func TestUserRulePatternMatches(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddUserRule(SafetyRule{
		ID:          "no_payments_table",
		Name:        "Block payments access",
		Description: "direct access to payments is forbidden",
		Enabled:     true,
		Action:      ActionBlock,
		Pattern:     `\bpayments\b`,
	}))

	v := e.Evaluate(ctxFor("SELECT * FROM payments", driver.EnvDevelopment))
	require.Equal(t, ActionBlock, v.Action)
	require.Equal(t, "no_payments_table", v.RuleID)

	other := e.Evaluate(ctxFor("SELECT * FROM users", driver.EnvDevelopment))
	require.Equal(t, ActionAllow, other.Action)
}

func TestBuiltinsEvaluateBeforeUserRules(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddUserRule(SafetyRule{
		ID:      "warn_everything",
		Enabled: true,
		Action:  ActionWarn,
	}))
	v := e.Evaluate(ctxFor("DROP TABLE users", driver.EnvProduction))
	require.Equal(t, ActionBlock, v.Action)
	require.Equal(t, "builtin_block_drop_production", v.RuleID)
}

func TestUserRuleLifecycle(t *testing.T) {
	e := newTestEngine(t)
	rule := SafetyRule{ID: "r1", Enabled: true, Action: ActionWarn, Pattern: "legacy_table"}
	require.NoError(t, e.AddUserRule(rule))
	require.Error(t, e.AddUserRule(rule)) // duplicate id

	rule.Action = ActionBlock
	require.NoError(t, e.UpdateUserRule(rule))
	v := e.Evaluate(ctxFor("SELECT * FROM legacy_table", driver.EnvDevelopment))
	require.Equal(t, ActionBlock, v.Action)

	require.NoError(t, e.RemoveUserRule("r1"))
	v = e.Evaluate(ctxFor("SELECT * FROM legacy_table", driver.EnvDevelopment))
	require.Equal(t, ActionAllow, v.Action)
}

func TestInvalidUserRulePatternRejected(t *testing.T) {
	e := newTestEngine(t)
	err := e.AddUserRule(SafetyRule{ID: "bad", Enabled: true, Action: ActionBlock, Pattern: "("})
	require.Error(t, err)
}

func TestDisabledRuleNeverBlocks(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SetBuiltinEnabled("builtin_block_drop_production", false))
	v := e.Evaluate(ctxFor("DROP TABLE users", driver.EnvProduction))
	require.Equal(t, ActionAllow, v.Action)
}

func TestGloballyDisabledEngineAllowsEverything(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SetRulesEngineDisabled(true))
	v := e.Evaluate(ctxFor("DROP TABLE users", driver.EnvProduction))
	require.Equal(t, ActionAllow, v.Action)
}

func TestRecordExecutionWritesAuditAndProfiling(t *testing.T) {
	e := newTestEngine(t)
	qc := ctxFor("SELECT * FROM users", driver.EnvStaging)
	e.RecordExecution(qc, Verdict{Action: ActionAllow}, 25*time.Millisecond, 10, nil)
	e.RecordExecution(qc, Verdict{Action: ActionAllow}, 5*time.Millisecond, 0, errors.New("boom"))

	entries := e.Audit.All()
	require.Len(t, entries, 2)
	require.True(t, entries[0].Success)
	require.False(t, entries[1].Success)
	require.Equal(t, "select", entries[0].OperationType)
	require.Equal(t, driver.EnvStaging, entries[0].Environment)

	m := e.Profiling.Snapshot()
	require.Equal(t, int64(2), m.Count)
	require.Equal(t, int64(1), m.Success)
	require.Equal(t, int64(1), m.Failed)
	require.Equal(t, int64(2), m.ByOperation["select"])
}

func TestAuditPreviewTruncated(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	preview := Preview(string(long))
	require.Len(t, []rune(preview), 101)
}

func TestAuditLogRingBufferBounded(t *testing.T) {
	log := NewAuditLog(3)
	for i := 0; i < 5; i++ {
		log.Append(AuditLogEntry{SQL: "SELECT 1"})
	}
	require.Len(t, log.All(), 3)
}

func TestAuditQueryFilters(t *testing.T) {
	log := NewAuditLog(10)
	log.Append(AuditLogEntry{SessionID: "a", OperationType: "select", Success: true})
	log.Append(AuditLogEntry{SessionID: "b", OperationType: "drop", Blocked: true})
	log.Append(AuditLogEntry{SessionID: "a", OperationType: "delete", Success: true})

	bySession := log.Query(AuditFilter{SessionID: "a"})
	require.Len(t, bySession, 2)

	blocked := log.Query(AuditFilter{BlockedOnly: true})
	require.Len(t, blocked, 1)
	require.Equal(t, "drop", blocked[0].OperationType)
}

func TestProfilerPercentiles(t *testing.T) {
	p := NewProfiler(100)
	for i := 1; i <= 100; i++ {
		p.Observe("select", driver.EnvDevelopment, float64(i), true, false)
	}
	snap := p.Snapshot()
	require.Equal(t, int64(100), snap.Count)
	require.InDelta(t, 50, snap.P50Ms, 5)
	require.InDelta(t, 95, snap.P95Ms, 5)
	require.Equal(t, float64(1), snap.MinMs)
	require.Equal(t, float64(100), snap.MaxMs)
}

func TestBlockedStatementsCountedWithoutLatencySample(t *testing.T) {
	p := NewProfiler(10)
	p.Observe("drop", driver.EnvProduction, 0, false, true)
	snap := p.Snapshot()
	require.Equal(t, int64(1), snap.Blocked)
	require.Equal(t, int64(0), snap.Success)
	require.Equal(t, float64(0), snap.P99Ms)
}

func TestSafetyConfigRoundTripsThroughPersistence(t *testing.T) {
	dir, err := os.MkdirTemp("", "interceptor-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	e1, err := NewEngine(dir, 10, 10)
	require.NoError(t, err)
	require.NoError(t, e1.SetConfig(SafetyConfig{
		RulesEngineDisabled:     false,
		ProdBlockDangerousSQL:   false,
		ProdRequireConfirmation: true,
	}))

	e2, err := NewEngine(dir, 10, 10)
	require.NoError(t, err)
	cfg := e2.Config()
	require.False(t, cfg.RulesEngineDisabled)
	require.False(t, cfg.ProdBlockDangerousSQL)
	require.True(t, cfg.ProdRequireConfirmation)
	require.False(t, e2.ProdBlockDangerous())
	require.True(t, e2.ProdRequireConfirm())
}
