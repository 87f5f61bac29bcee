package interceptor

import (
	"sync"
	"time"

	"github.com/qoreforge/dbgateway/internal/driver"
	"github.com/qoreforge/dbgateway/internal/sqlsafety"
	"github.com/qoreforge/dbgateway/internal/value"
)

// Engine evaluates every statement against the ordered rule pipeline
// (built-ins first, then user rules, first match wins within each
// group) and records audit/profiling data for every execution.
type Engine struct {
	mu        sync.RWMutex
	builtins  []*SafetyRule
	userRules []*SafetyRule
	patterns  *patternCache

	disabled           bool
	prodBlockDangerous bool
	prodRequireConfirm bool

	Audit     *AuditLog
	Profiling *Profiler

	dataDir string
}

func NewEngine(dataDir string, auditCapacity, reservoirSize int) (*Engine, error) {
	e := &Engine{
		builtins:           DefaultBuiltinRules(),
		patterns:           newPatternCache(),
		prodBlockDangerous: true,
		prodRequireConfirm: true,
		Audit:              NewAuditLog(auditCapacity),
		Profiling:          NewProfiler(reservoirSize),
		dataDir:            dataDir,
	}
	state, err := Load(dataDir)
	if err != nil {
		return nil, err
	}
	e.applyPersisted(state)
	return e, nil
}

func (e *Engine) applyPersisted(state PersistedState) {
	e.disabled = state.RulesEngineDisabled
	e.prodBlockDangerous = state.ProdBlockDangerousSQL
	e.prodRequireConfirm = state.ProdRequireConfirm
	for _, b := range e.builtins {
		if v, ok := state.BuiltinRuleOverrides[b.ID]; ok {
			b.Enabled = v
		}
	}
	for i := range state.UserRules {
		r := state.UserRules[i]
		e.userRules = append(e.userRules, &r)
	}
}

func (e *Engine) persistedState() PersistedState {
	overrides := map[string]bool{}
	for _, b := range e.builtins {
		overrides[b.ID] = b.Enabled
	}
	rules := make([]SafetyRule, 0, len(e.userRules))
	for _, r := range e.userRules {
		rules = append(rules, *r)
	}
	return PersistedState{
		RulesEngineDisabled:   e.disabled,
		ProdBlockDangerousSQL: e.prodBlockDangerous,
		ProdRequireConfirm:    e.prodRequireConfirm,
		BuiltinRuleOverrides:  overrides,
		UserRules:             rules,
	}
}

func (e *Engine) save() error {
	return Save(e.dataDir, e.persistedState())
}

// SetBuiltinEnabled toggles a built-in rule's enabled state and persists
// it; a disabled built-in rule never matches. Built-ins cannot be
// edited or removed, only toggled.
func (e *Engine) SetBuiltinEnabled(ruleID string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, b := range e.builtins {
		if b.ID == ruleID {
			b.Enabled = enabled
			return e.save()
		}
	}
	return value.NewError(value.ErrNotFound, "unknown built-in rule")
}

// AddUserRule appends rule after all existing user rules and persists it.
func (e *Engine) AddUserRule(rule SafetyRule) error {
	if err := ValidateUserRule(rule); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range append(e.builtins, e.userRules...) {
		if existing.ID == rule.ID {
			return value.NewError(value.ErrValidation, "a rule with this id already exists")
		}
	}
	r := rule
	e.userRules = append(e.userRules, &r)
	e.patterns.clear()
	return e.save()
}

// UpdateUserRule replaces the user rule with rule.ID in place,
// preserving its evaluation position.
func (e *Engine) UpdateUserRule(rule SafetyRule) error {
	if err := ValidateUserRule(rule); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.userRules {
		if existing.ID == rule.ID {
			r := rule
			e.userRules[i] = &r
			e.patterns.clear()
			return e.save()
		}
	}
	return value.NewError(value.ErrNotFound, "unknown user rule")
}

// RemoveUserRule deletes the user rule with ruleID. Built-in rules
// cannot be removed.
func (e *Engine) RemoveUserRule(ruleID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.userRules {
		if existing.ID == ruleID {
			e.userRules = append(e.userRules[:i], e.userRules[i+1:]...)
			e.patterns.clear()
			return e.save()
		}
	}
	return value.NewError(value.ErrNotFound, "unknown user rule")
}

// Rules returns every rule in evaluation order, built-ins first.
func (e *Engine) Rules() []SafetyRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]SafetyRule, 0, len(e.builtins)+len(e.userRules))
	for _, b := range e.builtins {
		out = append(out, *b)
	}
	for _, r := range e.userRules {
		out = append(out, *r)
	}
	return out
}

// SetRulesEngineDisabled globally disables the entire rule pipeline
// (every statement evaluates to Allow) without discarding rule
// configuration.
func (e *Engine) SetRulesEngineDisabled(disabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disabled = disabled
	return e.save()
}

// ProdBlockDangerous reports whether dangerous statements are blocked
// outright on production connections.
func (e *Engine) ProdBlockDangerous() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.prodBlockDangerous
}

// ProdRequireConfirm reports whether dangerous statements on production
// connections require explicit acknowledgement.
func (e *Engine) ProdRequireConfirm() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.prodRequireConfirm
}

// SafetyConfig is the caller-facing view of the engine's global flags,
// exposed through the get/update safety-config commands.
type SafetyConfig struct {
	RulesEngineDisabled     bool `json:"rules_engine_disabled"`
	ProdBlockDangerousSQL   bool `json:"prod_block_dangerous_sql"`
	ProdRequireConfirmation bool `json:"prod_require_confirmation"`
}

// Config returns a snapshot of the global flags.
func (e *Engine) Config() SafetyConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return SafetyConfig{
		RulesEngineDisabled:     e.disabled,
		ProdBlockDangerousSQL:   e.prodBlockDangerous,
		ProdRequireConfirmation: e.prodRequireConfirm,
	}
}

// SetConfig replaces and persists the global flags.
func (e *Engine) SetConfig(cfg SafetyConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disabled = cfg.RulesEngineDisabled
	e.prodBlockDangerous = cfg.ProdBlockDangerousSQL
	e.prodRequireConfirm = cfg.ProdRequireConfirmation
	return e.save()
}

// Evaluate runs qc through built-in rules first, then user rules,
// returning the first matching rule's verdict, or an Allow verdict if
// nothing matched (or the engine is globally disabled). A Confirm
// verdict is downgraded to Warn when the caller already acknowledged
// the statement.
func (e *Engine) Evaluate(qc QueryContext) Verdict {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.disabled {
		return Verdict{Action: ActionAllow}
	}
	for _, group := range [][]*SafetyRule{e.builtins, e.userRules} {
		for _, r := range group {
			if !r.matches(qc, e.patterns) {
				continue
			}
			v := r.verdict()
			switch v.Action {
			case ActionWarn:
				v.Warning = v.Message
			case ActionConfirm:
				if qc.Acknowledged {
					v.Action = ActionWarn
					v.Warning = v.Message
				}
			}
			return v
		}
	}
	return Verdict{Action: ActionAllow}
}

// RecordExecution appends an audit entry and feeds the profiler. It is
// called for every pipeline outcome: allowed, warned, blocked, failed.
func (e *Engine) RecordExecution(qc QueryContext, verdict Verdict, duration time.Duration, rowsAffected int64, execErr error) {
	blocked := verdict.Action == ActionBlock || verdict.Action == ActionConfirm
	entry := AuditLogEntry{
		Timestamp:       time.Now(),
		SessionID:       qc.SessionID.String(),
		QueryID:         qc.QueryID.String(),
		Driver:          qc.Driver,
		Database:        qc.Database,
		SQL:             qc.SQL,
		QueryPreview:    Preview(qc.SQL),
		Environment:     qc.Environment,
		OperationType:   qc.Classification.Operation,
		Action:          verdict.Action,
		Success:         execErr == nil && !blocked,
		Blocked:         blocked,
		SafetyRule:      verdict.RuleID,
		ExecutionTimeMs: float64(duration.Microseconds()) / 1000.0,
		RowsAffected:    rowsAffected,
	}
	if execErr != nil {
		entry.Error = execErr.Error()
	}
	e.Audit.Append(entry)
	e.Profiling.Observe(entry.OperationType, qc.Environment, entry.ExecutionTimeMs, entry.Success, blocked)
}

// BuildContext classifies sql for dialect d and assembles a
// QueryContext ready for Evaluate.
func BuildContext(sessionID value.SessionId, queryID value.QueryId, driverID string, d sqlsafety.Dialect, sql string, env driver.Environment, readOnly, acknowledged bool) QueryContext {
	return QueryContext{
		SessionID:      sessionID,
		QueryID:        queryID,
		Driver:         driverID,
		SQL:            sql,
		Classification: sqlsafety.Classify(d, sql),
		Environment:    env,
		ReadOnly:       readOnly,
		Acknowledged:   acknowledged,
	}
}
