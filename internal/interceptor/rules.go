package interceptor

import (
	"regexp"
	"strings"
	"sync"

	"github.com/qoreforge/dbgateway/internal/driver"
	"github.com/qoreforge/dbgateway/internal/value"
)

// SafetyRule is one rule in the interceptor pipeline. Built-in rules
// ship with the gateway and are immutable apart from Enabled; user
// rules are fully mutable through the command surface. Evaluation
// order: built-ins first, then user rules, insertion order within each
// group, first match wins.
type SafetyRule struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Description  string               `json:"description"`
	Enabled      bool                 `json:"enabled"`
	Environments []driver.Environment `json:"environments"`
	Operations   []string             `json:"operations"`
	Action       Action               `json:"action"`
	Pattern      string               `json:"pattern,omitempty"` // case-insensitive regex over the statement text
	BuiltIn      bool                 `json:"builtin"`

	// matchFn lets built-in rules express conditions a regex cannot
	// (Go's regexp has no lookahead, so "lacks a WHERE clause" uses the
	// classifier instead of a pattern). Nil for user rules.
	matchFn func(qc QueryContext) bool
}

// patternCache compiles each rule pattern once; cleared whenever the
// rule set mutates.
type patternCache struct {
	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

func newPatternCache() *patternCache {
	return &patternCache{cache: make(map[string]*regexp.Regexp)}
}

func (p *patternCache) get(pattern string) (*regexp.Regexp, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if re, ok := p.cache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile("(?is)" + pattern)
	if err != nil {
		return nil, err
	}
	p.cache[pattern] = re
	return re, nil
}

func (p *patternCache) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]*regexp.Regexp)
}

// matches applies the rule's filters in order: enabled, environment,
// operation set, then pattern (or the built-in match function).
func (r *SafetyRule) matches(qc QueryContext, patterns *patternCache) bool {
	if !r.Enabled {
		return false
	}
	if len(r.Environments) > 0 && !containsEnv(r.Environments, qc.Environment) {
		return false
	}
	if len(r.Operations) > 0 && !containsString(r.Operations, qc.Classification.Operation) {
		return false
	}
	if r.matchFn != nil {
		return r.matchFn(qc)
	}
	if r.Pattern != "" {
		re, err := patterns.get(r.Pattern)
		if err != nil {
			// A malformed user pattern never matches; it is reported at
			// rule-save time, not on the query hot path.
			return false
		}
		return re.MatchString(qc.SQL)
	}
	return true
}

func (r *SafetyRule) verdict() Verdict {
	return Verdict{Action: r.Action, RuleID: r.ID, Message: r.Description}
}

func containsEnv(envs []driver.Environment, e driver.Environment) bool {
	for _, v := range envs {
		if v == e {
			return true
		}
	}
	return false
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func lacksWhere(qc QueryContext) bool {
	return !qc.Classification.HasWhere
}

// DefaultBuiltinRules returns the gateway's shipped rules in their
// fixed evaluation order. These are advisory, lexical checks: an
// UPDATE...FROM or CTE-qualified statement can misclassify, so the
// confirmation rules exist to slow a hand down, not to prove safety.
func DefaultBuiltinRules() []*SafetyRule {
	prod := []driver.Environment{driver.EnvProduction}
	prodStaging := []driver.Environment{driver.EnvProduction, driver.EnvStaging}
	return []*SafetyRule{
		{
			ID:           "builtin_block_drop_production",
			Name:         "Block DROP in Production",
			Description:  "DROP statements are blocked on production connections",
			Enabled:      true,
			Environments: prod,
			Operations:   []string{"drop"},
			Action:       ActionBlock,
			BuiltIn:      true,
		},
		{
			ID:           "builtin_block_truncate_production",
			Name:         "Block TRUNCATE in Production",
			Description:  "TRUNCATE statements are blocked on production connections",
			Enabled:      true,
			Environments: prod,
			Operations:   []string{"truncate"},
			Action:       ActionBlock,
			BuiltIn:      true,
		},
		{
			ID:           "builtin_confirm_delete_production",
			Name:         "Confirm DELETE in Production",
			Description:  "DELETE on a production connection requires confirmation",
			Enabled:      true,
			Environments: prod,
			Operations:   []string{"delete"},
			Action:       ActionConfirm,
			BuiltIn:      true,
		},
		{
			ID:           "builtin_confirm_update_no_where",
			Name:         "Confirm UPDATE without WHERE",
			Description:  "UPDATE without a WHERE clause affects every row",
			Enabled:      true,
			Environments: prodStaging,
			Operations:   []string{"update"},
			Action:       ActionConfirm,
			BuiltIn:      true,
			matchFn:      lacksWhere,
		},
		{
			ID:           "builtin_confirm_delete_no_where",
			Name:         "Confirm DELETE without WHERE",
			Description:  "DELETE without a WHERE clause affects every row",
			Enabled:      true,
			Environments: prodStaging,
			Operations:   []string{"delete"},
			Action:       ActionConfirm,
			BuiltIn:      true,
			matchFn:      lacksWhere,
		},
		{
			ID:           "builtin_warn_alter_production",
			Name:         "Warn ALTER in Production",
			Description:  "ALTER on a production connection",
			Enabled:      true,
			Environments: prod,
			Operations:   []string{"alter"},
			Action:       ActionWarn,
			BuiltIn:      true,
		},
	}
}

// ValidateUserRule rejects rules the engine cannot evaluate: empty id,
// claiming built-in status, or an uncompilable pattern.
func ValidateUserRule(rule SafetyRule) error {
	if strings.TrimSpace(rule.ID) == "" {
		return value.NewError(value.ErrValidation, "safety rule id must not be empty")
	}
	if rule.BuiltIn {
		return value.NewError(value.ErrValidation, "user rules cannot be marked built-in")
	}
	if rule.Pattern != "" {
		if _, err := regexp.Compile("(?is)" + rule.Pattern); err != nil {
			return value.WrapError(value.ErrValidation, "safety rule pattern does not compile", err)
		}
	}
	return nil
}
