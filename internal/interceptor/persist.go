package interceptor

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/qoreforge/dbgateway/internal/value"
)

// PersistedState is the on-disk shape of interceptor.json: built-in
// rule enabled overrides, user-defined rules, and the global policy
// flags, adapted from this gateway's reference JSON-config
// read-modify-write pattern (load whole file, mutate, marshal-indent,
// atomic rename-based write).
type PersistedState struct {
	RulesEngineDisabled   bool            `json:"rules_engine_disabled"`
	ProdBlockDangerousSQL bool            `json:"prod_block_dangerous_sql"`
	ProdRequireConfirm    bool            `json:"prod_require_confirmation"`
	BuiltinRuleOverrides  map[string]bool `json:"builtin_rule_overrides"`
	UserRules             []SafetyRule    `json:"user_rules"`
}

func DefaultPersistedState() PersistedState {
	return PersistedState{
		ProdBlockDangerousSQL: true,
		ProdRequireConfirm:    true,
		BuiltinRuleOverrides:  map[string]bool{},
	}
}

// Path returns <dataDir>/interceptor.json.
func Path(dataDir string) string {
	return filepath.Join(dataDir, "interceptor.json")
}

// Load reads interceptor.json, returning DefaultPersistedState when the
// file does not yet exist.
func Load(dataDir string) (PersistedState, error) {
	path := Path(dataDir)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultPersistedState(), nil
	}
	if err != nil {
		return PersistedState{}, value.WrapError(value.ErrInternal, "read interceptor state", err)
	}
	var state PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return PersistedState{}, value.WrapError(value.ErrInternal, "parse interceptor state", err)
	}
	if state.BuiltinRuleOverrides == nil {
		state.BuiltinRuleOverrides = map[string]bool{}
	}
	return state, nil
}

// Save writes state to interceptor.json atomically: write to a temp
// file in the same directory, then rename over the target, guarded by
// an flock so two gateway processes never interleave writes.
func Save(dataDir string, state PersistedState) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return value.WrapError(value.ErrInternal, "create data directory", err)
	}
	path := Path(dataDir)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return value.WrapError(value.ErrInternal, "acquire interceptor state lock", err)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return value.WrapError(value.ErrInternal, "encode interceptor state", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return value.WrapError(value.ErrInternal, "write interceptor state", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return value.WrapError(value.ErrInternal, "commit interceptor state", err)
	}
	return nil
}
