package federation

import "strings"

// Rewrite replaces every occurrence of each source's raw dotted path
// with its synthetic local alias in sql, returning the rewritten
// statement. Replacement is textual, matching the textual detection
// pass; by construction every replaced string is a unique dotted path
// so this cannot rewrite unrelated text.
func Rewrite(sql string, sources []SourceFetchResult) string {
	out := sql
	for _, s := range sources {
		out = strings.ReplaceAll(out, s.Source.Raw, s.LocalAlias)
	}
	return out
}

// ContainsAnyRawReference reports whether rewritten still mentions any
// original dotted alias, used by tests/debug tooling to assert the
// rewrite pass fully removed cross-connection references before local
// execution.
func ContainsAnyRawReference(rewritten string, sources []SourceFetchResult) bool {
	for _, s := range sources {
		if strings.Contains(rewritten, s.Source.Raw) {
			return true
		}
	}
	return false
}
