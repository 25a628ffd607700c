package cmn

import "path/filepath"

// MatchesAny reports whether id matches at least one of patterns using
// shell glob syntax (`*`, `?`); an empty/nil patterns list means "match
// everything". Built on the standard library's path/filepath.Match rather
// than a dedicated glob package since this is the only call site.
func MatchesAny(id string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p == "" || p == "*" {
			return true
		}
		if ok, err := filepath.Match(p, id); err == nil && ok {
			return true
		}
	}
	return false
}
