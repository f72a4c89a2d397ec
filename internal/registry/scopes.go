package registry

import "strings"

// ScopeGranted reports whether any scope in have grants want. "*" grants
// everything and "prefix:*" grants every scope starting with "prefix:".
func ScopeGranted(have []string, want string) bool {
	for _, h := range have {
		if h == want || h == "*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(h, "*"); ok && strings.HasSuffix(prefix, ":") && strings.HasPrefix(want, prefix) {
			return true
		}
	}
	return false
}

// MissingScopes returns the entries of required not granted by have, in order.
func MissingScopes(have, required []string) []string {
	var out []string
	for _, r := range required {
		if !ScopeGranted(have, r) {
			out = append(out, r)
		}
	}
	return out
}
