// Package normalize canonicalizes ingredient names for matching.
package normalize

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Name folds case, applies NFKC compatibility normalization, trims and
// collapses inner whitespace. An empty result means the input carried no
// usable name.
func Name(s string) string {
	// cases.Caser is stateful, so one is created per call.
	folded := cases.Fold().String(norm.NFKC.String(s))
	return strings.Join(strings.Fields(folded), " ")
}

// Contains reports whether either normalized name contains the other.
// Empty names never match.
func Contains(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// ContainsAny reports whether name matches any of the candidates by
// containment.
func ContainsAny(name string, candidates []string) bool {
	for _, c := range candidates {
		if Contains(name, c) {
			return true
		}
	}
	return false
}
