// Package pattern implements the subscription pattern rule shared by the
// event bus and the shared state store.
//
// A pattern matches a subject when it is empty, when it is "*", when it is
// equal to the subject, or when it ends in "*" and the subject starts with
// everything before the star. No other wildcard forms exist.
package pattern

import "strings"

// Match reports whether subject satisfies pattern.
func Match(pattern, subject string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(subject, prefix)
	}
	return pattern == subject
}
