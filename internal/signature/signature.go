// Package signature provides the static matchers consulted before any
// execution. A match forces at least a Malicious verdict.
package signature

import (
	"sort"
)

// Matcher reports whether content is a known-bad sample and which rules hit.
type Matcher interface {
	Match(content []byte) (bool, []string)
}

// Multi matches if any member matches. Rule names are merged and sorted.
type Multi []Matcher

func (m Multi) Match(content []byte) (bool, []string) {
	matched := false
	seen := make(map[string]struct{})
	for _, x := range m {
		if x == nil {
			continue
		}
		ok, rules := x.Match(content)
		matched = matched || ok
		for _, r := range rules {
			seen[r] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return matched, nil
	}
	rules := make([]string, 0, len(seen))
	for r := range seen {
		rules = append(rules, r)
	}
	sort.Strings(rules)
	return matched, rules
}

// None never matches.
type None struct{}

func (None) Match([]byte) (bool, []string) { return false, nil }
