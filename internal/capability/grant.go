// Package capability mints and verifies the scoped tokens that gate
// what a run, or any code acting on its behalf, may access at a proxy
// boundary. Tokens are narrow by construction: minting can only narrow
// the issuer's own rights, and every privileged call re-presents and
// re-verifies a token because a suspended run can outlive any session.
package capability

import "strings"

// Resource kinds a grant may cover.
const (
	KindLLM      = "llm"
	KindFiles    = "files"
	KindTools    = "tools"
	KindContexts = "contexts"
	KindVector   = "vector"
)

// Grant maps a resource kind to allowed verb patterns. "*" matches any
// verb.
type Grant map[string][]string

// Allows reports whether the grant permits verb on kind.
func (g Grant) Allows(kind, verb string) bool {
	verbs, ok := g[kind]
	if !ok {
		return false
	}
	for _, pattern := range verbs {
		if pattern == "*" || strings.EqualFold(pattern, verb) {
			return true
		}
	}
	return false
}

// SubsetOf reports whether every permission in g is also held by outer.
// A requested "*" verb requires outer to hold "*" for that kind.
func (g Grant) SubsetOf(outer Grant) bool {
	for kind, verbs := range g {
		for _, verb := range verbs {
			if verb == "*" {
				// Wildcard only narrows from wildcard.
				if !containsWildcard(outer[kind]) {
					return false
				}
				continue
			}
			if !outer.Allows(kind, verb) {
				return false
			}
		}
	}
	return true
}

// Clone returns an independent copy of the grant.
func (g Grant) Clone() Grant {
	if g == nil {
		return nil
	}
	out := make(Grant, len(g))
	for kind, verbs := range g {
		out[kind] = append([]string(nil), verbs...)
	}
	return out
}

func containsWildcard(verbs []string) bool {
	for _, v := range verbs {
		if v == "*" {
			return true
		}
	}
	return false
}
