// Package endpointmatch resolves a (vhost, method, path) triple to an
// endpoint id using exact, then prefix, then regex matching, vhost-scoped
// before global. Grounded on the teacher's internal/router/router.go
// (Select tries matchByHeader/matchByModel/matchByPath/default in
// priority order, same short-circuit shape this component needs).
package endpointmatch

import (
	"regexp"
	"sort"
	"strings"
)

// MatchType reports how an endpoint was resolved.
type MatchType string

const (
	MatchExact  MatchType = "exact"
	MatchPrefix MatchType = "prefix"
	MatchRegex  MatchType = "regex"
	MatchNone   MatchType = "none"
)

// Scope reports whether a match came from the vhost or the global rule set.
type Scope string

const (
	ScopeVhost  Scope = "vhost"
	ScopeGlobal Scope = "global"
)

// Rule is one matching rule attached to an endpoint: an exact path, a
// prefix, or a regex, each with its own method restriction (empty/"*"
// means any method).
type Rule struct {
	EndpointID string
	Kind       MatchType // Exact, Prefix, or Regex
	Pattern    string
	Methods    []string // uppercase; empty means any
	regex      *regexp.Regexp
}

// CompileRule normalizes and (for regex rules) compiles a Rule. Called at
// cache-refresh time, never per-request.
func CompileRule(r Rule) Rule {
	r.Pattern = normalizePath(r.Pattern)
	for i, m := range r.Methods {
		r.Methods[i] = strings.ToUpper(m)
	}
	if r.Kind == MatchRegex {
		r.regex, _ = regexp.Compile(r.Pattern)
	}
	return r
}

func normalizePath(p string) string {
	if p != "/" && strings.HasSuffix(p, "/") {
		return strings.TrimSuffix(p, "/")
	}
	return p
}

func (r Rule) allowsMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	method = strings.ToUpper(method)
	for _, m := range r.Methods {
		if m == "*" || m == method {
			return true
		}
	}
	return false
}

// RuleSet is the compiled, sorted rule collection for one scope (a vhost
// or the global fallback). Building one is done at cache-refresh time;
// Match is the O(exact)+O(prefixes)+O(regexes) per-request path.
type RuleSet struct {
	exact   map[string][]Rule // key: normalized path
	prefix  []Rule            // sorted by pattern length descending
	regexes []Rule            // declared order
}

// NewRuleSet compiles and indexes rules for fast per-request matching.
func NewRuleSet(rules []Rule) *RuleSet {
	rs := &RuleSet{exact: make(map[string][]Rule)}
	for _, raw := range rules {
		r := CompileRule(raw)
		switch r.Kind {
		case MatchExact:
			rs.exact[r.Pattern] = append(rs.exact[r.Pattern], r)
		case MatchPrefix:
			rs.prefix = append(rs.prefix, r)
		case MatchRegex:
			rs.regexes = append(rs.regexes, r)
		}
	}
	sort.SliceStable(rs.prefix, func(i, j int) bool {
		return len(rs.prefix[i].Pattern) > len(rs.prefix[j].Pattern)
	})
	return rs
}

// Match runs the exact -> prefix -> regex sequence against one scope's
// rule set, honoring method restrictions, path then path+"*" for exact.
func (rs *RuleSet) Match(method, path string) (endpointID string, matchType MatchType, ok bool) {
	path = normalizePath(path)

	if rules, found := rs.exact[path]; found {
		for _, r := range rules {
			if r.allowsMethod(method) {
				return r.EndpointID, MatchExact, true
			}
		}
		for _, r := range rules {
			if r.allowsMethod("*") {
				return r.EndpointID, MatchExact, true
			}
		}
	}

	for _, r := range rs.prefix {
		if strings.HasPrefix(path, r.Pattern) && r.allowsMethod(method) {
			return r.EndpointID, MatchPrefix, true
		}
	}

	for _, r := range rs.regexes {
		if r.regex != nil && r.regex.MatchString(path) && r.allowsMethod(method) {
			return r.EndpointID, MatchRegex, true
		}
	}

	return "", MatchNone, false
}

// Matcher holds the compiled rule sets for every vhost plus the global
// fallback, refreshed wholesale on cache invalidation.
type Matcher struct {
	vhosts map[string]*RuleSet
	global *RuleSet
}

// NewMatcher builds a Matcher from per-vhost rule lists and the global
// rule list.
func NewMatcher(vhostRules map[string][]Rule, globalRules []Rule) *Matcher {
	m := &Matcher{vhosts: make(map[string]*RuleSet, len(vhostRules))}
	for vhost, rules := range vhostRules {
		m.vhosts[vhost] = NewRuleSet(rules)
	}
	m.global = NewRuleSet(globalRules)
	return m
}

// Resolve runs the full vhost-then-global, exact-then-prefix-then-regex
// algorithm from the spec.
func (m *Matcher) Resolve(vhostID, method, path string) (endpointID string, matchType MatchType, scope Scope) {
	if rs, ok := m.vhosts[vhostID]; ok {
		if id, mt, found := rs.Match(method, path); found {
			return id, mt, ScopeVhost
		}
	}
	if id, mt, found := m.global.Match(method, path); found {
		return id, mt, ScopeGlobal
	}
	return "", MatchNone, ""
}
