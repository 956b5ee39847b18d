package behavior

import "wardengate/internal/timingtoken"

// FlowDef is the compiled form of waf.Flow: path patterns resolved into
// timingtoken.PathMatch values (regexes compiled once, at registry-build
// time) so per-request matching never compiles a pattern.
type FlowDef struct {
	ID           string
	VhostID      string
	StartPaths   []timingtoken.PathMatch
	EndPaths     []timingtoken.PathMatch
	StartMethods []string
	EndMethods   []string
}

// Registry resolves a request to the behavioral flow it belongs to
// (spec.md §4.8's "flow match": locate the flow whose end_paths/method
// restriction the request satisfies, first match wins). Built once at
// cache-refresh time from the full configured flow set, scoped by vhost
// the same way internal/endpointmatch scopes endpoint rules.
type Registry struct {
	byVhost map[string][]FlowDef
}

// NewRegistry compiles flows into a Registry, grouped by vhost.
func NewRegistry(flows []FlowDef) *Registry {
	r := &Registry{byVhost: make(map[string][]FlowDef)}
	for _, f := range flows {
		r.byVhost[f.VhostID] = append(r.byVhost[f.VhostID], f)
	}
	return r
}

// MatchEnd returns the first flow in vhostID whose end_paths and method
// allowlist the request satisfies — used to attribute a terminal
// decision (a form submission) to its flow for behavioral bucketing.
func (r *Registry) MatchEnd(vhostID, method, path string) (flowID string, ok bool) {
	if r == nil {
		return "", false
	}
	for _, f := range r.byVhost[vhostID] {
		if len(f.EndMethods) > 0 && !timingtoken.ContainsMethod(f.EndMethods, method) {
			continue
		}
		if timingtoken.MatchesAny(f.EndPaths, path) {
			return f.ID, true
		}
	}
	return "", false
}

// MatchStart returns the first flow in vhostID whose start_paths and
// method allowlist the request satisfies — the entry-page visit that
// precedes a later submission matched by MatchEnd.
func (r *Registry) MatchStart(vhostID, method, path string) (flowID string, ok bool) {
	if r == nil {
		return "", false
	}
	for _, f := range r.byVhost[vhostID] {
		if len(f.StartMethods) > 0 && !timingtoken.ContainsMethod(f.StartMethods, method) {
			continue
		}
		if timingtoken.MatchesAny(f.StartPaths, path) {
			return f.ID, true
		}
	}
	return "", false
}

// IDs returns every registered flow id across all vhosts, for the
// leader-only baseline-learning sweep (spec.md §4.8) to iterate over.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	var ids []string
	for _, defs := range r.byVhost {
		for _, f := range defs {
			ids = append(ids, f.ID)
		}
	}
	return ids
}

// CompileFlowDef converts a stored path-mode/pattern-list flow shape into
// a FlowDef with pre-compiled path matchers. mode applies uniformly to
// both StartPaths and EndPaths, matching waf.Flow.PathMatchMode.
func CompileFlowDef(id, vhostID string, startPaths, endPaths []string, mode timingtoken.MatchMode, startMethods, endMethods []string) FlowDef {
	compile := func(patterns []string) []timingtoken.PathMatch {
		out := make([]timingtoken.PathMatch, 0, len(patterns))
		for _, p := range patterns {
			out = append(out, timingtoken.NewPathMatch(p, mode))
		}
		return out
	}
	return FlowDef{
		ID:           id,
		VhostID:      vhostID,
		StartPaths:   compile(startPaths),
		EndPaths:     compile(endPaths),
		StartMethods: startMethods,
		EndMethods:   endMethods,
	}
}
