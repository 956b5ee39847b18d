// Package defenseline implements the defense-line executor (C11): resolve
// a line's signature ids in priority order, deep-copy-and-merge each
// signature's matching section into the target profile's defense nodes,
// execute the resulting profile, and stop at the first signature whose
// merged evaluation blocks. Grounded on the teacher's
// internal/policy.Engine.recordViolations accumulation pattern,
// generalized from "accumulate violations from one rule set" to
// "re-run the graph once per overlay, short-circuiting on block."
package defenseline

import (
	"context"
	"fmt"

	"wardengate/internal/engine"
	"wardengate/internal/signature"
	"wardengate/internal/waf"
)

// Result is one defense line's outcome across the base profile run and
// every applied signature overlay: Score is the highest score seen, and
// Exec is the first blocking run, or the base run when none blocks.
type Result struct {
	Blocked     bool
	Score       float64
	BlockedAt   string // "" when nothing blocked, "base" for the unmodified profile, else "line:<signature id>"
	Diagnostics []string
	Exec        engine.ExecResult
}

// Execute runs profile p once unmodified, then once per resolved
// signature id in priority order with that signature's sections merged
// into each matching defense node's config, stopping at the first run
// whose action is ActionBlock. lineIndex is this line's 1-based position
// in the endpoint's defense-line list; every diagnostic this call
// produces is prefixed `line{lineIndex}:` per spec.md §4.5 point 5.
func Execute(ctx context.Context, sigStore *signature.Store, p waf.Profile, signatureIDs []string, lineIndex int, req *engine.Request, deps *engine.Dependencies) Result {
	prefix := fmt.Sprintf("line%d:", lineIndex)

	base := engine.Execute(ctx, p, req, deps)
	if base.Action == waf.ActionBlock {
		return Result{Blocked: true, Score: base.Score, BlockedAt: "base", Diagnostics: prefixDiagnostics(prefix, base.Diagnostics), Exec: base}
	}

	sigs, warnings := sigStore.ResolveOrdered(ctx, signatureIDs)
	diags := prefixDiagnostics(prefix, base.Diagnostics)
	diags = append(diags, prefixDiagnostics(prefix, warnings)...)
	result := Result{Score: base.Score, Diagnostics: diags, Exec: base}

	for _, sig := range sigs {
		overlaid := overlayProfile(p, sig)
		exec := engine.Execute(ctx, overlaid, req, deps)
		result.Diagnostics = append(result.Diagnostics, prefixDiagnostics(prefix, exec.Diagnostics)...)
		if exec.Score > result.Score {
			result.Score = exec.Score
		}
		if exec.Action == waf.ActionBlock {
			result.Blocked = true
			result.BlockedAt = fmt.Sprintf("line:%s", sig.ID)
			result.Exec = exec
			return result
		}
	}

	return result
}

// prefixDiagnostics returns a copy of diags with prefix prepended to each
// entry.
func prefixDiagnostics(prefix string, diags []string) []string {
	if len(diags) == 0 {
		return nil
	}
	out := make([]string, len(diags))
	for i, d := range diags {
		out[i] = prefix + d
	}
	return out
}

// overlayProfile returns a copy of p whose defense nodes have sig's
// matching section merged in via waf.MergeDefenseConfig. Only nodes are
// copied (graph topology is immutable); a node with no matching section
// passes through unchanged (the same *waf.Node pointer is fine to share
// since nothing mutates it in place).
func overlayProfile(p waf.Profile, sig waf.Signature) waf.Profile {
	if !sigHasMatch(p, sig) {
		return p
	}

	newNodes := make(map[string]*waf.Node, len(p.Graph.Nodes))
	for id, n := range p.Graph.Nodes {
		if n.Kind != waf.NodeDefense {
			newNodes[id] = n
			continue
		}
		overlay, has := sig.Sections[n.DefenseKind]
		if !has {
			newNodes[id] = n
			continue
		}
		merged := *n
		merged.Config = waf.MergeDefenseConfig(n.Config, overlay)
		merged.Config.HasSignatures = true
		merged.Config.SignaturePatterns = &overlay
		newNodes[id] = &merged
	}

	return waf.Profile{
		ID:       p.ID,
		Version:  p.Version,
		Settings: p.Settings,
		Graph:    waf.Graph{StartNodeID: p.Graph.StartNodeID, Nodes: newNodes},
	}
}

// sigHasMatch reports whether sig has any section matching a defense kind
// present in p's graph, to skip a full node-copy pass for signatures that
// cannot possibly apply.
func sigHasMatch(p waf.Profile, sig waf.Signature) bool {
	for _, n := range p.Graph.Nodes {
		if n.Kind != waf.NodeDefense {
			continue
		}
		if _, ok := sig.Sections[n.DefenseKind]; ok {
			return true
		}
	}
	return false
}
