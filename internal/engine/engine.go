package engine

import (
	"context"
	"fmt"
	"time"

	"wardengate/internal/waf"
)

// ExecResult is the defense-profile executor's terminal verdict.
type ExecResult struct {
	Action       waf.ActionKind
	Score        float64
	DelaySeconds float64
	ThenAction   waf.ActionKind
	StatusCode   int
	Body         string
	Diagnostics  []string
	FailedOpen   bool
}

// maxSteps bounds a single execution even when the cycle guard somehow
// misses a pathological graph (e.g. two nodes flip-flopping through
// distinct-looking but equivalent states) — a hard backstop, not the
// primary cycle defense.
const maxSteps = 10000

// Execute walks g from its start node to a terminal action node,
// evaluating defense and operator nodes along the way. Any internal
// failure (missing node, cycle, execution-time budget exceeded, detector
// error) fails open: Execute returns ActionAllow with FailedOpen set and
// a diagnostic describing why, per the fail-open error-handling policy —
// a broken profile must never itself become an outage.
func Execute(ctx context.Context, p waf.Profile, req *Request, deps *Dependencies) ExecResult {
	budget := time.Duration(p.Settings.MaxExecutionTimeMS) * time.Millisecond
	if budget <= 0 {
		budget = 50 * time.Millisecond
	}
	deadline := time.Now().Add(budget)

	start, ok := p.Graph.Nodes[p.Graph.StartNodeID]
	if !ok || start.Kind != waf.NodeStart {
		return failOpen("profile %s: start node %q missing or invalid", p.ID, p.Graph.StartNodeID)
	}

	scoreSlots := make(map[string]float64)
	boolSlots := make(map[string]bool)
	var diagnostics []string
	var carry float64

	visited := make(map[string]int)
	currentID := start.StartNext

	for step := 0; ; step++ {
		if step > maxSteps {
			return failOpen("profile %s: exceeded max step count", p.ID)
		}
		if time.Now().After(deadline) {
			return failOpen("profile %s: execution time budget exceeded", p.ID)
		}
		select {
		case <-ctx.Done():
			return failOpen("profile %s: context cancelled", p.ID)
		default:
		}

		if currentID == "" {
			return failOpen("profile %s: reached empty node reference", p.ID)
		}
		visited[currentID]++
		if visited[currentID] > 1 {
			return failOpen("profile %s: cycle detected at node %q", p.ID, currentID)
		}

		node, ok := p.Graph.Nodes[currentID]
		if !ok {
			return failOpen("profile %s: node %q not found", p.ID, currentID)
		}

		switch node.Kind {
		case waf.NodeDefense:
			det := evaluateDefense(ctx, node.DefenseKind, node.Config, req, deps)
			diagnostics = append(diagnostics, det.Diagnostics...)

			decision, appliedScore := applyOutputMode(node.Config.OutputMode, det.Blocked, det.Allowed, det.Score)

			slot := node.ScoreSlot
			if slot == "" {
				slot = node.ID
			}
			if node.Config.OutputMode == waf.OutputScore || node.Config.OutputMode == waf.OutputBoth || node.Config.OutputMode == "" {
				scoreSlots[slot] += appliedScore
			}
			if node.Config.OutputMode == waf.OutputBinary || node.Config.OutputMode == waf.OutputBoth {
				boolSlots[node.ID] = det.Blocked
			}

			switch decision {
			case "blocked":
				currentID = node.BlockedOutput
			case "allowed":
				currentID = node.AllowedOutput
			default:
				currentID = node.ContinueOutput
			}

		case waf.NodeOperator:
			switch node.OperatorKind {
			case waf.OperatorSum:
				total := 0.0
				for _, in := range node.SumInputs {
					total += scoreSlots[in]
				}
				carry = total
				currentID = node.OperatorNext

			case waf.OperatorThresholdBranch:
				next := node.DefaultOutput
				for _, r := range node.Ranges {
					if r.Contains(carry) {
						next = r.Output
						break
					}
				}
				currentID = next

			case waf.OperatorAnd, waf.OperatorOr:
				result := node.OperatorKind == waf.OperatorAnd
				any := false
				for _, in := range node.BoolInputs {
					v := boolSlots[in]
					any = any || v
					if node.OperatorKind == waf.OperatorAnd {
						result = result && v
					}
				}
				if node.OperatorKind == waf.OperatorOr {
					result = any
				}
				if result {
					currentID = node.TrueOutput
				} else {
					currentID = node.FalseOutput
				}

			default:
				return failOpen("profile %s: unknown operator kind %q at node %q", p.ID, node.OperatorKind, node.ID)
			}

		case waf.NodeAction:
			return ExecResult{
				Action:       node.ActionKind,
				Score:        carry,
				DelaySeconds: node.DelaySeconds,
				ThenAction:   node.ThenAction,
				StatusCode:   node.StatusCode,
				Body:         node.Body,
				Diagnostics:  diagnostics,
			}

		default:
			return failOpen("profile %s: unknown node kind %q at node %q", p.ID, node.Kind, node.ID)
		}
	}
}

// applyOutputMode turns a detector's raw (blocked, allowed, score) result
// into a graph-transition decision plus the score actually applied,
// honoring the node's configured OutputMode. An allowed verdict always
// short-circuits regardless of mode — it represents an explicit bypass
// (e.g. an allowlisted IP), not a scored signal.
func applyOutputMode(mode waf.OutputMode, blocked, allowed bool, score float64) (decision string, appliedScore float64) {
	if allowed {
		return "allowed", 0
	}
	switch mode {
	case waf.OutputScore:
		return "continue", score
	case waf.OutputBinary:
		if blocked {
			return "blocked", 0
		}
		return "continue", 0
	default: // both, or unset (treated as both)
		if blocked {
			return "blocked", score
		}
		return "continue", score
	}
}

func failOpen(format string, args ...interface{}) ExecResult {
	return ExecResult{
		Action:      waf.ActionAllow,
		FailedOpen:  true,
		Diagnostics: []string{fmt.Sprintf(format, args...)},
	}
}
