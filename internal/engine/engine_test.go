package engine

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"wardengate/internal/waf"
)

func baseRequest() *Request {
	return &Request{
		Method:   "GET",
		Path:     "/checkout",
		VhostID:  "shop.example.com",
		ClientIP: netip.MustParseAddr("8.8.8.8"),
		Now:      time.Now(),
	}
}

func TestExecute_SimpleAllowPath(t *testing.T) {
	p := waf.Profile{
		ID:       "p1",
		Settings: waf.Settings{MaxExecutionTimeMS: 50},
		Graph: waf.Graph{
			StartNodeID: "start",
			Nodes: map[string]*waf.Node{
				"start": {ID: "start", Kind: waf.NodeStart, StartNext: "allow"},
				"allow": {ID: "allow", Kind: waf.NodeAction, ActionKind: waf.ActionAllow},
			},
		},
	}
	res := Execute(context.Background(), p, baseRequest(), NewDependencies())
	if res.Action != waf.ActionAllow || res.FailedOpen {
		t.Errorf("expected a clean allow, got %+v", res)
	}
}

func TestExecute_IPAllowlistDefenseShortCircuitsToAllowedOutput(t *testing.T) {
	p := waf.Profile{
		ID:       "p1",
		Settings: waf.Settings{MaxExecutionTimeMS: 50},
		Graph: waf.Graph{
			StartNodeID: "start",
			Nodes: map[string]*waf.Node{
				"start": {ID: "start", Kind: waf.NodeStart, StartNext: "allowlist"},
				"allowlist": {
					ID: "allowlist", Kind: waf.NodeDefense, DefenseKind: waf.DefenseIPAllowlist,
					Config:        waf.DefenseConfig{CIDRs: []string{"8.8.8.0/24"}},
					AllowedOutput: "allow-action",
					BlockedOutput: "block-action",
				},
				"allow-action": {ID: "allow-action", Kind: waf.NodeAction, ActionKind: waf.ActionAllow},
				"block-action": {ID: "block-action", Kind: waf.NodeAction, ActionKind: waf.ActionBlock},
			},
		},
	}
	res := Execute(context.Background(), p, baseRequest(), NewDependencies())
	if res.Action != waf.ActionAllow {
		t.Errorf("expected the allowlisted IP to route to the allow action, got %+v", res)
	}
}

func TestExecute_SumThenThresholdBranch(t *testing.T) {
	p := waf.Profile{
		ID:       "p1",
		Settings: waf.Settings{MaxExecutionTimeMS: 50},
		Graph: waf.Graph{
			StartNodeID: "start",
			Nodes: map[string]*waf.Node{
				"start": {ID: "start", Kind: waf.NodeStart, StartNext: "honeypot"},
				"honeypot": {
					ID: "honeypot", Kind: waf.NodeDefense, DefenseKind: waf.DefenseHoneypot,
					Config:         waf.DefenseConfig{HoneypotFields: []string{"website"}, BlockScore: 80},
					ScoreSlot:      "honeypot_score",
					ContinueOutput: "sum",
				},
				"sum": {
					ID: "sum", Kind: waf.NodeOperator, OperatorKind: waf.OperatorSum,
					SumInputs: []string{"honeypot_score"}, OperatorNext: "branch",
				},
				"branch": {
					ID: "branch", Kind: waf.NodeOperator, OperatorKind: waf.OperatorThresholdBranch,
					Ranges:        []waf.ThresholdRange{{Min: 50, Output: "block-action"}},
					DefaultOutput: "allow-action",
				},
				"allow-action": {ID: "allow-action", Kind: waf.NodeAction, ActionKind: waf.ActionAllow},
				"block-action": {ID: "block-action", Kind: waf.NodeAction, ActionKind: waf.ActionBlock},
			},
		},
	}
	req := baseRequest()
	req.Form = nil

	res := Execute(context.Background(), p, req, NewDependencies())
	// No form submitted means the honeypot field was never filled in, so
	// this should not trip the honeypot and should route to allow.
	if res.Action != waf.ActionAllow {
		t.Errorf("expected no honeypot trip to route to allow, got %+v", res)
	}
}

func TestExecute_MissingStartNodeFailsOpen(t *testing.T) {
	p := waf.Profile{
		ID: "broken",
		Graph: waf.Graph{
			StartNodeID: "nope",
			Nodes:       map[string]*waf.Node{},
		},
	}
	res := Execute(context.Background(), p, baseRequest(), NewDependencies())
	if res.Action != waf.ActionAllow || !res.FailedOpen {
		t.Errorf("expected a missing start node to fail open, got %+v", res)
	}
}

func TestExecute_DanglingNodeReferenceFailsOpen(t *testing.T) {
	p := waf.Profile{
		ID: "broken",
		Graph: waf.Graph{
			StartNodeID: "start",
			Nodes: map[string]*waf.Node{
				"start": {ID: "start", Kind: waf.NodeStart, StartNext: "missing"},
			},
		},
	}
	res := Execute(context.Background(), p, baseRequest(), NewDependencies())
	if !res.FailedOpen {
		t.Errorf("expected a dangling node reference to fail open, got %+v", res)
	}
}

func TestExecute_CycleFailsOpen(t *testing.T) {
	p := waf.Profile{
		ID: "broken",
		Graph: waf.Graph{
			StartNodeID: "start",
			Nodes: map[string]*waf.Node{
				"start": {ID: "start", Kind: waf.NodeStart, StartNext: "op"},
				"op": {
					ID: "op", Kind: waf.NodeOperator, OperatorKind: waf.OperatorSum,
					OperatorNext: "op",
				},
			},
		},
	}
	res := Execute(context.Background(), p, baseRequest(), NewDependencies())
	if !res.FailedOpen {
		t.Errorf("expected a self-looping operator node to fail open, got %+v", res)
	}
}

func TestExecute_ZeroExecutionBudgetFallsBackToDefault(t *testing.T) {
	p := waf.Profile{
		ID:       "p1",
		Settings: waf.Settings{MaxExecutionTimeMS: 0},
		Graph: waf.Graph{
			StartNodeID: "start",
			Nodes: map[string]*waf.Node{
				"start": {ID: "start", Kind: waf.NodeStart, StartNext: "allow"},
				"allow": {ID: "allow", Kind: waf.NodeAction, ActionKind: waf.ActionAllow},
			},
		},
	}
	res := Execute(context.Background(), p, baseRequest(), NewDependencies())
	if res.FailedOpen {
		t.Errorf("expected a zero MaxExecutionTimeMS to fall back to a usable default budget, got %+v", res)
	}
}

func TestExecute_ContextCancellationFailsOpen(t *testing.T) {
	p := waf.Profile{
		ID:       "p1",
		Settings: waf.Settings{MaxExecutionTimeMS: 50},
		Graph: waf.Graph{
			StartNodeID: "start",
			Nodes: map[string]*waf.Node{
				"start": {ID: "start", Kind: waf.NodeStart, StartNext: "allow"},
				"allow": {ID: "allow", Kind: waf.NodeAction, ActionKind: waf.ActionAllow},
			},
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := Execute(ctx, p, baseRequest(), NewDependencies())
	if !res.FailedOpen {
		t.Errorf("expected a cancelled context to fail open, got %+v", res)
	}
}

func TestApplyOutputMode_AllowedAlwaysShortCircuits(t *testing.T) {
	decision, score := applyOutputMode(waf.OutputScore, true, true, 50)
	if decision != "allowed" || score != 0 {
		t.Errorf("got (%q, %v), want (allowed, 0)", decision, score)
	}
}

func TestApplyOutputMode_ScoreModeNeverBlocks(t *testing.T) {
	decision, score := applyOutputMode(waf.OutputScore, true, false, 50)
	if decision != "continue" || score != 50 {
		t.Errorf("got (%q, %v), want (continue, 50)", decision, score)
	}
}

func TestApplyOutputMode_BinaryModeNeverAppliesScore(t *testing.T) {
	decision, score := applyOutputMode(waf.OutputBinary, true, false, 50)
	if decision != "blocked" || score != 0 {
		t.Errorf("got (%q, %v), want (blocked, 0)", decision, score)
	}
}

func TestApplyOutputMode_BothModeBlocksAndScores(t *testing.T) {
	decision, score := applyOutputMode(waf.OutputBoth, true, false, 50)
	if decision != "blocked" || score != 50 {
		t.Errorf("got (%q, %v), want (blocked, 50)", decision, score)
	}
}

func TestApplyOutputMode_UnsetModeDefaultsToBoth(t *testing.T) {
	decision, score := applyOutputMode("", false, false, 30)
	if decision != "continue" || score != 30 {
		t.Errorf("got (%q, %v), want (continue, 30)", decision, score)
	}
}
