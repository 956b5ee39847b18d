package orchestrator

import (
	"context"
	"net/netip"
	"strings"
	"testing"
	"time"

	"wardengate/internal/engine"
	"wardengate/internal/kvstore"
	"wardengate/internal/profile"
	"wardengate/internal/signature"
	"wardengate/internal/waf"
)

func allowProfile(id string) waf.Profile {
	return waf.Profile{
		ID:       id,
		Settings: waf.Settings{MaxExecutionTimeMS: 50},
		Graph: waf.Graph{
			StartNodeID: "start",
			Nodes: map[string]*waf.Node{
				"start": {ID: "start", Kind: waf.NodeStart, StartNext: "allow"},
				"allow": {ID: "allow", Kind: waf.NodeAction, ActionKind: waf.ActionAllow},
			},
		},
	}
}

func blockProfile(id string) waf.Profile {
	return waf.Profile{
		ID:       id,
		Settings: waf.Settings{MaxExecutionTimeMS: 50},
		Graph: waf.Graph{
			StartNodeID: "start",
			Nodes: map[string]*waf.Node{
				"start": {ID: "start", Kind: waf.NodeStart, StartNext: "block"},
				"block": {ID: "block", Kind: waf.NodeAction, ActionKind: waf.ActionBlock},
			},
		},
	}
}

func newDeps(t *testing.T, profiles ...waf.Profile) Deps {
	t.Helper()
	ps := profile.NewStore(kvstore.NewMemoryStore())
	for _, p := range profiles {
		if err := ps.Put(context.Background(), p); err != nil {
			t.Fatalf("Put profile %s: %v", p.ID, err)
		}
	}
	return Deps{
		Profiles:   ps,
		Signatures: signature.NewStore(kvstore.NewMemoryStore()),
		Engine:     engine.NewDependencies(),
	}
}

func testRequest() *engine.Request {
	return &engine.Request{
		Method:   "GET",
		Path:     "/checkout",
		ClientIP: netip.MustParseAddr("8.8.8.8"),
		Now:      time.Now(),
	}
}

func TestRun_ORAggregationBlocksIfAnyProfileBlocks(t *testing.T) {
	deps := newDeps(t, allowProfile("p-allow"), blockProfile("p-block"))
	ep := waf.Endpoint{
		ID: "ep1",
		AttachedProfiles: []waf.AttachedProfile{
			{ProfileID: "p-allow", Priority: 1},
			{ProfileID: "p-block", Priority: 2},
		},
		BinaryAggregation: waf.AggBinaryOR,
	}
	out := Run(context.Background(), deps, ep, testRequest())
	if !out.Blocked || out.BlockedBy != "p-block" {
		t.Errorf("expected OR aggregation to block via p-block, got %+v", out)
	}
}

func TestRun_ANDAggregationRequiresAllToBlock(t *testing.T) {
	deps := newDeps(t, allowProfile("p-allow"), blockProfile("p-block"))
	ep := waf.Endpoint{
		ID: "ep1",
		AttachedProfiles: []waf.AttachedProfile{
			{ProfileID: "p-allow", Priority: 1},
			{ProfileID: "p-block", Priority: 2},
		},
		BinaryAggregation: waf.AggBinaryAND,
	}
	out := Run(context.Background(), deps, ep, testRequest())
	if out.Blocked {
		t.Errorf("expected AND aggregation to require every profile to block, got %+v", out)
	}
}

func TestRun_MajorityAggregation(t *testing.T) {
	deps := newDeps(t, blockProfile("p-block-1"), blockProfile("p-block-2"), allowProfile("p-allow"))
	ep := waf.Endpoint{
		ID: "ep1",
		AttachedProfiles: []waf.AttachedProfile{
			{ProfileID: "p-block-1", Priority: 1},
			{ProfileID: "p-block-2", Priority: 2},
			{ProfileID: "p-allow", Priority: 3},
		},
		BinaryAggregation: waf.AggBinaryMajority,
	}
	out := Run(context.Background(), deps, ep, testRequest())
	if !out.Blocked {
		t.Errorf("expected 2 of 3 blocking to satisfy majority aggregation, got %+v", out)
	}
}

func TestRun_MissingProfileRecordsDiagnosticAndDoesNotBlock(t *testing.T) {
	deps := newDeps(t, allowProfile("p-allow"))
	ep := waf.Endpoint{
		ID: "ep1",
		AttachedProfiles: []waf.AttachedProfile{
			{ProfileID: "does-not-exist", Priority: 1},
		},
		BinaryAggregation: waf.AggBinaryOR,
	}
	out := Run(context.Background(), deps, ep, testRequest())
	if out.Blocked {
		t.Errorf("expected a missing profile to fail open (not block), got %+v", out)
	}
	if len(out.Diagnostics) != 1 {
		t.Errorf("expected one profile_error diagnostic, got %v", out.Diagnostics)
	}
}

func TestRun_ScoreAggregationSum(t *testing.T) {
	deps := newDeps(t, blockProfile("p1"), blockProfile("p2"))
	ep := waf.Endpoint{
		ID: "ep1",
		AttachedProfiles: []waf.AttachedProfile{
			{ProfileID: "p1", Priority: 1, ShortCircuit: false},
			{ProfileID: "p2", Priority: 2, ShortCircuit: false},
		},
		BinaryAggregation: waf.AggBinaryOR,
		ScoreAggregation:  waf.AggScoreSum,
	}
	out := Run(context.Background(), deps, ep, testRequest())
	// both blockProfile runs carry a zero score (no scored defense nodes),
	// so the sum is 0 - this exercises the code path without asserting a
	// nonzero magic number.
	if out.Score != 0 {
		t.Errorf("expected sum of two zero-score profiles to be 0, got %v", out.Score)
	}
}

// ipRepProfile builds a profile whose sole defense node is ip_reputation,
// blocking only when a signature overlay adds a matching CIDR (the base
// run, with no config, never blocks on its own).
func ipRepProfile(id string) waf.Profile {
	return waf.Profile{
		ID:       id,
		Settings: waf.Settings{MaxExecutionTimeMS: 50},
		Graph: waf.Graph{
			StartNodeID: "start",
			Nodes: map[string]*waf.Node{
				"start": {ID: "start", Kind: waf.NodeStart, StartNext: "rep"},
				"rep": {
					ID: "rep", Kind: waf.NodeDefense, DefenseKind: waf.DefenseIPReputation,
					Config:         waf.DefenseConfig{BlockScore: 100},
					BlockedOutput:  "block",
					ContinueOutput: "allow",
				},
				"block": {ID: "block", Kind: waf.NodeAction, ActionKind: waf.ActionBlock},
				"allow": {ID: "allow", Kind: waf.NodeAction, ActionKind: waf.ActionAllow},
			},
		},
	}
}

func TestRun_DefenseLineBlocksOnCleanBase(t *testing.T) {
	deps := newDeps(t, allowProfile("p-base"), ipRepProfile("bot-detection"))
	ctx := context.Background()
	sig := waf.Signature{
		ID:      "sig-xyz",
		Enabled: true,
		Sections: map[waf.DefenseKind]waf.DefenseConfig{
			waf.DefenseIPReputation: {ExactIPs: []string{"8.8.8.8"}, BlockScore: 100},
		},
	}
	if err := deps.Signatures.Put(ctx, sig); err != nil {
		t.Fatalf("Put signature: %v", err)
	}

	ep := waf.Endpoint{
		ID: "ep1",
		AttachedProfiles: []waf.AttachedProfile{
			{ProfileID: "p-base", Priority: 1},
		},
		DefenseLines: []waf.DefenseLine{
			{ProfileID: "bot-detection", SignatureIDs: []string{"sig-xyz"}},
		},
		BinaryAggregation: waf.AggBinaryOR,
	}
	out := Run(ctx, deps, ep, testRequest())
	if !out.Blocked {
		t.Fatalf("expected a clean base plus a blocking defense line to block, got %+v", out)
	}
	if out.BlockedBy != "defense_line:1" {
		t.Errorf("expected BlockedBy=defense_line:1, got %q", out.BlockedBy)
	}
	found := false
	for _, d := range out.Diagnostics {
		if strings.HasPrefix(d, "line1:") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected at least one line1:-prefixed diagnostic, got %v", out.Diagnostics)
	}
}

func TestRun_DefenseLineIndependentOfAttachedProfileMatch(t *testing.T) {
	// The defense line references a profile ("bot-detection") that is not
	// among the endpoint's attached base profiles at all - it must still
	// run as its own independent evaluation.
	deps := newDeps(t, allowProfile("p-base"), ipRepProfile("bot-detection"))
	ctx := context.Background()
	sig := waf.Signature{
		ID:      "sig-xyz",
		Enabled: true,
		Sections: map[waf.DefenseKind]waf.DefenseConfig{
			waf.DefenseIPReputation: {ExactIPs: []string{"8.8.8.8"}, BlockScore: 100},
		},
	}
	if err := deps.Signatures.Put(ctx, sig); err != nil {
		t.Fatalf("Put signature: %v", err)
	}

	ep := waf.Endpoint{
		ID: "ep1",
		AttachedProfiles: []waf.AttachedProfile{
			{ProfileID: "p-base", Priority: 1},
		},
		DefenseLines: []waf.DefenseLine{
			{ProfileID: "bot-detection", SignatureIDs: []string{"sig-xyz"}},
		},
		BinaryAggregation: waf.AggBinaryOR,
	}
	out := Run(ctx, deps, ep, testRequest())
	if !out.Blocked {
		t.Errorf("expected defense line to block regardless of attached-profile membership, got %+v", out)
	}
}

func TestRun_BaseBlockSkipsDefenseLines(t *testing.T) {
	deps := newDeps(t, blockProfile("p-block"), ipRepProfile("bot-detection"))
	ctx := context.Background()

	ep := waf.Endpoint{
		ID: "ep1",
		AttachedProfiles: []waf.AttachedProfile{
			{ProfileID: "p-block", Priority: 1},
		},
		DefenseLines: []waf.DefenseLine{
			{ProfileID: "bot-detection", SignatureIDs: nil},
		},
		BinaryAggregation: waf.AggBinaryOR,
	}
	out := Run(ctx, deps, ep, testRequest())
	if !out.Blocked || out.BlockedBy != "p-block" {
		t.Errorf("expected the base block to win without consulting defense lines, got %+v", out)
	}
}

func TestRun_ShortCircuitCancelsRemainingProfiles(t *testing.T) {
	deps := newDeps(t, blockProfile("p-block"), allowProfile("p-allow"))
	ep := waf.Endpoint{
		ID: "ep1",
		AttachedProfiles: []waf.AttachedProfile{
			{ProfileID: "p-block", Priority: 1, ShortCircuit: true},
			{ProfileID: "p-allow", Priority: 2},
		},
		BinaryAggregation: waf.AggBinaryOR,
	}
	out := Run(context.Background(), deps, ep, testRequest())
	if !out.Blocked {
		t.Errorf("expected the short-circuiting block to still be reflected, got %+v", out)
	}
}
