package profile

import (
	"context"
	"testing"

	"wardengate/internal/kvstore"
	"wardengate/internal/waf"
)

func simpleProfile(id string) waf.Profile {
	return waf.Profile{
		ID: id,
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

func TestStore_PutGetRoundTrip(t *testing.T) {
	s := NewStore(kvstore.NewMemoryStore())
	ctx := context.Background()
	p := simpleProfile("login-flow")

	if err := s.Put(ctx, p); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, found, err := s.Get(ctx, "login-flow")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if got.ID != p.ID || got.Graph.StartNodeID != "start" {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if len(got.Graph.Nodes) != 2 {
		t.Errorf("expected 2 nodes, got %d", len(got.Graph.Nodes))
	}
	if got.Version != 1 {
		t.Errorf("expected version 1 on first Put, got %d", got.Version)
	}
}

func TestStore_PutBumpsVersionOnEachWrite(t *testing.T) {
	s := NewStore(kvstore.NewMemoryStore())
	ctx := context.Background()
	p := simpleProfile("login-flow")

	if err := s.Put(ctx, p); err != nil {
		t.Fatalf("Put 1: %v", err)
	}
	if err := s.Put(ctx, p); err != nil {
		t.Fatalf("Put 2: %v", err)
	}
	got, _, err := s.Get(ctx, "login-flow")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("expected version 2 after second Put, got %d", got.Version)
	}
}

func TestStore_GetMissingReturnsNotFound(t *testing.T) {
	s := NewStore(kvstore.NewMemoryStore())
	_, found, err := s.Get(context.Background(), "does-not-exist")
	if err != nil || found {
		t.Errorf("expected (false, nil) for a missing profile, got (%v, %v)", found, err)
	}
}

func TestStore_DeleteRemovesFromIndexAndCache(t *testing.T) {
	s := NewStore(kvstore.NewMemoryStore())
	ctx := context.Background()
	p := simpleProfile("login-flow")
	if err := s.Put(ctx, p); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, "login-flow"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, found, err := s.Get(ctx, "login-flow")
	if err != nil || found {
		t.Errorf("expected deleted profile to be gone, got (%v, %v)", found, err)
	}
	ids, err := s.IDs(ctx)
	if err != nil {
		t.Fatalf("IDs: %v", err)
	}
	for _, id := range ids {
		if id == "login-flow" {
			t.Error("expected deleted profile to be removed from the id index")
		}
	}
}

func TestStore_IDsListsAllStoredProfiles(t *testing.T) {
	s := NewStore(kvstore.NewMemoryStore())
	ctx := context.Background()
	if err := s.Put(ctx, simpleProfile("a")); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	if err := s.Put(ctx, simpleProfile("b")); err != nil {
		t.Fatalf("Put b: %v", err)
	}
	ids, err := s.IDs(ctx)
	if err != nil {
		t.Fatalf("IDs: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("expected 2 ids, got %v", ids)
	}
}

func TestStore_InvalidateCacheForcesReread(t *testing.T) {
	s := NewStore(kvstore.NewMemoryStore())
	ctx := context.Background()
	p := simpleProfile("login-flow")
	if err := s.Put(ctx, p); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, found, err := s.Get(ctx, "login-flow"); err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	s.InvalidateCache()
	got, found, err := s.Get(ctx, "login-flow")
	if err != nil || !found || got.ID != "login-flow" {
		t.Errorf("expected a successful re-read after cache invalidation, got (%+v, %v, %v)", got, found, err)
	}
}

func TestValidate_MissingStartNodeErrors(t *testing.T) {
	p := waf.Profile{
		ID: "broken",
		Graph: waf.Graph{
			StartNodeID: "nope",
			Nodes:       map[string]*waf.Node{},
		},
	}
	if err := Validate(p); err == nil {
		t.Error("expected an error for a missing start node")
	}
}

func TestValidate_StartNodeWrongKindErrors(t *testing.T) {
	p := waf.Profile{
		ID: "broken",
		Graph: waf.Graph{
			StartNodeID: "start",
			Nodes: map[string]*waf.Node{
				"start": {ID: "start", Kind: waf.NodeAction},
			},
		},
	}
	if err := Validate(p); err == nil {
		t.Error("expected an error when the start node isn't kind start")
	}
}

func TestValidate_DanglingSuccessorErrors(t *testing.T) {
	p := waf.Profile{
		ID: "broken",
		Graph: waf.Graph{
			StartNodeID: "start",
			Nodes: map[string]*waf.Node{
				"start": {ID: "start", Kind: waf.NodeStart, StartNext: "missing"},
			},
		},
	}
	if err := Validate(p); err == nil {
		t.Error("expected an error for a successor id that isn't defined")
	}
}

func TestValidate_CycleIsDetected(t *testing.T) {
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
	if err := Validate(p); err == nil {
		t.Error("expected a self-referencing node to be detected as a cycle")
	}
}

func TestValidate_WellFormedGraphPasses(t *testing.T) {
	if err := Validate(simpleProfile("ok")); err != nil {
		t.Errorf("expected a well-formed graph to validate, got %v", err)
	}
}

func TestValidate_ThresholdBranchVisitsAllRangeOutputs(t *testing.T) {
	p := waf.Profile{
		ID: "branching",
		Graph: waf.Graph{
			StartNodeID: "start",
			Nodes: map[string]*waf.Node{
				"start": {ID: "start", Kind: waf.NodeStart, StartNext: "branch"},
				"branch": {
					ID: "branch", Kind: waf.NodeOperator, OperatorKind: waf.OperatorThresholdBranch,
					Ranges:        []waf.ThresholdRange{{Output: "low"}, {Output: "high"}},
					DefaultOutput: "default",
				},
				"low":     {ID: "low", Kind: waf.NodeAction},
				"high":    {ID: "high", Kind: waf.NodeAction},
				"default": {ID: "default", Kind: waf.NodeAction},
			},
		},
	}
	if err := Validate(p); err != nil {
		t.Errorf("expected a threshold-branch graph with all outputs defined to validate, got %v", err)
	}
}
