package defenseline

import (
	"context"
	"net/netip"
	"strings"
	"testing"
	"time"

	"wardengate/internal/bodyparse"
	"wardengate/internal/engine"
	"wardengate/internal/kvstore"
	"wardengate/internal/signature"
	"wardengate/internal/waf"
)

func keywordProfile(id string) waf.Profile {
	return waf.Profile{
		ID:       id,
		Settings: waf.Settings{MaxExecutionTimeMS: 50},
		Graph: waf.Graph{
			StartNodeID: "start",
			Nodes: map[string]*waf.Node{
				"start": {ID: "start", Kind: waf.NodeStart, StartNext: "kw"},
				"kw": {
					ID: "kw", Kind: waf.NodeDefense, DefenseKind: waf.DefenseKeywordFilter,
					Config:         waf.DefenseConfig{BlockedKeywords: []string{"builtin-bad"}, BlockScore: 100},
					BlockedOutput:  "block",
					ContinueOutput: "allow",
				},
				"block": {ID: "block", Kind: waf.NodeAction, ActionKind: waf.ActionBlock},
				"allow": {ID: "allow", Kind: waf.NodeAction, ActionKind: waf.ActionAllow},
			},
		},
	}
}

func testRequestWithText(text string) *engine.Request {
	return &engine.Request{
		Method:   "POST",
		Path:     "/comment",
		ClientIP: netip.MustParseAddr("8.8.8.8"),
		Now:      time.Now(),
		Form:     &bodyparse.ParseResult{Fields: bodyparse.Fields{"comment": text}},
	}
}

func TestExecute_BaseProfileNoMatchContinuesToAllow(t *testing.T) {
	p := keywordProfile("p1")
	sigStore := signature.NewStore(kvstore.NewMemoryStore())
	req := testRequestWithText("totally harmless comment")

	res := Execute(context.Background(), sigStore, p, nil, 1, req, engine.NewDependencies())
	if res.Blocked {
		t.Errorf("expected no block for clean text, got %+v", res)
	}
	if res.BlockedAt != "" {
		t.Errorf("expected empty BlockedAt, got %q", res.BlockedAt)
	}
}

func TestExecute_BuiltinKeywordBlocksAtBase(t *testing.T) {
	p := keywordProfile("p1")
	sigStore := signature.NewStore(kvstore.NewMemoryStore())
	req := testRequestWithText("this is builtin-bad content")

	res := Execute(context.Background(), sigStore, p, nil, 1, req, engine.NewDependencies())
	if !res.Blocked || res.BlockedAt != "base" {
		t.Errorf("expected the base profile's own keyword to block, got %+v", res)
	}
}

func TestExecute_SignatureOverlayBlocksAndReportsLineID(t *testing.T) {
	p := keywordProfile("p1")
	ctx := context.Background()
	sigStore := signature.NewStore(kvstore.NewMemoryStore())

	sig := waf.Signature{
		ID:       "spam-kw",
		Priority: 1,
		Enabled:  true,
		Sections: map[waf.DefenseKind]waf.DefenseConfig{
			waf.DefenseKeywordFilter: {BlockedKeywords: []string{"viagra"}},
		},
	}
	if err := sigStore.Put(ctx, sig); err != nil {
		t.Fatalf("Put signature: %v", err)
	}

	req := testRequestWithText("buy viagra online")
	res := Execute(ctx, sigStore, p, []string{"spam-kw"}, 1, req, engine.NewDependencies())
	if !res.Blocked || res.BlockedAt != "line:spam-kw" {
		t.Errorf("expected the signature overlay to block and report its line id, got %+v", res)
	}
}

func TestExecute_DiagnosticsArePrefixedWithLineIndex(t *testing.T) {
	p := keywordProfile("p1")
	ctx := context.Background()
	sigStore := signature.NewStore(kvstore.NewMemoryStore())

	sig := waf.Signature{
		ID:       "spam-kw",
		Priority: 1,
		Enabled:  true,
		Sections: map[waf.DefenseKind]waf.DefenseConfig{
			waf.DefenseKeywordFilter: {BlockedKeywords: []string{"viagra"}},
		},
	}
	if err := sigStore.Put(ctx, sig); err != nil {
		t.Fatalf("Put signature: %v", err)
	}

	req := testRequestWithText("buy viagra online")
	res := Execute(ctx, sigStore, p, []string{"spam-kw"}, 3, req, engine.NewDependencies())
	if len(res.Diagnostics) == 0 {
		t.Fatal("expected at least one diagnostic")
	}
	for _, d := range res.Diagnostics {
		if !strings.HasPrefix(d, "line3:") {
			t.Errorf("expected every diagnostic prefixed line3:, got %q", d)
		}
	}
}

func TestExecute_MissingSignatureIDRecordsWarningButDoesNotBlock(t *testing.T) {
	p := keywordProfile("p1")
	sigStore := signature.NewStore(kvstore.NewMemoryStore())
	req := testRequestWithText("clean text")

	res := Execute(context.Background(), sigStore, p, []string{"does-not-exist"}, 1, req, engine.NewDependencies())
	found := false
	for _, d := range res.Diagnostics {
		if d == "line1:signature_error:missing:does-not-exist" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a missing-signature diagnostic, got %v", res.Diagnostics)
	}
	if res.Blocked {
		t.Errorf("expected a missing signature id to not cause a block, got %+v", res)
	}
}

func TestExecute_BaseBlockingProfileNeverConsultsSignatures(t *testing.T) {
	p := waf.Profile{
		ID:       "always-block",
		Settings: waf.Settings{MaxExecutionTimeMS: 50},
		Graph: waf.Graph{
			StartNodeID: "start",
			Nodes: map[string]*waf.Node{
				"start": {ID: "start", Kind: waf.NodeStart, StartNext: "block"},
				"block": {ID: "block", Kind: waf.NodeAction, ActionKind: waf.ActionBlock},
			},
		},
	}
	sigStore := signature.NewStore(kvstore.NewMemoryStore())
	req := testRequestWithText("")

	res := Execute(context.Background(), sigStore, p, []string{"unresolved-but-irrelevant"}, 1, req, engine.NewDependencies())
	if !res.Blocked || res.BlockedAt != "base" {
		t.Errorf("expected the base profile's own block to short-circuit, got %+v", res)
	}
}

func TestExecute_DisabledSignatureIsSkippedWithWarning(t *testing.T) {
	p := keywordProfile("p1")
	ctx := context.Background()
	sigStore := signature.NewStore(kvstore.NewMemoryStore())

	sig := waf.Signature{
		ID:      "spam-kw",
		Enabled: false,
		Sections: map[waf.DefenseKind]waf.DefenseConfig{
			waf.DefenseKeywordFilter: {BlockedKeywords: []string{"viagra"}},
		},
	}
	if err := sigStore.Put(ctx, sig); err != nil {
		t.Fatalf("Put signature: %v", err)
	}

	req := testRequestWithText("buy viagra online")
	res := Execute(ctx, sigStore, p, []string{"spam-kw"}, 1, req, engine.NewDependencies())
	if res.Blocked {
		t.Errorf("expected a disabled signature to never apply, got %+v", res)
	}
}
