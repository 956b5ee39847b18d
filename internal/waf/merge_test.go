package waf

import "testing"

func TestMergeDefenseConfig_ArraysConcatenate(t *testing.T) {
	base := DefenseConfig{BlockedKeywords: []string{"drop table"}}
	overlay := DefenseConfig{BlockedKeywords: []string{"union select"}}

	out := MergeDefenseConfig(base, overlay)

	if len(out.BlockedKeywords) != 2 {
		t.Fatalf("expected 2 blocked keywords, got %d: %v", len(out.BlockedKeywords), out.BlockedKeywords)
	}
}

func TestMergeDefenseConfig_MaxBoundTakesMinimum(t *testing.T) {
	base := DefenseConfig{MaxFieldLength: 1000}
	overlay := DefenseConfig{MaxFieldLength: 200}

	out := MergeDefenseConfig(base, overlay)

	if out.MaxFieldLength != 200 {
		t.Errorf("expected tighter bound 200, got %d", out.MaxFieldLength)
	}
}

func TestMergeDefenseConfig_MaxBoundUnsetOverlayKeepsBase(t *testing.T) {
	base := DefenseConfig{MaxFieldLength: 500}
	overlay := DefenseConfig{}

	out := MergeDefenseConfig(base, overlay)

	if out.MaxFieldLength != 500 {
		t.Errorf("expected base bound 500 to survive an unset overlay, got %d", out.MaxFieldLength)
	}
}

func TestMergeDefenseConfig_MinBoundTakesMaximum(t *testing.T) {
	base := DefenseConfig{MinInteractionScore: 0.2}
	overlay := DefenseConfig{MinInteractionScore: 0.6}

	out := MergeDefenseConfig(base, overlay)

	if out.MinInteractionScore != 0.6 {
		t.Errorf("expected tighter min bound 0.6, got %f", out.MinInteractionScore)
	}
}

func TestMergeDefenseConfig_BooleanOR(t *testing.T) {
	base := DefenseConfig{HasSignatures: false}
	overlay := DefenseConfig{HasSignatures: true}

	out := MergeDefenseConfig(base, overlay)

	if !out.HasSignatures {
		t.Error("expected HasSignatures to OR to true")
	}
}

func TestMergeDefenseConfig_FieldMaxLengthsMergeTakesSmaller(t *testing.T) {
	base := DefenseConfig{FieldMaxLengths: map[string]int{"email": 254, "name": 100}}
	overlay := DefenseConfig{FieldMaxLengths: map[string]int{"name": 40, "phone": 20}}

	out := MergeDefenseConfig(base, overlay)

	if out.FieldMaxLengths["email"] != 254 {
		t.Errorf("expected untouched key to survive, got %d", out.FieldMaxLengths["email"])
	}
	if out.FieldMaxLengths["name"] != 40 {
		t.Errorf("expected tighter overlay bound 40, got %d", out.FieldMaxLengths["name"])
	}
	if out.FieldMaxLengths["phone"] != 20 {
		t.Errorf("expected new overlay key to appear, got %d", out.FieldMaxLengths["phone"])
	}
}

func TestMergeDefenseConfig_ScoreThresholdsTakeLower(t *testing.T) {
	base := DefenseConfig{BlockScore: 80, FlagScore: 40}
	overlay := DefenseConfig{BlockScore: 60, FlagScore: 50}

	out := MergeDefenseConfig(base, overlay)

	if out.BlockScore != 60 {
		t.Errorf("expected lower block score 60, got %d", out.BlockScore)
	}
	if out.FlagScore != 40 {
		t.Errorf("expected lower flag score 40 (overlay's 50 is less restrictive), got %d", out.FlagScore)
	}
}
