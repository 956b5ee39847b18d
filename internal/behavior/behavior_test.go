package behavior

import (
	"context"
	"testing"
	"time"

	"wardengate/internal/kvstore"
)

func TestCheckAnomaly_IncompleteLearningNeverFlags(t *testing.T) {
	cfg := Config{MinSamples: 100, StdDevThreshold: 2.0, ScoreAddition: 15}
	bl := Baseline{Mean: 10, StdDev: 2, LearningComplete: false}

	result := CheckAnomaly(cfg, bl, 1000)
	if result.Anomalous {
		t.Error("expected an incomplete baseline to never flag, regardless of observation")
	}
}

func TestCheckAnomaly_HighZScoreFlags(t *testing.T) {
	cfg := Config{MinSamples: 100, StdDevThreshold: 2.0, ScoreAddition: 15}
	bl := Baseline{Mean: 10, StdDev: 2, LearningComplete: true}

	// z = (20 - 10) / 2 = 5, over the threshold.
	result := CheckAnomaly(cfg, bl, 20)
	if !result.Anomalous {
		t.Fatal("expected z=5 to exceed a threshold of 2.0")
	}
	if result.Score != cfg.ScoreAddition {
		t.Errorf("expected score addition %d, got %d", cfg.ScoreAddition, result.Score)
	}
	if result.ZScore != 5 {
		t.Errorf("expected z-score 5, got %v", result.ZScore)
	}
}

func TestCheckAnomaly_WithinThresholdDoesNotFlag(t *testing.T) {
	cfg := Config{MinSamples: 100, StdDevThreshold: 2.0, ScoreAddition: 15}
	bl := Baseline{Mean: 10, StdDev: 2, LearningComplete: true}

	result := CheckAnomaly(cfg, bl, 12) // z = 1
	if result.Anomalous {
		t.Errorf("expected z=1 to stay under threshold 2.0, got anomalous with z=%v", result.ZScore)
	}
}

func TestCheckAnomaly_ZeroStdDevNeverFlags(t *testing.T) {
	cfg := Config{MinSamples: 100, StdDevThreshold: 2.0, ScoreAddition: 15}
	bl := Baseline{Mean: 10, StdDev: 0, LearningComplete: true}

	result := CheckAnomaly(cfg, bl, 1000)
	if result.Anomalous {
		t.Error("expected a zero-stddev baseline to never flag (would otherwise divide by zero)")
	}
}

func TestUpdateBaseline_MarksLearningCompleteAtMinSamples(t *testing.T) {
	tr := NewTracker(kvstore.NewMemoryStore())
	cfg := Config{MinSamples: 3, StdDevThreshold: 2.0, ScoreAddition: 15}
	ctx := context.Background()

	var bl Baseline
	var err error
	for i := 0; i < 3; i++ {
		bl, err = tr.UpdateBaseline(ctx, cfg, "flow-1", 10)
		if err != nil {
			t.Fatalf("UpdateBaseline: %v", err)
		}
	}
	if !bl.LearningComplete {
		t.Errorf("expected learning complete after %d samples (min %d), got %+v", 3, cfg.MinSamples, bl)
	}
	if bl.Mean != 10 {
		t.Errorf("expected mean 10 for constant observations, got %v", bl.Mean)
	}
}

func TestRecordRequest_BucketCountersIncrementAcrossGranularities(t *testing.T) {
	tr := NewTracker(kvstore.NewMemoryStore())
	ctx := context.Background()
	at := time.Date(2026, 7, 31, 14, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := tr.RecordRequest(ctx, "flow-1", at); err != nil {
			t.Fatalf("RecordRequest: %v", err)
		}
	}

	hourCount, err := tr.CounterValue(ctx, "flow-1", BucketHour, at)
	if err != nil {
		t.Fatalf("CounterValue(hour): %v", err)
	}
	if hourCount != 5 {
		t.Errorf("expected hour bucket count 5, got %d", hourCount)
	}

	dayCount, err := tr.CounterValue(ctx, "flow-1", BucketDay, at)
	if err != nil {
		t.Fatalf("CounterValue(day): %v", err)
	}
	if dayCount != 5 {
		t.Errorf("expected day bucket count 5, got %d", dayCount)
	}
}

func TestDurationLabel_BoundariesAreHalfOpen(t *testing.T) {
	cases := []struct {
		seconds float64
		label   string
	}{
		{0, "0_2s"},
		{1.999, "0_2s"},
		{2, "2_5s"},
		{119.999, "60_120s"},
		{300, "300s_plus"},
		{10000, "300s_plus"},
	}
	for _, c := range cases {
		if got := durationLabel(c.seconds); got != c.label {
			t.Errorf("durationLabel(%v) = %q, want %q", c.seconds, got, c.label)
		}
	}
}

func TestTracker_LearnBaseline(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	tr := NewTracker(kv)
	ctx := context.Background()
	now := time.Now().Truncate(time.Hour)

	// Seed 48 hourly counters at a steady rate of 10 submissions/hour so
	// the learned mean lands near 10 with near-zero variance.
	for i := 0; i < 48; i++ {
		at := now.Add(-time.Duration(i) * time.Hour)
		for j := 0; j < 10; j++ {
			if err := tr.RecordRequest(ctx, "signup", at); err != nil {
				t.Fatalf("RecordRequest: %v", err)
			}
		}
	}

	cfg := Config{MinSamples: 24, StdDevThreshold: 2.0, ScoreAddition: 15}
	bl, err := tr.LearnBaseline(ctx, cfg, "signup", now, 2)
	if err != nil {
		t.Fatalf("LearnBaseline: %v", err)
	}
	if !bl.LearningComplete {
		t.Error("expected learning complete with 48 hourly samples >= MinSamples 24")
	}
	if bl.Mean < 9.9 || bl.Mean > 10.1 {
		t.Errorf("expected mean near 10, got %v", bl.Mean)
	}

	reloaded, err := tr.LoadBaseline(ctx, "signup")
	if err != nil {
		t.Fatalf("LoadBaseline: %v", err)
	}
	if !reloaded.LearningComplete || reloaded.Mean != bl.Mean {
		t.Errorf("expected persisted baseline to match computed one, got %+v", reloaded)
	}
}

func TestTracker_LearnBaseline_BelowMinSamplesNotComplete(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	tr := NewTracker(kv)
	ctx := context.Background()
	now := time.Now().Truncate(time.Hour)

	cfg := Config{MinSamples: 1000, StdDevThreshold: 2.0}
	bl, err := tr.LearnBaseline(ctx, cfg, "no-history", now, 1)
	if err != nil {
		t.Fatalf("LearnBaseline: %v", err)
	}
	if bl.LearningComplete {
		t.Error("expected learning_complete=false when sample count is below min_samples")
	}
}

func TestRegistry_MatchEndFirstMatchWins(t *testing.T) {
	reg := NewRegistry([]FlowDef{
		CompileFlowDef("login", "shop.example.com", nil, []string{"/auth"}, "prefix", nil, []string{"POST"}),
		CompileFlowDef("signup", "shop.example.com", nil, []string{"/auth/signup"}, "prefix", nil, []string{"POST"}),
	})

	id, ok := reg.MatchEnd("shop.example.com", "POST", "/auth/signup")
	if !ok || id != "login" {
		t.Errorf("expected first-registered prefix match (login), got %q, %v", id, ok)
	}

	if ids := reg.IDs(); len(ids) != 2 {
		t.Errorf("expected 2 flow ids, got %v", ids)
	}
}

func TestRegistry_NilReceiverIsSafe(t *testing.T) {
	var reg *Registry
	if _, ok := reg.MatchEnd("v", "GET", "/x"); ok {
		t.Error("expected nil registry to never match")
	}
	if ids := reg.IDs(); ids != nil {
		t.Errorf("expected nil registry IDs() to return nil, got %v", ids)
	}
}
