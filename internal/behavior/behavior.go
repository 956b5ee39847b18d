// Package behavior implements the behavioral/statistical anomaly detector
// (C13): per-flow bucketed counters, a duration histogram, a unique-IP
// cardinality estimate, and z-score anomaly scoring against a learned
// baseline. Grounded on the teacher's internal/policy engine's
// SessionMetrics/rate-calculation functions (calculateRequestsPerMinute,
// calculateTokensPerMinute), generalized from per-session rate math to
// per-flow bucketed aggregates with persistence through the shared store.
package behavior

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"wardengate/internal/kvstore"
)

// Bucket is one of the fixed aggregation windows spec.md §4.3 lists for
// the behavioral detector, each with its own retention.
type Bucket string

const (
	BucketHour  Bucket = "hour"
	BucketDay   Bucket = "day"
	BucketWeek  Bucket = "week"
	BucketMonth Bucket = "month"
	BucketYear  Bucket = "year"
)

var bucketTTL = map[Bucket]time.Duration{
	BucketHour:  90 * 24 * time.Hour,
	BucketDay:   365 * 24 * time.Hour,
	BucketWeek:  2 * 365 * 24 * time.Hour,
	BucketMonth: 5 * 365 * 24 * time.Hour,
	BucketYear:  10 * 365 * 24 * time.Hour,
}

// durationRanges are the eight fixed histogram buckets (seconds,
// half-open [lo, hi)); the last has no upper bound.
var durationRanges = []struct {
	lo, hi float64
	label  string
}{
	{0, 2, "0_2s"},
	{2, 5, "2_5s"},
	{5, 10, "5_10s"},
	{10, 30, "10_30s"},
	{30, 60, "30_60s"},
	{60, 120, "60_120s"},
	{120, 300, "120_300s"},
	{300, math.Inf(1), "300s_plus"},
}

func durationLabel(seconds float64) string {
	for _, r := range durationRanges {
		if seconds >= r.lo && seconds < r.hi {
			return r.label
		}
	}
	return durationRanges[len(durationRanges)-1].label
}

// Baseline is the learned distribution for one flow's request-rate (or
// other observed metric), used by the z-score check.
type Baseline struct {
	Mean             float64 `json:"mean"`
	StdDev           float64 `json:"std_dev"`
	P50              float64 `json:"p50"`
	P90              float64 `json:"p90"`
	P99              float64 `json:"p99"`
	SampleCount      int64   `json:"sample_count"`
	LearningComplete bool    `json:"learning_complete"`

	// sumX/sumX2 back the running Welford-free mean/variance update; kept
	// alongside the public summary fields so a fetched baseline can be
	// updated in place without re-deriving them.
	SumX  float64 `json:"sum_x"`
	SumX2 float64 `json:"sum_x2"`

	// samples holds up to maxBaselineSamples most recent observations for
	// percentile estimation; trimmed FIFO once full.
	Samples []float64 `json:"samples"`
}

const maxBaselineSamples = 1000

// Config configures the anomaly check and the minimum sample count
// required before a baseline is trusted.
type Config struct {
	MinSamples       int64
	StdDevThreshold  float64
	ScoreAddition    int
}

// DefaultConfig matches spec.md §4.3's documented defaults for the
// behavioral detector.
func DefaultConfig() Config {
	return Config{MinSamples: 100, StdDevThreshold: 2.0, ScoreAddition: 15}
}

// Tracker persists bucketed counters, duration histograms, unique-IP
// estimates, and baselines for a set of flows through the shared store.
type Tracker struct {
	kv kvstore.Store
}

// NewTracker builds a behavioral tracker over kv.
func NewTracker(kv kvstore.Store) *Tracker {
	return &Tracker{kv: kv}
}

func counterKey(flowID string, b Bucket, windowKey string) string {
	return kvstore.Key("behavior", "counter", flowID, string(b), windowKey)
}

func histogramKey(flowID, label string) string {
	return kvstore.Key("behavior", "duration_hist", flowID, label)
}

func uniqueIPKey(flowID string) string {
	return kvstore.Key("behavior", "unique_ips", flowID)
}

func baselineKey(flowID string) string {
	return kvstore.Key("behavior", "baseline", flowID)
}

// windowKey formats t as the bucket-appropriate aggregation key, e.g.
// "2026-07-31T14" for BucketHour.
func windowKey(b Bucket, t time.Time) string {
	switch b {
	case BucketHour:
		return t.Format("2006-01-02T15")
	case BucketDay:
		return t.Format("2006-01-02")
	case BucketWeek:
		y, w := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", y, w)
	case BucketMonth:
		return t.Format("2006-01")
	case BucketYear:
		return t.Format("2006")
	}
	return t.Format("2006-01-02")
}

// RecordRequest increments every bucket counter for flowID at time t and
// sets the appropriate TTL on first write to each bucket key.
func (t *Tracker) RecordRequest(ctx context.Context, flowID string, at time.Time) error {
	for _, b := range []Bucket{BucketHour, BucketDay, BucketWeek, BucketMonth, BucketYear} {
		key := counterKey(flowID, b, windowKey(b, at))
		n, err := t.kv.Incr(ctx, key, 1)
		if err != nil {
			return fmt.Errorf("behavior: incr %s: %w", key, err)
		}
		if n == 1 {
			if err := t.kv.Expire(ctx, key, bucketTTL[b]); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordDuration tallies a request duration into the fixed histogram.
func (t *Tracker) RecordDuration(ctx context.Context, flowID string, seconds float64) error {
	_, err := t.kv.Incr(ctx, histogramKey(flowID, durationLabel(seconds)), 1)
	return err
}

// RecordUniqueIP folds ip into the flow's cardinality estimator. The
// estimator itself lives only in-process per call (HLL state isn't cheap
// to round-trip through the store on every request); it is not persisted,
// and its count is read with the estimator's own Estimate method.
func (t *Tracker) RecordUniqueIP(h *hyperLogLog, ip string) {
	h.Add(ip)
}

// NewUniqueIPEstimator returns a fresh per-flow cardinality estimator.
func NewUniqueIPEstimator() *hyperLogLog { return newHyperLogLog() }

// CounterValue returns the current counter for flowID in bucket b at
// time t's window.
func (t *Tracker) CounterValue(ctx context.Context, flowID string, b Bucket, at time.Time) (int64, error) {
	data, found, err := t.kv.Get(ctx, counterKey(flowID, b, windowKey(b, at)))
	if err != nil || !found {
		return 0, err
	}
	var v int64
	for _, c := range data {
		if c < '0' || c > '9' {
			break
		}
		v = v*10 + int64(c-'0')
	}
	return v, nil
}

// LoadBaseline fetches the learned baseline for flowID, or a zero-value
// baseline (not yet learning-complete) if none exists.
func (t *Tracker) LoadBaseline(ctx context.Context, flowID string) (Baseline, error) {
	data, found, err := t.kv.Get(ctx, baselineKey(flowID))
	if err != nil {
		return Baseline{}, err
	}
	if !found {
		return Baseline{}, nil
	}
	var bl Baseline
	if err := json.Unmarshal(data, &bl); err != nil {
		return Baseline{}, fmt.Errorf("behavior: decode baseline %s: %w", flowID, err)
	}
	return bl, nil
}

// UpdateBaseline folds one new observation into the baseline and persists
// it, marking LearningComplete once cfg.MinSamples is reached.
func (t *Tracker) UpdateBaseline(ctx context.Context, cfg Config, flowID string, observation float64) (Baseline, error) {
	bl, err := t.LoadBaseline(ctx, flowID)
	if err != nil {
		return Baseline{}, err
	}

	bl.SampleCount++
	bl.SumX += observation
	bl.SumX2 += observation * observation
	bl.Mean = bl.SumX / float64(bl.SampleCount)
	variance := bl.SumX2/float64(bl.SampleCount) - bl.Mean*bl.Mean
	if variance < 0 {
		variance = 0
	}
	bl.StdDev = math.Sqrt(variance)

	bl.Samples = append(bl.Samples, observation)
	if len(bl.Samples) > maxBaselineSamples {
		bl.Samples = bl.Samples[len(bl.Samples)-maxBaselineSamples:]
	}
	bl.P50, bl.P90, bl.P99 = percentiles(bl.Samples)

	bl.LearningComplete = bl.SampleCount >= cfg.MinSamples

	data, err := json.Marshal(bl)
	if err != nil {
		return Baseline{}, err
	}
	if err := t.kv.Set(ctx, baselineKey(flowID), data, 0); err != nil {
		return Baseline{}, err
	}
	return bl, nil
}

// LearnBaseline recomputes flowID's baseline from scratch over the last
// learningPeriodDays of hourly submission counts (spec.md §4.8's
// leader-only periodic task), replacing whatever UpdateBaseline's
// incremental per-request folding had accumulated. A period under
// cfg.MinSamples hours of data still stores the computed statistics but
// marks LearningComplete false, matching "if sample count < min_samples
// write learning_complete=0" rather than refusing to persist anything.
func (t *Tracker) LearnBaseline(ctx context.Context, cfg Config, flowID string, now time.Time, learningPeriodDays int) (Baseline, error) {
	if learningPeriodDays <= 0 {
		learningPeriodDays = 14
	}
	hours := learningPeriodDays * 24
	samples := make([]float64, 0, hours)
	for i := 0; i < hours; i++ {
		at := now.Add(-time.Duration(i) * time.Hour)
		v, err := t.CounterValue(ctx, flowID, BucketHour, at)
		if err != nil {
			return Baseline{}, fmt.Errorf("behavior: learn baseline %s: %w", flowID, err)
		}
		samples = append(samples, float64(v))
	}

	bl := summarize(samples)
	bl.LearningComplete = int64(len(samples)) >= cfg.MinSamples

	data, err := json.Marshal(bl)
	if err != nil {
		return Baseline{}, err
	}
	if err := t.kv.Set(ctx, baselineKey(flowID), data, 0); err != nil {
		return Baseline{}, err
	}
	return bl, nil
}

// summarize computes a Baseline's mean/stddev/percentiles from a full
// sample set in one pass, trimming stored samples to maxBaselineSamples.
func summarize(samples []float64) Baseline {
	n := float64(len(samples))
	if n == 0 {
		return Baseline{}
	}
	var sumX, sumX2 float64
	for _, v := range samples {
		sumX += v
		sumX2 += v * v
	}
	mean := sumX / n
	variance := sumX2/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	stored := samples
	if len(stored) > maxBaselineSamples {
		stored = stored[len(stored)-maxBaselineSamples:]
	}
	p50, p90, p99 := percentiles(stored)
	return Baseline{
		Mean:        mean,
		StdDev:      math.Sqrt(variance),
		P50:         p50,
		P90:         p90,
		P99:         p99,
		SampleCount: int64(len(samples)),
		SumX:        sumX,
		SumX2:       sumX2,
		Samples:     append([]float64{}, stored...),
	}
}

// percentiles returns p50/p90/p99 over a copy of samples, sorted.
func percentiles(samples []float64) (p50, p90, p99 float64) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	sorted := append([]float64{}, samples...)
	insertionSort(sorted)
	at := func(p float64) float64 {
		idx := int(p * float64(len(sorted)-1))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	}
	return at(0.50), at(0.90), at(0.99)
}

// insertionSort avoids pulling in sort.Float64s for a slice capped at
// maxBaselineSamples; fine at this size and keeps this file free of
// sort-package noise for what is otherwise a numeric-only file.
func insertionSort(s []float64) {
	for i := 1; i < len(s); i++ {
		v := s[i]
		j := i - 1
		for j >= 0 && s[j] > v {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = v
	}
}

// AnomalyResult is the outcome of a z-score check against a baseline.
type AnomalyResult struct {
	Anomalous bool
	ZScore    float64
	Score     int
}

// CheckAnomaly compares observation against bl using cfg's threshold. A
// baseline that hasn't completed learning never flags — spec.md §4.3
// requires min_samples before the detector participates in scoring. The
// check is one-tailed: only an observation running hot (above the mean by
// more than threshold standard deviations) is anomalous, not a quiet one.
func CheckAnomaly(cfg Config, bl Baseline, observation float64) AnomalyResult {
	if !bl.LearningComplete || bl.StdDev == 0 {
		return AnomalyResult{}
	}
	z := (observation - bl.Mean) / bl.StdDev
	if z > cfg.StdDevThreshold {
		return AnomalyResult{Anomalous: true, ZScore: z, Score: cfg.ScoreAddition}
	}
	return AnomalyResult{ZScore: z}
}
