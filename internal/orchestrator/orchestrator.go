// Package orchestrator implements the multi-profile orchestrator (C12):
// spawn every endpoint's attached base profile as an independent task in
// priority order, cancel the rest on a short-circuiting block, and
// aggregate the binary/score outcomes per the endpoint's configured
// strategy — then, unless the base result already blocks, run the
// endpoint's defense lines (C11) against that result. Grounded on the
// teacher's internal/websocket/handler.go bidirectional-forwarding pattern
// (cancellable context plus sync.WaitGroup fan-out, one goroutine watching
// for a kill signal to cancel the rest) — generalized from two fixed
// forwarding directions to N profile evaluations.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"wardengate/internal/defenseline"
	"wardengate/internal/engine"
	"wardengate/internal/profile"
	"wardengate/internal/signature"
	"wardengate/internal/waf"
)

// ProfileOutcome is one attached base profile's evaluation result, tagged
// with its binding so the caller can flag-prefix it ("profile_id:...").
type ProfileOutcome struct {
	ProfileID string
	Weight    float64
	Exec      engine.ExecResult
	Err       error
}

// Outcome is the aggregated verdict across every attached profile plus
// any defense lines run against it.
type Outcome struct {
	Blocked     bool
	Score       float64
	BlockedBy   string // "<profile_id>" or "defense_line:<i>" that caused the block, "" if none
	PerProfile  []ProfileOutcome
	Diagnostics []string
}

// Deps bundles the stores and executor dependencies the orchestrator
// needs to resolve and run each attached profile and defense line.
type Deps struct {
	Profiles   *profile.Store
	Signatures *signature.Store
	Engine     *engine.Dependencies
}

// Run evaluates every attached profile of endpoint in priority order
// (lowest Priority first spawns first; all still run concurrently — order
// only governs short-circuit fairness under contention), honoring
// short-circuit cancellation and the endpoint's aggregation strategies.
// If the aggregated base result doesn't already block, the endpoint's
// defense lines are then run against it (spec.md §4.6): "if base blocks,
// return base; if lines block, combined action is block; otherwise allow
// with scores summed."
func Run(ctx context.Context, deps Deps, ep waf.Endpoint, req *engine.Request) Outcome {
	base := runBaseProfiles(ctx, deps, ep, req)
	if base.Blocked {
		return base
	}
	return runDefenseLines(ctx, deps, ep, req, base)
}

func runBaseProfiles(ctx context.Context, deps Deps, ep waf.Endpoint, req *engine.Request) Outcome {
	attached := append([]waf.AttachedProfile{}, ep.AttachedProfiles...)
	sort.SliceStable(attached, func(i, j int) bool { return attached[i].Priority < attached[j].Priority })

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]ProfileOutcome, len(attached))
	var wg sync.WaitGroup
	var mu sync.Mutex
	shortCircuited := false

	for i, ap := range attached {
		wg.Add(1)
		go func(i int, ap waf.AttachedProfile) {
			defer wg.Done()

			p, found, err := deps.Profiles.Get(runCtx, ap.ProfileID)
			if err != nil || !found {
				if err == nil {
					err = fmt.Errorf("profile not found")
				}
				mu.Lock()
				results[i] = ProfileOutcome{ProfileID: ap.ProfileID, Weight: ap.Weight, Err: err}
				mu.Unlock()
				return
			}

			exec := engine.Execute(runCtx, p, req, deps.Engine)

			mu.Lock()
			results[i] = ProfileOutcome{ProfileID: ap.ProfileID, Weight: ap.Weight, Exec: exec}
			if exec.Action == waf.ActionBlock && ap.ShortCircuit && !shortCircuited {
				shortCircuited = true
				cancel()
			}
			mu.Unlock()
		}(i, ap)
	}

	wg.Wait()

	return aggregate(ep, results)
}

// aggregate combines the base-profile results per spec.md §4.6 points
// 4-5: binary/score aggregation strategies, with diagnostics prefixed
// `profile_id:`.
func aggregate(ep waf.Endpoint, results []ProfileOutcome) Outcome {
	out := Outcome{PerProfile: results}

	blockedCount := 0
	total := 0
	for _, r := range results {
		if r.Err != nil {
			out.Diagnostics = append(out.Diagnostics, "profile_error:"+r.ProfileID+":"+r.Err.Error())
			continue
		}
		total++
		for _, d := range r.Exec.Diagnostics {
			out.Diagnostics = append(out.Diagnostics, r.ProfileID+":"+d)
		}
		if r.Exec.Action == waf.ActionBlock {
			blockedCount++
			if out.BlockedBy == "" {
				out.BlockedBy = r.ProfileID
			}
		}
	}

	switch ep.BinaryAggregation {
	case waf.AggBinaryAND:
		out.Blocked = total > 0 && blockedCount == total
	case waf.AggBinaryMajority:
		out.Blocked = blockedCount*2 > total
	default: // OR
		out.Blocked = blockedCount > 0
	}
	if !out.Blocked {
		out.BlockedBy = ""
	}

	switch ep.ScoreAggregation {
	case waf.AggScoreMax:
		for _, r := range results {
			if r.Err == nil && r.Exec.Score > out.Score {
				out.Score = r.Exec.Score
			}
		}
	case waf.AggScoreWeightedAvg:
		var weightedSum, weightTotal float64
		for _, r := range results {
			if r.Err != nil {
				continue
			}
			w := r.Weight
			if w == 0 {
				w = 1
			}
			weightedSum += r.Exec.Score * w
			weightTotal += w
		}
		if weightTotal > 0 {
			out.Score = weightedSum / weightTotal
		}
	default: // sum
		for _, r := range results {
			if r.Err == nil {
				out.Score += r.Exec.Score
			}
		}
	}

	return out
}

// runDefenseLines evaluates ep.DefenseLines in order against the
// post-base outcome (spec.md §4.5 points 4-5): each line resolves its
// own referenced profile independently of any attached base profile,
// short-circuits the remaining lines on its first block, and its score
// adds to the running total.
func runDefenseLines(ctx context.Context, deps Deps, ep waf.Endpoint, req *engine.Request, base Outcome) Outcome {
	out := base
	for i, line := range ep.DefenseLines {
		lineIndex := i + 1
		p, found, err := deps.Profiles.Get(ctx, line.ProfileID)
		if err != nil || !found {
			out.Diagnostics = append(out.Diagnostics, fmt.Sprintf("line%d:profile_missing:%s", lineIndex, line.ProfileID))
			continue
		}
		lr := defenseline.Execute(ctx, deps.Signatures, p, line.SignatureIDs, lineIndex, req, deps.Engine)
		out.Diagnostics = append(out.Diagnostics, lr.Diagnostics...)
		out.Score += lr.Score
		if lr.Blocked {
			out.Blocked = true
			out.BlockedBy = fmt.Sprintf("defense_line:%d", lineIndex)
			break
		}
	}
	return out
}
