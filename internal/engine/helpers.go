package engine

import (
	"wardengate/internal/behavior"
	"wardengate/internal/scanner"
	"wardengate/internal/waf"
)

// newScannerKeywordList builds an ephemeral keyword list from a node's
// merged config. Detectors rebuild these per evaluation rather than
// caching compiled sets on the node itself, since a signature overlay can
// change the effective config per request; C11 amortizes the expensive
// part (signature resolution) once per defense-line run.
func newScannerKeywordList(cfg waf.DefenseConfig) *scanner.KeywordList {
	return scanner.NewKeywordList(cfg.BlockedKeywords, cfg.FlaggedKeywords)
}

func newScannerPatternSet(cfg waf.DefenseConfig) *scanner.PatternSet {
	return scanner.NewPatternSet(cfg.Patterns)
}

func newScannerDisposableChecker(cfg waf.DefenseConfig) *scanner.DisposableEmailChecker {
	blocked := cfg.BlockedDomains
	if len(blocked) == 0 {
		blocked = scanner.DefaultDisposableDomains()
	}
	return scanner.NewDisposableEmailChecker(blocked, cfg.AllowedDomains)
}

// checkAnomaly adapts behavior.CheckAnomaly's signature for this package's
// call sites.
func checkAnomaly(cfg behavior.Config, bl behavior.Baseline, observation float64) behavior.AnomalyResult {
	return behavior.CheckAnomaly(cfg, bl, observation)
}
