package engine

import (
	"wardengate/internal/behavior"
	"wardengate/internal/geoip"
	"wardengate/internal/headercheck"
	"wardengate/internal/reputation"
	"wardengate/internal/scanner"
	"wardengate/internal/timingtoken"
)

// Dependencies bundles the subsystems individual defense nodes delegate
// to. Any field may be nil; a detector that needs a missing dependency
// fails open with a diagnostic rather than panicking.
type Dependencies struct {
	GeoIP          *geoip.Lookup
	Reputation     *reputation.Checker
	TimingIssuer   *timingtoken.Issuer
	TimingConfig   timingtoken.Config
	BehaviorTrack  *behavior.Tracker
	BehaviorConfig behavior.Config
	HeaderCheck    func(userAgent string, headers map[string]string) headercheck.Result
}

// defaultHeaderCheck is the zero-value Dependencies.HeaderCheck, wired in
// by NewDependencies so callers don't need to remember to set it.
func defaultHeaderCheck(userAgent string, headers map[string]string) headercheck.Result {
	return headercheck.Analyze(userAgent, headers)
}

// NewDependencies builds a Dependencies with HeaderCheck wired to the
// package-level analyzer; callers fill in the remaining fields.
func NewDependencies() *Dependencies {
	return &Dependencies{HeaderCheck: defaultHeaderCheck}
}

// scannerBundle is the built set of scanner-package helpers a defense
// node's DefenseConfig implies; built lazily per node evaluation since the
// config (and any signature overlay) can vary per request.
type scannerBundle struct {
	keywords   *scanner.KeywordList
	patterns   *scanner.PatternSet
	disposable *scanner.DisposableEmailChecker
}
