package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"wardengate/internal/netutil"
	"wardengate/internal/waf"
)

// detection is one defense node's raw verdict before output-mode policy
// is applied.
type detection struct {
	Blocked     bool
	Allowed     bool
	Score       float64
	Diagnostics []string
}

// evaluateDefense dispatches to the detector for kind. An unknown kind
// (e.g. a signature authored against a newer catalog than this build
// knows) fails open with a diagnostic rather than blocking traffic.
func evaluateDefense(ctx context.Context, kind waf.DefenseKind, cfg waf.DefenseConfig, req *Request, deps *Dependencies) detection {
	switch kind {
	case waf.DefenseIPAllowlist:
		return detectIPAllowlist(cfg, req)
	case waf.DefenseGeoIP:
		return detectGeoIP(cfg, req, deps)
	case waf.DefenseIPReputation:
		return detectIPReputation(ctx, cfg, req, deps)
	case waf.DefenseTimingToken:
		return detectTimingToken(cfg, req, deps)
	case waf.DefenseBehavioral:
		return detectBehavioral(ctx, cfg, req, deps)
	case waf.DefenseHoneypot:
		return detectHoneypot(cfg, req)
	case waf.DefenseKeywordFilter:
		return detectKeywordFilter(cfg, req)
	case waf.DefenseContentHash:
		return detectContentHash(cfg, req)
	case waf.DefenseExpectedFields:
		return detectExpectedFields(cfg, req)
	case waf.DefensePatternScan:
		return detectPatternScan(cfg, req)
	case waf.DefenseDisposableEmail:
		return detectDisposableEmail(cfg, req)
	case waf.DefenseFieldAnomalies:
		return detectFieldAnomalies(cfg, req)
	case waf.DefenseFingerprint:
		return detectFingerprint(cfg, req)
	case waf.DefenseHeaderConsistency:
		return detectHeaderConsistency(cfg, req, deps)
	case waf.DefenseRateLimiter:
		return detectRateLimiter(ctx, cfg, req, deps)
	default:
		return detection{Diagnostics: []string{"unknown_defense_kind:" + string(kind)}}
	}
}

func detectIPAllowlist(cfg waf.DefenseConfig, req *Request) detection {
	if !req.ClientIP.IsValid() {
		return detection{Diagnostics: []string{"ip_allowlist:no_client_ip"}}
	}
	set := netutil.NewCIDRSet(append(append([]string{}, cfg.ExactIPs...), cfg.CIDRs...))
	if set.Contains(req.ClientIP) {
		return detection{Allowed: true}
	}
	return detection{}
}

func detectGeoIP(cfg waf.DefenseConfig, req *Request, deps *Dependencies) detection {
	if deps == nil || deps.GeoIP == nil {
		return detection{Diagnostics: []string{"geoip:unavailable"}}
	}
	if !req.ClientIP.IsValid() {
		return detection{Diagnostics: []string{"geoip:no_client_ip"}}
	}
	res, err := deps.GeoIP.Country(req.ClientIP)
	if err != nil {
		return detection{Diagnostics: []string{"geoip:lookup_failed:" + err.Error()}}
	}

	if containsFold(cfg.Countries, res.Country) {
		return detection{Blocked: true, Score: float64(cfg.BlockScore), Diagnostics: []string{"geoip:blocked_country:" + res.Country}}
	}
	for _, region := range res.Regions {
		if containsFold(cfg.FlaggedRegions, region) {
			return detection{Score: float64(cfg.FlagScore), Diagnostics: []string{"geoip:flagged_region:" + region}}
		}
	}
	return detection{}
}

func detectIPReputation(ctx context.Context, cfg waf.DefenseConfig, req *Request, deps *Dependencies) detection {
	if !req.ClientIP.IsValid() {
		return detection{Diagnostics: []string{"ip_reputation:no_client_ip"}}
	}
	local := netutil.NewCIDRSet(append(append([]string{}, cfg.ExactIPs...), cfg.CIDRs...))
	if local.Contains(req.ClientIP) {
		return detection{Blocked: true, Score: float64(cfg.BlockScore), Diagnostics: []string{"ip_reputation:blocked_local_list"}}
	}
	if deps == nil || deps.Reputation == nil {
		return detection{Diagnostics: []string{"ip_reputation:unavailable"}}
	}
	verdict, err := deps.Reputation.Check(ctx, req.ClientIP.String())
	if err != nil {
		return detection{Diagnostics: []string{"ip_reputation:lookup_failed:" + err.Error()}}
	}
	if !verdict.Listed {
		return detection{}
	}
	if verdict.BlockScore > 0 {
		return detection{Blocked: true, Score: float64(verdict.BlockScore), Diagnostics: []string{"ip_reputation:blocked"}}
	}
	return detection{Score: float64(verdict.FlagScore), Diagnostics: []string{"ip_reputation:flagged"}}
}

func detectTimingToken(cfg waf.DefenseConfig, req *Request, deps *Dependencies) detection {
	if deps == nil || deps.TimingIssuer == nil {
		return detection{Diagnostics: []string{"timing_token:disabled"}}
	}
	timingCfg := req.effectiveTimingConfig(deps)
	if !timingCfg.Enabled {
		return detection{Diagnostics: []string{"timing_token:disabled"}}
	}
	result := deps.TimingIssuer.Validate(timingCfg, req.Now, req.VhostID, req.TimingCookie)
	switch result.Outcome {
	case "too_fast":
		return detection{Blocked: true, Score: float64(result.Score), Diagnostics: []string{"timing_token:too_fast"}}
	case "ok":
		return detection{}
	default:
		return detection{Score: float64(result.Score), Diagnostics: []string{"timing_token:" + result.Outcome}}
	}
}

func detectBehavioral(ctx context.Context, cfg waf.DefenseConfig, req *Request, deps *Dependencies) detection {
	if deps == nil || deps.BehaviorTrack == nil || req.FlowID == "" {
		return detection{Diagnostics: []string{"behavioral:unavailable"}}
	}
	if err := deps.BehaviorTrack.RecordRequest(ctx, req.FlowID, req.Now); err != nil {
		return detection{Diagnostics: []string{"behavioral:record_failed:" + err.Error()}}
	}
	count, err := deps.BehaviorTrack.CounterValue(ctx, req.FlowID, "hour", req.Now)
	if err != nil {
		return detection{Diagnostics: []string{"behavioral:read_failed:" + err.Error()}}
	}
	behaviorCfg := req.effectiveBehaviorConfig(deps)
	bl, err := deps.BehaviorTrack.UpdateBaseline(ctx, behaviorCfg, req.FlowID, float64(count))
	if err != nil {
		return detection{Diagnostics: []string{"behavioral:baseline_failed:" + err.Error()}}
	}
	anomaly := checkAnomaly(behaviorCfg, bl, float64(count))
	if anomaly.Anomalous {
		return detection{Score: float64(anomaly.Score), Diagnostics: []string{"behavioral:anomalous"}}
	}
	return detection{}
}

func detectHoneypot(cfg waf.DefenseConfig, req *Request) detection {
	if req.Form == nil {
		return detection{}
	}
	for _, field := range cfg.HoneypotFields {
		if v, ok := req.Form.Fields[field]; ok && v != "" {
			return detection{Blocked: true, Score: float64(cfg.BlockScore), Diagnostics: []string{"honeypot:blocked:" + field}}
		}
	}
	return detection{}
}

func detectKeywordFilter(cfg waf.DefenseConfig, req *Request) detection {
	text := combinedText(req)
	list := newScannerKeywordList(cfg)
	res := list.Scan(text)
	if len(res.Blocked) > 0 {
		return detection{Blocked: true, Score: float64(cfg.BlockScore), Diagnostics: []string{"keyword_filter:blocked:" + strings.Join(res.Blocked, ",")}}
	}
	if len(res.Flagged) > 0 {
		return detection{Score: float64(cfg.FlagScore), Diagnostics: []string{"keyword_filter:flagged:" + strings.Join(res.Flagged, ",")}}
	}
	return detection{}
}

func detectContentHash(cfg waf.DefenseConfig, req *Request) detection {
	if req.Form == nil || len(req.Form.RawBody) == 0 {
		return detection{}
	}
	sum := sha256.Sum256(req.Form.RawBody)
	hash := hex.EncodeToString(sum[:])
	for _, h := range cfg.BlockedHashes {
		if strings.EqualFold(h, hash) {
			return detection{Blocked: true, Score: float64(cfg.BlockScore), Diagnostics: []string{"content_hash:blocked"}}
		}
	}
	return detection{}
}

func detectExpectedFields(cfg waf.DefenseConfig, req *Request) detection {
	if req.Form == nil {
		return detection{}
	}
	for _, f := range cfg.RequiredFields {
		if _, ok := req.Form.Fields[f]; !ok {
			return detection{Blocked: true, Score: float64(cfg.BlockScore), Diagnostics: []string{"expected_fields:missing_required:" + f}}
		}
	}
	for _, f := range cfg.ForbiddenFields {
		if _, ok := req.Form.Fields[f]; ok {
			return detection{Blocked: true, Score: float64(cfg.BlockScore), Diagnostics: []string{"expected_fields:forbidden_present:" + f}}
		}
	}

	if cfg.MaxExtraFields > 0 {
		known := make(map[string]struct{}, len(cfg.RequiredFields)+len(cfg.OptionalFields))
		for _, f := range cfg.RequiredFields {
			known[f] = struct{}{}
		}
		for _, f := range cfg.OptionalFields {
			known[f] = struct{}{}
		}
		extra := 0
		for f := range req.Form.Fields {
			if _, ok := known[f]; !ok {
				extra++
			}
		}
		if extra > cfg.MaxExtraFields {
			return detection{Score: float64(cfg.FlagScore), Diagnostics: []string{"expected_fields:extra_fields"}}
		}
	}
	return detection{}
}

func detectPatternScan(cfg waf.DefenseConfig, req *Request) detection {
	text := combinedText(req)
	ps := newScannerPatternSet(cfg)
	hits := ps.Match(text)
	if len(hits) == 0 {
		return detection{}
	}
	if cfg.BlockScore > 0 {
		return detection{Blocked: true, Score: float64(cfg.BlockScore), Diagnostics: []string{"pattern_scan:blocked"}}
	}
	return detection{Score: float64(cfg.FlagScore), Diagnostics: []string{"pattern_scan:flagged"}}
}

func detectDisposableEmail(cfg waf.DefenseConfig, req *Request) detection {
	if req.Form == nil {
		return detection{}
	}
	checker := newScannerDisposableChecker(cfg)
	for _, v := range req.Form.Fields {
		if strings.Contains(v, "@") && checker.IsDisposable(v) {
			return detection{Blocked: true, Score: float64(cfg.BlockScore), Diagnostics: []string{"disposable_email:blocked"}}
		}
	}
	return detection{}
}

func detectFieldAnomalies(cfg waf.DefenseConfig, req *Request) detection {
	if req.Form == nil {
		return detection{}
	}
	totalSize := len(req.Form.RawBody)
	if cfg.MaxTotalSize > 0 && totalSize > cfg.MaxTotalSize {
		return detection{Blocked: true, Score: float64(cfg.BlockScore), Diagnostics: []string{"field_anomalies:blocked_total_size"}}
	}
	for name, v := range req.Form.Fields {
		if max, ok := cfg.FieldMaxLengths[name]; ok && len(v) > max {
			return detection{Blocked: true, Score: float64(cfg.BlockScore), Diagnostics: []string{"field_anomalies:blocked_field_length:" + name}}
		}
		if cfg.MaxFieldLength > 0 && len(v) > cfg.MaxFieldLength {
			return detection{Score: float64(cfg.FlagScore), Diagnostics: []string{"field_anomalies:flagged_field_length:" + name}}
		}
	}
	return detection{}
}

func detectFingerprint(cfg waf.DefenseConfig, req *Request) detection {
	fp := computeFingerprint(req)
	for _, f := range cfg.BlockedFingerprints {
		if f == fp {
			return detection{Blocked: true, Score: float64(cfg.BlockScore), Diagnostics: []string{"fingerprint:blocked"}}
		}
	}
	for _, ua := range cfg.BlockedUserAgents {
		if strings.Contains(strings.ToLower(req.UserAgent), strings.ToLower(ua)) {
			return detection{Blocked: true, Score: float64(cfg.BlockScore), Diagnostics: []string{"fingerprint:blocked_user_agent"}}
		}
	}
	return detection{}
}

// computeFingerprint derives a stable identity string from header
// composition, used to match against a signature's blocked_fingerprints
// set without fingerprinting libraries the pack doesn't carry.
func computeFingerprint(req *Request) string {
	keys := make([]string, 0, len(req.Headers))
	for k := range req.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(req.UserAgent)
	for _, k := range keys {
		sb.WriteByte('|')
		sb.WriteString(k)
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:8])
}

func detectHeaderConsistency(cfg waf.DefenseConfig, req *Request, deps *Dependencies) detection {
	check := defaultHeaderCheck
	if deps != nil && deps.HeaderCheck != nil {
		check = deps.HeaderCheck
	}
	result := check(req.UserAgent, req.Headers)
	if result.Consistent {
		return detection{}
	}
	if cfg.BlockScore > 0 {
		return detection{Blocked: true, Score: float64(cfg.BlockScore), Diagnostics: []string{"header_consistency:blocked"}}
	}
	return detection{Score: float64(cfg.FlagScore), Diagnostics: []string{"header_consistency:flagged"}}
}

func detectRateLimiter(ctx context.Context, cfg waf.DefenseConfig, req *Request, deps *Dependencies) detection {
	if deps == nil || deps.BehaviorTrack == nil || req.FlowID == "" || cfg.RateLimitPerIP <= 0 {
		return detection{}
	}
	if err := deps.BehaviorTrack.RecordRequest(ctx, req.FlowID, req.Now); err != nil {
		return detection{Diagnostics: []string{"rate_limiter:record_failed:" + err.Error()}}
	}
	count, err := deps.BehaviorTrack.CounterValue(ctx, req.FlowID, "hour", req.Now)
	if err != nil {
		return detection{Diagnostics: []string{"rate_limiter:read_failed:" + err.Error()}}
	}
	if int(count) > cfg.RateLimitPerIP {
		return detection{Blocked: true, Score: float64(cfg.BlockScore), Diagnostics: []string{"rate_limiter:blocked"}}
	}
	return detection{}
}

func combinedText(req *Request) string {
	if req.Form != nil {
		return req.Form.CombinedText()
	}
	return ""
}

func containsFold(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, l := range list {
		if strings.EqualFold(l, v) {
			return true
		}
	}
	return false
}
