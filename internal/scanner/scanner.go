// Package scanner implements keyword/pattern inspection: blocked/flagged
// keyword lists, regex patterns over selected fields or combined text, URL
// heuristics (shorteners, suspicious TLDs), and disposable-email domain
// detection. Grounded directly on the teacher's internal/redaction package,
// which already does exactly this shape of "compile patterns once, scan
// strings, return matches" for PII; this package generalizes that to
// configurable keyword/pattern lists instead of a fixed PII set.
package scanner

import (
	"regexp"
	"strings"
	"sync"
)

// KeywordList holds blocked and flagged keyword sets, lower-cased at load
// time so matching is case-insensitive without per-scan allocation.
type KeywordList struct {
	mu      sync.RWMutex
	blocked map[string]struct{}
	flagged map[string]struct{}
}

// NewKeywordList builds a list from blocked/flagged keyword slices.
func NewKeywordList(blocked, flagged []string) *KeywordList {
	k := &KeywordList{
		blocked: make(map[string]struct{}, len(blocked)),
		flagged: make(map[string]struct{}, len(flagged)),
	}
	for _, w := range blocked {
		k.blocked[strings.ToLower(w)] = struct{}{}
	}
	for _, w := range flagged {
		k.flagged[strings.ToLower(w)] = struct{}{}
	}
	return k
}

// KeywordResult reports which keywords matched a scanned text.
type KeywordResult struct {
	Blocked []string
	Flagged []string
}

// Scan checks text (already lower-cased by the caller's field extraction,
// but normalized again here defensively) against both keyword sets.
func (k *KeywordList) Scan(text string) KeywordResult {
	lower := strings.ToLower(text)
	k.mu.RLock()
	defer k.mu.RUnlock()

	var res KeywordResult
	for w := range k.blocked {
		if strings.Contains(lower, w) {
			res.Blocked = append(res.Blocked, w)
		}
	}
	for w := range k.flagged {
		if strings.Contains(lower, w) {
			res.Flagged = append(res.Flagged, w)
		}
	}
	return res
}

// Merge unions another list's entries into this one (used for signature
// overlay merging per the defense-line executor).
func (k *KeywordList) Merge(other *KeywordList) {
	if other == nil {
		return
	}
	other.mu.RLock()
	defer other.mu.RUnlock()
	k.mu.Lock()
	defer k.mu.Unlock()
	for w := range other.blocked {
		k.blocked[w] = struct{}{}
	}
	for w := range other.flagged {
		k.flagged[w] = struct{}{}
	}
}

// PatternSet is a compiled set of named regex patterns applied to selected
// fields or a combined-text blob.
type PatternSet struct {
	mu       sync.RWMutex
	patterns []CompiledPattern
}

// CompiledPattern pairs a source pattern string with its compiled form so
// signature merges (which concatenate source arrays) can re-derive the set.
type CompiledPattern struct {
	Source string
	Regex  *regexp.Regexp
}

// NewPatternSet compiles a list of regex source strings. Invalid patterns
// are dropped with the caller expected to have surfaced a config error at
// write time; scanning never fails because one pattern was bad.
func NewPatternSet(patterns []string) *PatternSet {
	ps := &PatternSet{}
	for _, p := range patterns {
		ps.Add(p)
	}
	return ps
}

// Add compiles and appends one pattern, reporting whether it compiled.
func (ps *PatternSet) Add(pattern string) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	ps.mu.Lock()
	ps.patterns = append(ps.patterns, CompiledPattern{Source: pattern, Regex: re})
	ps.mu.Unlock()
	return true
}

// Match returns the source patterns that matched text.
func (ps *PatternSet) Match(text string) []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	var hits []string
	for _, cp := range ps.patterns {
		if cp.Regex.MatchString(text) {
			hits = append(hits, cp.Source)
		}
	}
	return hits
}

// Merge unions another pattern set's source patterns into this one.
func (ps *PatternSet) Merge(other *PatternSet) {
	if other == nil {
		return
	}
	other.mu.RLock()
	srcs := make([]string, len(other.patterns))
	for i, cp := range other.patterns {
		srcs[i] = cp.Source
	}
	other.mu.RUnlock()

	for _, s := range srcs {
		ps.Add(s)
	}
}

var shortenerHosts = map[string]struct{}{
	"bit.ly": {}, "tinyurl.com": {}, "t.co": {}, "goo.gl": {}, "ow.ly": {},
	"is.gd": {}, "buff.ly": {}, "rebrand.ly": {},
}

var suspiciousTLDs = map[string]struct{}{
	"zip": {}, "mov": {}, "top": {}, "xyz": {}, "click": {}, "gq": {}, "tk": {},
}

var urlPattern = regexp.MustCompile(`https?://([a-zA-Z0-9.-]+)(?:/[^\s]*)?`)

// URLAnalysis summarizes heuristic findings over all URLs found in text.
type URLAnalysis struct {
	URLCount       int
	ShortenerHosts []string
	SuspiciousTLDs []string
}

// AnalyzeURLs extracts URLs from text and flags known shorteners and
// suspicious top-level domains.
func AnalyzeURLs(text string) URLAnalysis {
	matches := urlPattern.FindAllStringSubmatch(text, -1)
	var out URLAnalysis
	out.URLCount = len(matches)

	for _, m := range matches {
		host := strings.ToLower(m[1])
		if _, ok := shortenerHosts[host]; ok {
			out.ShortenerHosts = append(out.ShortenerHosts, host)
		}
		if idx := strings.LastIndex(host, "."); idx != -1 {
			tld := host[idx+1:]
			if _, ok := suspiciousTLDs[tld]; ok {
				out.SuspiciousTLDs = append(out.SuspiciousTLDs, host)
			}
		}
	}
	return out
}

// DisposableEmailChecker checks an email address's domain against a
// blocklist, honoring an allowlist override (e.g. a disposable provider
// the tenant explicitly permits).
type DisposableEmailChecker struct {
	mu      sync.RWMutex
	blocked map[string]struct{}
	allowed map[string]struct{}
}

// DefaultDisposableDomains is a small built-in seed list; production
// deployments overlay their own via signature merge or config.
func DefaultDisposableDomains() []string {
	return []string{
		"mailinator.com", "tempmail.com", "10minutemail.com", "guerrillamail.com",
		"trashmail.com", "yopmail.com", "throwawaymail.com",
	}
}

// NewDisposableEmailChecker builds a checker from blocked/allowed domain lists.
func NewDisposableEmailChecker(blocked, allowed []string) *DisposableEmailChecker {
	c := &DisposableEmailChecker{
		blocked: make(map[string]struct{}, len(blocked)),
		allowed: make(map[string]struct{}, len(allowed)),
	}
	for _, d := range blocked {
		c.blocked[strings.ToLower(d)] = struct{}{}
	}
	for _, d := range allowed {
		c.allowed[strings.ToLower(d)] = struct{}{}
	}
	return c
}

// IsDisposable reports whether email's domain is blocked and not
// overridden by the allowlist.
func (c *DisposableEmailChecker) IsDisposable(email string) bool {
	at := strings.LastIndex(email, "@")
	if at == -1 || at == len(email)-1 {
		return false
	}
	domain := strings.ToLower(email[at+1:])

	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.allowed[domain]; ok {
		return false
	}
	_, ok := c.blocked[domain]
	return ok
}

// Merge unions another checker's blocked/allowed domains into this one.
func (c *DisposableEmailChecker) Merge(other *DisposableEmailChecker) {
	if other == nil {
		return
	}
	other.mu.RLock()
	defer other.mu.RUnlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	for d := range other.blocked {
		c.blocked[d] = struct{}{}
	}
	for d := range other.allowed {
		c.allowed[d] = struct{}{}
	}
}
