// Package headercheck analyzes request headers for consistency with the
// claimed User-Agent: browsers imply a family of headers (Accept,
// Accept-Language, Accept-Encoding, Sec-Fetch-*) a raw script client
// typically omits or gets wrong. Grounded on the teacher's header-driven
// routing idiom in internal/router/router.go (matchByHeader), generalized
// from "is this header present" to "does this header bundle look like the
// browser family the UA claims."
package headercheck

import (
	"strings"
)

// Browser families recognized for expected-header profiling.
const (
	FamilyChrome  = "chrome"
	FamilyFirefox = "firefox"
	FamilySafari  = "safari"
	FamilyBot     = "bot"
	FamilyUnknown = "unknown"
)

// ExpectedProfile lists headers a given browser family is expected to send.
type ExpectedProfile struct {
	Family          string
	RequiredHeaders []string
}

var profiles = []ExpectedProfile{
	{Family: FamilyChrome, RequiredHeaders: []string{"Accept", "Accept-Encoding", "Accept-Language", "Sec-Fetch-Mode"}},
	{Family: FamilyFirefox, RequiredHeaders: []string{"Accept", "Accept-Encoding", "Accept-Language"}},
	{Family: FamilySafari, RequiredHeaders: []string{"Accept", "Accept-Encoding", "Accept-Language"}},
}

// ParseUserAgent classifies a User-Agent string into a coarse family.
func ParseUserAgent(ua string) string {
	lower := strings.ToLower(ua)
	switch {
	case ua == "":
		return FamilyUnknown
	case strings.Contains(lower, "bot") || strings.Contains(lower, "crawl") || strings.Contains(lower, "spider"):
		return FamilyBot
	case strings.Contains(lower, "edg/") || strings.Contains(lower, "chrome/"):
		return FamilyChrome
	case strings.Contains(lower, "firefox/"):
		return FamilyFirefox
	case strings.Contains(lower, "safari/") && !strings.Contains(lower, "chrome/"):
		return FamilySafari
	default:
		return FamilyUnknown
	}
}

// Result reports header-consistency findings.
type Result struct {
	Family         string
	MissingHeaders []string
	Consistent     bool
}

// Analyze checks header presence against the profile implied by the
// User-Agent. Unknown and bot families are always considered consistent
// (no expectations to violate); only recognized browser families are
// scored against their expected-header bundle.
func Analyze(userAgent string, headers map[string]string) Result {
	family := ParseUserAgent(userAgent)

	normalized := make(map[string]struct{}, len(headers))
	for k := range headers {
		normalized[strings.ToLower(k)] = struct{}{}
	}

	for _, p := range profiles {
		if p.Family != family {
			continue
		}
		var missing []string
		for _, h := range p.RequiredHeaders {
			if _, ok := normalized[strings.ToLower(h)]; !ok {
				missing = append(missing, h)
			}
		}
		return Result{Family: family, MissingHeaders: missing, Consistent: len(missing) == 0}
	}

	return Result{Family: family, Consistent: true}
}
