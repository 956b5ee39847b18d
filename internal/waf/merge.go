package waf

// MergeDefenseConfig implements the deep-merge pattern from spec.md §9:
// arrays concatenate (duplicates preserved — dedup is the caller's
// concern), booleans OR, min_* bounds raise (maximum wins), max_* bounds
// lower (minimum wins), and scalars not covered by a bound rule replace.
// Used both by the defense-line executor (profile-config plus signature
// overlay) and by signature authoring tools that merge multiple sources
// into one section.
func MergeDefenseConfig(base, overlay DefenseConfig) DefenseConfig {
	out := base

	out.ExactIPs = append(append([]string{}, base.ExactIPs...), overlay.ExactIPs...)
	out.CIDRs = append(append([]string{}, base.CIDRs...), overlay.CIDRs...)
	out.Countries = append(append([]string{}, base.Countries...), overlay.Countries...)
	out.FlaggedRegions = append(append([]string{}, base.FlaggedRegions...), overlay.FlaggedRegions...)
	out.BlockedKeywords = append(append([]string{}, base.BlockedKeywords...), overlay.BlockedKeywords...)
	out.FlaggedKeywords = append(append([]string{}, base.FlaggedKeywords...), overlay.FlaggedKeywords...)
	out.Patterns = append(append([]string{}, base.Patterns...), overlay.Patterns...)
	out.HoneypotFields = append(append([]string{}, base.HoneypotFields...), overlay.HoneypotFields...)
	out.RequiredFields = append(append([]string{}, base.RequiredFields...), overlay.RequiredFields...)
	out.ForbiddenFields = append(append([]string{}, base.ForbiddenFields...), overlay.ForbiddenFields...)
	out.OptionalFields = append(append([]string{}, base.OptionalFields...), overlay.OptionalFields...)
	out.BlockedDomains = append(append([]string{}, base.BlockedDomains...), overlay.BlockedDomains...)
	out.AllowedDomains = append(append([]string{}, base.AllowedDomains...), overlay.AllowedDomains...)
	out.BlockedHashes = append(append([]string{}, base.BlockedHashes...), overlay.BlockedHashes...)
	out.FuzzyHashes = append(append([]string{}, base.FuzzyHashes...), overlay.FuzzyHashes...)
	out.BlockedUserAgents = append(append([]string{}, base.BlockedUserAgents...), overlay.BlockedUserAgents...)
	out.BlockedFingerprints = append(append([]string{}, base.BlockedFingerprints...), overlay.BlockedFingerprints...)
	out.RequiredEvents = append(append([]string{}, base.RequiredEvents...), overlay.RequiredEvents...)

	// max_* bounds: minimum wins (more restrictive).
	out.MaxExtraFields = minPositive(base.MaxExtraFields, overlay.MaxExtraFields)
	out.MaxFieldLength = minPositive(base.MaxFieldLength, overlay.MaxFieldLength)
	out.MaxTotalSize = minPositive(base.MaxTotalSize, overlay.MaxTotalSize)
	out.RateLimitWindowSeconds = minPositive(base.RateLimitWindowSeconds, overlay.RateLimitWindowSeconds)

	// min_* bounds: maximum wins (more restrictive).
	out.MinInteractionScore = maxFloat(base.MinInteractionScore, overlay.MinInteractionScore)
	out.MinPageTimeSeconds = maxFloat(base.MinPageTimeSeconds, overlay.MinPageTimeSeconds)

	// rate limiter caps are upper bounds on allowed volume, so the
	// narrower (smaller) configured limit is the more restrictive one.
	out.RateLimitPerIP = minPositive(base.RateLimitPerIP, overlay.RateLimitPerIP)
	out.RateLimitPerField = minPositive(base.RateLimitPerField, overlay.RateLimitPerField)

	// block/flag score thresholds: the lower threshold is more sensitive
	// and therefore more restrictive.
	out.BlockScore = minPositive(base.BlockScore, overlay.BlockScore)
	out.FlagScore = minPositive(base.FlagScore, overlay.FlagScore)

	if overlay.FieldMaxLengths != nil {
		merged := make(map[string]int, len(base.FieldMaxLengths)+len(overlay.FieldMaxLengths))
		for k, v := range base.FieldMaxLengths {
			merged[k] = v
		}
		for k, v := range overlay.FieldMaxLengths {
			if existing, ok := merged[k]; !ok || v < existing {
				merged[k] = v
			}
		}
		out.FieldMaxLengths = merged
	}

	if overlay.OutputMode != "" {
		out.OutputMode = overlay.OutputMode
	}

	out.HasSignatures = base.HasSignatures || overlay.HasSignatures
	return out
}

// minPositive returns the smaller of a and b, treating 0 as "unset" so an
// unset bound never wins over a configured one.
func minPositive(a, b int) int {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
