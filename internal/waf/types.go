// Package waf holds the core data model shared by the defense-profile
// store, the defense-profile executor, the defense-line executor, and the
// multi-profile orchestrator: node/graph/profile/signature/endpoint/vhost
// types and the tagged-variant enums spec.md §9 calls for in place of the
// original's dynamic typing.
package waf

import "time"

// DefenseKind enumerates the fifteen detector types in the catalog
// (spec.md §4.3).
type DefenseKind string

const (
	DefenseIPAllowlist       DefenseKind = "ip_allowlist"
	DefenseGeoIP             DefenseKind = "geoip"
	DefenseIPReputation      DefenseKind = "ip_reputation"
	DefenseTimingToken       DefenseKind = "timing_token"
	DefenseBehavioral        DefenseKind = "behavioral"
	DefenseHoneypot          DefenseKind = "honeypot"
	DefenseKeywordFilter     DefenseKind = "keyword_filter"
	DefenseContentHash       DefenseKind = "content_hash"
	DefenseExpectedFields    DefenseKind = "expected_fields"
	DefensePatternScan       DefenseKind = "pattern_scan"
	DefenseDisposableEmail   DefenseKind = "disposable_email"
	DefenseFieldAnomalies    DefenseKind = "field_anomalies"
	DefenseFingerprint       DefenseKind = "fingerprint"
	DefenseHeaderConsistency DefenseKind = "header_consistency"
	DefenseRateLimiter       DefenseKind = "rate_limiter"
)

// AllDefenseKinds lists every known detector type, for validation and for
// "unknown kind ignored with diagnostic flag" handling in signature merge.
func AllDefenseKinds() []DefenseKind {
	return []DefenseKind{
		DefenseIPAllowlist, DefenseGeoIP, DefenseIPReputation, DefenseTimingToken,
		DefenseBehavioral, DefenseHoneypot, DefenseKeywordFilter, DefenseContentHash,
		DefenseExpectedFields, DefensePatternScan, DefenseDisposableEmail,
		DefenseFieldAnomalies, DefenseFingerprint, DefenseHeaderConsistency,
		DefenseRateLimiter,
	}
}

// OutputMode governs how a defense node's raw detection result is filtered
// before it affects graph flow and scoring.
type OutputMode string

const (
	OutputScore  OutputMode = "score"
	OutputBinary OutputMode = "binary"
	OutputBoth   OutputMode = "both"
)

// NodeKind is the tagged variant for graph nodes.
type NodeKind string

const (
	NodeStart    NodeKind = "start"
	NodeDefense  NodeKind = "defense"
	NodeOperator NodeKind = "operator"
	NodeAction   NodeKind = "action"
)

// OperatorKind is the tagged variant for operator nodes.
type OperatorKind string

const (
	OperatorSum             OperatorKind = "sum"
	OperatorThresholdBranch OperatorKind = "threshold_branch"
	OperatorAnd             OperatorKind = "and"
	OperatorOr              OperatorKind = "or"
)

// ActionKind is the tagged variant for terminal action nodes.
type ActionKind string

const (
	ActionAllow   ActionKind = "allow"
	ActionFlag    ActionKind = "flag"
	ActionBlock   ActionKind = "block"
	ActionCaptcha ActionKind = "captcha"
	ActionTarpit  ActionKind = "tarpit"
)

// ThresholdRange is one [Min, Max) bucket of a threshold_branch operator.
// Max is nil for the open-ended "+infinity" bucket.
type ThresholdRange struct {
	Min    float64
	Max    *float64
	Output string
}

// Contains reports whether v falls in [Min, Max).
func (r ThresholdRange) Contains(v float64) bool {
	if v < r.Min {
		return false
	}
	if r.Max == nil {
		return true
	}
	return v < *r.Max
}

// DefenseConfig is the union of fields any catalog detector reads; each
// detector consults only the subset relevant to its DefenseKind. A single
// shape (rather than fifteen distinct structs) is deliberate: the
// signature-overlay merge rule in spec.md §9 treats every section
// uniformly (arrays concatenate, booleans OR, min_* bounds raise, max_*
// bounds lower, scalars override), so one merge function covers every
// detector type without a type switch per kind.
type DefenseConfig struct {
	OutputMode OutputMode

	ExactIPs []string
	CIDRs    []string

	Countries       []string
	FlaggedRegions  []string

	BlockedKeywords []string
	FlaggedKeywords []string
	Patterns        []string

	HoneypotFields   []string
	RequiredFields   []string
	ForbiddenFields  []string
	OptionalFields   []string

	BlockedDomains []string
	AllowedDomains []string

	BlockedHashes []string
	FuzzyHashes   []string

	BlockedUserAgents   []string
	BlockedFingerprints []string

	FieldMaxLengths map[string]int

	MaxExtraFields int
	MaxFieldLength int
	MaxTotalSize   int

	MinInteractionScore float64
	MinPageTimeSeconds  float64
	RequiredEvents      []string

	BlockScore int
	FlagScore  int

	RateLimitPerIP         int
	RateLimitPerField      int
	RateLimitWindowSeconds int

	// HasSignatures and SignaturePatterns carry the C11 overlay: when a
	// defense-line attaches matching signature sections, the defense-line
	// executor deep-copies the node, unions these into it, and sets
	// HasSignatures so the detector knows to consult them.
	HasSignatures     bool
	SignaturePatterns *DefenseConfig
}

// Node is one vertex of a defense-profile graph.
type Node struct {
	ID   string
	Kind NodeKind

	// NodeStart
	StartNext string

	// NodeDefense
	DefenseKind     DefenseKind
	Config          DefenseConfig
	BlockedOutput   string
	AllowedOutput   string
	ContinueOutput  string
	ScoreSlot       string // named slot this node's score is accumulated into

	// NodeOperator
	OperatorKind  OperatorKind
	SumInputs     []string // named score slots to sum
	OperatorNext  string   // sum's single successor
	Ranges        []ThresholdRange
	DefaultOutput string
	BoolInputs    []string // and/or boolean slot inputs
	TrueOutput    string
	FalseOutput   string

	// NodeAction
	ActionKind   ActionKind
	DelaySeconds float64
	ThenAction   ActionKind
	StatusCode   int
	Body         string
}

// Graph is a defense profile's node set plus its entry point.
type Graph struct {
	StartNodeID string
	Nodes       map[string]*Node
}

// Settings configures profile-level execution limits.
type Settings struct {
	MaxExecutionTimeMS int64
}

// Profile is a named, versioned defense pipeline.
type Profile struct {
	ID       string
	Graph    Graph
	Settings Settings
	Version  int64
}

// Signature is a named, prioritized bundle of per-defense-kind pattern
// sections, optionally tagged and/or builtin.
type Signature struct {
	ID       string
	Priority int
	Tags     []string
	Enabled  bool
	Builtin  bool
	Sections map[DefenseKind]DefenseConfig
}

// ProcessingMode governs how the dispatcher treats an endpoint's verdict.
type ProcessingMode string

const (
	ModeBlocking    ProcessingMode = "blocking"
	ModeMonitoring  ProcessingMode = "monitoring"
	ModePassthrough ProcessingMode = "passthrough"
	ModeStrict      ProcessingMode = "strict"
)

// AggregationBinary is the binary-aggregation strategy across profiles.
type AggregationBinary string

const (
	AggBinaryOR       AggregationBinary = "or"
	AggBinaryAND      AggregationBinary = "and"
	AggBinaryMajority AggregationBinary = "majority"
)

// AggregationScore is the score-aggregation strategy across profiles.
type AggregationScore string

const (
	AggScoreSum          AggregationScore = "sum"
	AggScoreMax          AggregationScore = "max"
	AggScoreWeightedAvg  AggregationScore = "weighted_avg"
)

// AttachedProfile binds a profile to an endpoint with execution priority
// and aggregation weight.
type AttachedProfile struct {
	ProfileID    string
	Priority     int
	Weight       float64
	ShortCircuit bool
}

// DefenseLine binds a profile to a set of signature ids, run after base
// profile composition.
type DefenseLine struct {
	ProfileID    string
	SignatureIDs []string
}

// Thresholds are the score cutoffs that turn a numeric score into a
// decision when no action node in the graph already decided one.
type Thresholds struct {
	FlagScore    int
	BlockScore   int
	CaptchaScore int
}

// Endpoint binds matching rules to a processing mode, attached profiles,
// defense lines, and threshold overrides.
type Endpoint struct {
	ID                string
	VhostID           string
	Mode              ProcessingMode
	AttachedProfiles  []AttachedProfile
	DefenseLines      []DefenseLine
	Thresholds        *Thresholds // nil means use vhost/global default
	BinaryAggregation AggregationBinary
	ScoreAggregation  AggregationScore
	TimingOptOut      bool
}

// VhostTimingOverride overrides a subset of the global timing-token
// config for one vhost (spec.md §3: "per-vhost timing-token
// configuration ... falling back to global default"). Zero-valued
// fields mean "inherit the global default" — there is no explicit
// per-field "unset" sentinel beyond the Go zero value, matching how
// Endpoint.Thresholds already does whole-struct-or-nothing override.
type VhostTimingOverride struct {
	Enabled       *bool
	CookieTTL     time.Duration
	MinTimeBlock  time.Duration
	MinTimeFlag   time.Duration
	ScoreNoCookie *int
	ScoreTooFast  *int
	ScoreSuspect  *int
}

// VhostBehavioralOverride overrides a subset of the global behavioral-
// tracker config for one vhost (spec.md §3, §4.8).
type VhostBehavioralOverride struct {
	MinSamples      *int64
	StdDevThreshold float64
	ScoreAddition   *int
}

// Vhost is a tenant: identity plus per-tenant subsystem configuration.
type Vhost struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time

	// Timing and Behavioral are nil when the vhost has no overrides and
	// should use the global default verbatim.
	Timing     *VhostTimingOverride
	Behavioral *VhostBehavioralOverride
}

const DefaultVhostID = "_default"

// Flow is a named behavioral unit within a vhost (spec.md §3, §4.8):
// identified by (VhostID, ID), matched by its StartPaths/EndPaths under
// PathMatchMode plus a method allowlist. The behavioral tracker (C13)
// buckets submission counters and learns a baseline per flow, keyed by
// ID rather than by the raw endpoint+client-IP pairing the dispatcher
// falls back to when no flow matches.
type Flow struct {
	ID            string
	VhostID       string
	StartPaths    []string
	EndPaths      []string
	PathMatchMode string // exact | prefix | regex, shared across Start/EndPaths
	StartMethods  []string
	EndMethods    []string
}
