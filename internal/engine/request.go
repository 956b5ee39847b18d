// Package engine implements the defense-profile executor (C10): the graph
// interpreter that walks a waf.Graph from its start node through defense,
// operator, and action nodes to a terminal verdict. Grounded on the
// teacher's internal/policy.Engine.Evaluate, which dispatches a flat list
// of typed rules against session metrics and accumulates violations; this
// generalizes that dispatch-and-accumulate shape to a graph walk with
// named score/bool slots instead of a flat violation list.
package engine

import (
	"net/netip"
	"time"

	"wardengate/internal/behavior"
	"wardengate/internal/bodyparse"
	"wardengate/internal/timingtoken"
)

// Request is everything a defense node might need to consult, assembled
// by the dispatcher (C16) before invoking the executor.
type Request struct {
	Method       string
	Path         string
	VhostID      string
	ClientIP     netip.Addr
	Headers      map[string]string
	UserAgent    string
	Form         *bodyparse.ParseResult
	TimingCookie string
	FlowID       string
	Now          time.Time

	// TimingConfig and BehaviorConfig, when non-nil, override
	// Dependencies' worker-wide defaults for this request's vhost
	// (spec.md §3: per-vhost timing/behavioral config falling back to a
	// global default). Nil means "use the worker-wide default
	// unmodified".
	TimingConfig   *timingtoken.Config
	BehaviorConfig *behavior.Config
}

// effectiveTimingConfig returns req's per-vhost timing override if set,
// else deps' worker-wide default.
func (req *Request) effectiveTimingConfig(deps *Dependencies) timingtoken.Config {
	if req.TimingConfig != nil {
		return *req.TimingConfig
	}
	return deps.TimingConfig
}

// effectiveBehaviorConfig returns req's per-vhost behavioral override if
// set, else deps' worker-wide default.
func (req *Request) effectiveBehaviorConfig(deps *Dependencies) behavior.Config {
	if req.BehaviorConfig != nil {
		return *req.BehaviorConfig
	}
	return deps.BehaviorConfig
}
