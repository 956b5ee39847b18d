// Package vhost implements the storage side of the vhost, endpoint, and
// behavioral-flow config entities (spec.md §3, §6 keys
// "waf:vhosts:config:{id}" and "waf:endpoints:config:{id}"): CRUD plus
// a short-TTL local cache (an entry is dropped on a local write; there is
// no version counter), and
// loaders that rebuild the endpointmatch.Matcher and behavior.Registry
// wholesale from the shared store. Grounded on the same pattern as
// internal/profile.Store and internal/signature.Store (both themselves
// grounded on the teacher's internal/session/store.go +
// redis_store.go), generalized to the config entity classes the request
// dispatcher needs before it can resolve a request.
package vhost

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"wardengate/internal/behavior"
	"wardengate/internal/endpointmatch"
	"wardengate/internal/kvstore"
	"wardengate/internal/timingtoken"
	"wardengate/internal/waf"
)

const (
	vhostKeyPrefix    = "vhosts:config:"
	vhostIndexKey     = "vhosts:index"
	endpointKeyPrefix = "endpoints:config:"
	endpointIndexKey  = "endpoints:index"
	flowKeyPrefix     = "behavioral:flows:config:"
	flowIndexKey      = "behavioral:flows:index"
	cacheTTL          = 60 * time.Second
)

// EndpointRecord bundles an endpoint's config with the matching rules
// that route requests to it — stored together since they are always
// authored and read as a unit by the admin surface.
type EndpointRecord struct {
	Endpoint waf.Endpoint
	Rules    []endpointmatch.Rule
}

// Store is the CRUD surface for vhosts and endpoints, backed by the
// shared store with the same short-TTL local cache spec.md §3 describes
// for every configuration entity.
type Store struct {
	kv kvstore.Store

	mu            sync.Mutex
	vhostCache    map[string]cachedVhost
	endpointCache map[string]cachedEndpoint
	flowCache     map[string]cachedFlow
}

type cachedVhost struct {
	v         waf.Vhost
	expiresAt time.Time
}

type cachedEndpoint struct {
	e         EndpointRecord
	expiresAt time.Time
}

type cachedFlow struct {
	f         waf.Flow
	expiresAt time.Time
}

// NewStore builds a vhost/endpoint store over kv.
func NewStore(kv kvstore.Store) *Store {
	return &Store{
		kv:            kv,
		vhostCache:    make(map[string]cachedVhost),
		endpointCache: make(map[string]cachedEndpoint),
		flowCache:     make(map[string]cachedFlow),
	}
}

func vhostKey(id string) string    { return kvstore.Key(vhostKeyPrefix + id) }
func endpointKey(id string) string { return kvstore.Key(endpointKeyPrefix + id) }
func flowKey(id string) string     { return kvstore.Key(flowKeyPrefix + id) }

// PutVhost creates or replaces a vhost record.
func (s *Store) PutVhost(ctx context.Context, v waf.Vhost) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("vhost: encode %s: %w", v.ID, err)
	}
	if err := s.kv.Set(ctx, vhostKey(v.ID), data, 0); err != nil {
		return err
	}
	if err := s.kv.SAdd(ctx, kvstore.Key(vhostIndexKey), v.ID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.vhostCache, v.ID)
	s.mu.Unlock()
	return nil
}

// GetVhost fetches a vhost by id.
func (s *Store) GetVhost(ctx context.Context, id string) (waf.Vhost, bool, error) {
	s.mu.Lock()
	entry, cached := s.vhostCache[id]
	s.mu.Unlock()
	if cached && time.Now().Before(entry.expiresAt) {
		return entry.v, true, nil
	}

	data, found, err := s.kv.Get(ctx, vhostKey(id))
	if err != nil {
		return waf.Vhost{}, false, fmt.Errorf("vhost: get %s: %w", id, err)
	}
	if !found {
		return waf.Vhost{}, false, nil
	}
	var v waf.Vhost
	if err := json.Unmarshal(data, &v); err != nil {
		return waf.Vhost{}, false, fmt.Errorf("vhost: decode %s: %w", id, err)
	}
	s.mu.Lock()
	s.vhostCache[id] = cachedVhost{v: v, expiresAt: time.Now().Add(cacheTTL)}
	s.mu.Unlock()
	return v, true, nil
}

// ListVhostIDs returns every registered vhost id.
func (s *Store) ListVhostIDs(ctx context.Context) ([]string, error) {
	return s.kv.SMembers(ctx, kvstore.Key(vhostIndexKey))
}

// wireEndpoint carries an EndpointRecord over JSON; endpointmatch.Rule's
// compiled regexp is unexported and rebuilt by CompileRule on load.
type wireEndpoint struct {
	Endpoint waf.Endpoint          `json:"endpoint"`
	Rules    []wireRule            `json:"rules"`
}

type wireRule struct {
	Kind    endpointmatch.MatchType `json:"kind"`
	Pattern string                  `json:"pattern"`
	Methods []string                `json:"methods,omitempty"`
}

// PutEndpoint creates or replaces an endpoint record and its index entry.
func (s *Store) PutEndpoint(ctx context.Context, rec EndpointRecord) error {
	w := wireEndpoint{Endpoint: rec.Endpoint}
	for _, r := range rec.Rules {
		w.Rules = append(w.Rules, wireRule{Kind: r.Kind, Pattern: r.Pattern, Methods: r.Methods})
	}
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("endpoint: encode %s: %w", rec.Endpoint.ID, err)
	}
	if err := s.kv.Set(ctx, endpointKey(rec.Endpoint.ID), data, 0); err != nil {
		return err
	}
	if err := s.kv.SAdd(ctx, kvstore.Key(endpointIndexKey), rec.Endpoint.ID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.endpointCache, rec.Endpoint.ID)
	s.mu.Unlock()
	return nil
}

// GetEndpoint fetches an endpoint record by id.
func (s *Store) GetEndpoint(ctx context.Context, id string) (EndpointRecord, bool, error) {
	s.mu.Lock()
	entry, cached := s.endpointCache[id]
	s.mu.Unlock()
	if cached && time.Now().Before(entry.expiresAt) {
		return entry.e, true, nil
	}

	data, found, err := s.kv.Get(ctx, endpointKey(id))
	if err != nil {
		return EndpointRecord{}, false, fmt.Errorf("endpoint: get %s: %w", id, err)
	}
	if !found {
		return EndpointRecord{}, false, nil
	}
	var w wireEndpoint
	if err := json.Unmarshal(data, &w); err != nil {
		return EndpointRecord{}, false, fmt.Errorf("endpoint: decode %s: %w", id, err)
	}
	rec := EndpointRecord{Endpoint: w.Endpoint}
	for _, r := range w.Rules {
		rec.Rules = append(rec.Rules, endpointmatch.Rule{
			EndpointID: w.Endpoint.ID, Kind: r.Kind, Pattern: r.Pattern, Methods: r.Methods,
		})
	}
	s.mu.Lock()
	s.endpointCache[id] = cachedEndpoint{e: rec, expiresAt: time.Now().Add(cacheTTL)}
	s.mu.Unlock()
	return rec, true, nil
}

// ListEndpointIDs returns every registered endpoint id.
func (s *Store) ListEndpointIDs(ctx context.Context) ([]string, error) {
	return s.kv.SMembers(ctx, kvstore.Key(endpointIndexKey))
}

// LoadMatcher rebuilds the endpointmatch.Matcher and the dispatcher's
// endpoint-definition map from every registered endpoint. Called once at
// worker startup and again whenever an admin mutation invalidates the
// endpoint index (see internal/cluster's pub/sub wiring) — never on the
// per-request path, matching spec.md §4.9's "compiled at cache-refresh
// time" requirement.
func (s *Store) LoadMatcher(ctx context.Context) (*endpointmatch.Matcher, map[string]waf.Endpoint, error) {
	ids, err := s.ListEndpointIDs(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("vhost: list endpoints: %w", err)
	}

	vhostRules := make(map[string][]endpointmatch.Rule)
	var globalRules []endpointmatch.Rule
	endpoints := make(map[string]waf.Endpoint, len(ids))

	for _, id := range ids {
		rec, found, err := s.GetEndpoint(ctx, id)
		if err != nil || !found {
			continue
		}
		endpoints[id] = rec.Endpoint
		if rec.Endpoint.VhostID == "" || rec.Endpoint.VhostID == waf.DefaultVhostID {
			globalRules = append(globalRules, rec.Rules...)
		} else {
			vhostRules[rec.Endpoint.VhostID] = append(vhostRules[rec.Endpoint.VhostID], rec.Rules...)
		}
	}

	return endpointmatch.NewMatcher(vhostRules, globalRules), endpoints, nil
}

// PutFlow creates or replaces a behavioral flow record and its index
// entry (spec.md §3 "Behavioral flow").
func (s *Store) PutFlow(ctx context.Context, f waf.Flow) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("flow: encode %s: %w", f.ID, err)
	}
	if err := s.kv.Set(ctx, flowKey(f.ID), data, 0); err != nil {
		return err
	}
	if err := s.kv.SAdd(ctx, kvstore.Key(flowIndexKey), f.ID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.flowCache, f.ID)
	s.mu.Unlock()
	return nil
}

// GetFlow fetches a behavioral flow by id.
func (s *Store) GetFlow(ctx context.Context, id string) (waf.Flow, bool, error) {
	s.mu.Lock()
	entry, cached := s.flowCache[id]
	s.mu.Unlock()
	if cached && time.Now().Before(entry.expiresAt) {
		return entry.f, true, nil
	}

	data, found, err := s.kv.Get(ctx, flowKey(id))
	if err != nil {
		return waf.Flow{}, false, fmt.Errorf("flow: get %s: %w", id, err)
	}
	if !found {
		return waf.Flow{}, false, nil
	}
	var f waf.Flow
	if err := json.Unmarshal(data, &f); err != nil {
		return waf.Flow{}, false, fmt.Errorf("flow: decode %s: %w", id, err)
	}
	s.mu.Lock()
	s.flowCache[id] = cachedFlow{f: f, expiresAt: time.Now().Add(cacheTTL)}
	s.mu.Unlock()
	return f, true, nil
}

// ListFlowIDs returns every registered flow id.
func (s *Store) ListFlowIDs(ctx context.Context) ([]string, error) {
	return s.kv.SMembers(ctx, kvstore.Key(flowIndexKey))
}

// LoadFlowRegistry rebuilds a behavior.Registry from every registered
// flow, compiling each flow's path patterns once here rather than per
// request — the same cache-refresh-time compilation shape LoadMatcher
// uses for endpoint rules. Called at worker startup and again on flow
// index invalidation.
func (s *Store) LoadFlowRegistry(ctx context.Context) (*behavior.Registry, error) {
	ids, err := s.ListFlowIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("flow: list: %w", err)
	}
	defs := make([]behavior.FlowDef, 0, len(ids))
	for _, id := range ids {
		f, found, err := s.GetFlow(ctx, id)
		if err != nil || !found {
			continue
		}
		mode := timingtoken.MatchMode(f.PathMatchMode)
		if mode == "" {
			mode = timingtoken.MatchExact
		}
		defs = append(defs, behavior.CompileFlowDef(f.ID, f.VhostID, f.StartPaths, f.EndPaths, mode, f.StartMethods, f.EndMethods))
	}
	return behavior.NewRegistry(defs), nil
}

// InvalidateCache drops every locally cached vhost/endpoint/flow entry.
func (s *Store) InvalidateCache() {
	s.mu.Lock()
	s.vhostCache = make(map[string]cachedVhost)
	s.endpointCache = make(map[string]cachedEndpoint)
	s.flowCache = make(map[string]cachedFlow)
	s.mu.Unlock()
}
