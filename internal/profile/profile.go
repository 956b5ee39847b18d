// Package profile implements the defense-profile store (C9): CRUD for
// waf.Profile graphs plus the write-through local cache with
// version-counter invalidation spec.md §3 describes. Grounded on the
// teacher's internal/session/store.go (MemoryStore) and
// internal/session/redis_store.go (the Redis-backed counterpart with the
// same method set), generalized from session blobs to profile graphs.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wardengate/internal/kvstore"
	"wardengate/internal/waf"
)

const (
	keyPrefix    = "profiles:config:"
	versionKey   = "profiles:version:"
	indexKey     = "profiles:index"
	cacheTTL     = 60 * time.Second
)

// wireGraph/wireNode/wireProfile mirror waf.Graph/Node/Profile for JSON
// transport; kept distinct from the in-memory types so the wire format can
// evolve (e.g. omitempty) independent of internal field names.
type wireProfile struct {
	ID       string              `json:"id"`
	Version  int64               `json:"version"`
	Settings wireSettings        `json:"settings"`
	Graph    wireGraph           `json:"graph"`
}

type wireSettings struct {
	MaxExecutionTimeMS int64 `json:"max_execution_time_ms"`
}

type wireGraph struct {
	StartNodeID string               `json:"start_node_id"`
	Nodes       map[string]*wireNode `json:"nodes"`
}

type wireNode struct {
	ID   string        `json:"id"`
	Kind waf.NodeKind   `json:"kind"`

	StartNext string `json:"start_next,omitempty"`

	DefenseKind    waf.DefenseKind     `json:"defense_kind,omitempty"`
	Config         waf.DefenseConfig   `json:"config,omitzero"`
	BlockedOutput  string              `json:"blocked_output,omitempty"`
	AllowedOutput  string              `json:"allowed_output,omitempty"`
	ContinueOutput string              `json:"continue_output,omitempty"`
	ScoreSlot      string              `json:"score_slot,omitempty"`

	OperatorKind  waf.OperatorKind      `json:"operator_kind,omitempty"`
	SumInputs     []string              `json:"sum_inputs,omitempty"`
	OperatorNext  string                `json:"operator_next,omitempty"`
	Ranges        []waf.ThresholdRange  `json:"ranges,omitempty"`
	DefaultOutput string                `json:"default_output,omitempty"`
	BoolInputs    []string              `json:"bool_inputs,omitempty"`
	TrueOutput    string                `json:"true_output,omitempty"`
	FalseOutput   string                `json:"false_output,omitempty"`

	ActionKind   waf.ActionKind `json:"action_kind,omitempty"`
	DelaySeconds float64        `json:"delay_seconds,omitempty"`
	ThenAction   waf.ActionKind `json:"then_action,omitempty"`
	StatusCode   int            `json:"status_code,omitempty"`
	Body         string         `json:"body,omitempty"`
}

func toWire(p waf.Profile) wireProfile {
	nodes := make(map[string]*wireNode, len(p.Graph.Nodes))
	for id, n := range p.Graph.Nodes {
		nodes[id] = &wireNode{
			ID: n.ID, Kind: n.Kind, StartNext: n.StartNext,
			DefenseKind: n.DefenseKind, Config: n.Config,
			BlockedOutput: n.BlockedOutput, AllowedOutput: n.AllowedOutput,
			ContinueOutput: n.ContinueOutput, ScoreSlot: n.ScoreSlot,
			OperatorKind: n.OperatorKind, SumInputs: n.SumInputs,
			OperatorNext: n.OperatorNext, Ranges: n.Ranges,
			DefaultOutput: n.DefaultOutput, BoolInputs: n.BoolInputs,
			TrueOutput: n.TrueOutput, FalseOutput: n.FalseOutput,
			ActionKind: n.ActionKind, DelaySeconds: n.DelaySeconds,
			ThenAction: n.ThenAction, StatusCode: n.StatusCode, Body: n.Body,
		}
	}
	return wireProfile{
		ID: p.ID, Version: p.Version,
		Settings: wireSettings{MaxExecutionTimeMS: p.Settings.MaxExecutionTimeMS},
		Graph:    wireGraph{StartNodeID: p.Graph.StartNodeID, Nodes: nodes},
	}
}

func fromWire(w wireProfile) waf.Profile {
	nodes := make(map[string]*waf.Node, len(w.Graph.Nodes))
	for id, n := range w.Graph.Nodes {
		nodes[id] = &waf.Node{
			ID: n.ID, Kind: n.Kind, StartNext: n.StartNext,
			DefenseKind: n.DefenseKind, Config: n.Config,
			BlockedOutput: n.BlockedOutput, AllowedOutput: n.AllowedOutput,
			ContinueOutput: n.ContinueOutput, ScoreSlot: n.ScoreSlot,
			OperatorKind: n.OperatorKind, SumInputs: n.SumInputs,
			OperatorNext: n.OperatorNext, Ranges: n.Ranges,
			DefaultOutput: n.DefaultOutput, BoolInputs: n.BoolInputs,
			TrueOutput: n.TrueOutput, FalseOutput: n.FalseOutput,
			ActionKind: n.ActionKind, DelaySeconds: n.DelaySeconds,
			ThenAction: n.ThenAction, StatusCode: n.StatusCode, Body: n.Body,
		}
	}
	return waf.Profile{
		ID: w.ID, Version: w.Version,
		Settings: waf.Settings{MaxExecutionTimeMS: w.Settings.MaxExecutionTimeMS},
		Graph:    waf.Graph{StartNodeID: w.Graph.StartNodeID, Nodes: nodes},
	}
}

type cacheEntry struct {
	profile   waf.Profile
	version   int64
	expiresAt time.Time
}

// Store is the defense-profile CRUD surface with a short-TTL local cache
// invalidated either by expiry or by a version-counter mismatch observed
// on the next read — whichever happens first.
type Store struct {
	kv    kvstore.Store
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewStore builds a profile store over kv.
func NewStore(kv kvstore.Store) *Store {
	return &Store{kv: kv, cache: make(map[string]cacheEntry)}
}

func profileKey(id string) string { return kvstore.Key(keyPrefix + id) }
func versionFieldKey() string     { return kvstore.Key(versionKey) }

// Get fetches a profile by id. The local cache entry is trusted until its
// TTL lapses or the shared version counter for id has moved past the
// cached version, whichever comes first — this lets a Put on one instance
// invalidate every other instance's cache within one read, without
// needing pub/sub for the common case.
func (s *Store) Get(ctx context.Context, id string) (waf.Profile, bool, error) {
	s.mu.Lock()
	entry, cached := s.cache[id]
	s.mu.Unlock()

	if cached && time.Now().Before(entry.expiresAt) {
		curVersion, err := s.currentVersion(ctx, id)
		if err == nil && curVersion == entry.version {
			return entry.profile, true, nil
		}
	}

	data, found, err := s.kv.Get(ctx, profileKey(id))
	if err != nil {
		return waf.Profile{}, false, fmt.Errorf("profile: get %s: %w", id, err)
	}
	if !found {
		s.mu.Lock()
		delete(s.cache, id)
		s.mu.Unlock()
		return waf.Profile{}, false, nil
	}

	var w wireProfile
	if err := json.Unmarshal(data, &w); err != nil {
		return waf.Profile{}, false, fmt.Errorf("profile: decode %s: %w", id, err)
	}
	p := fromWire(w)

	s.mu.Lock()
	s.cache[id] = cacheEntry{profile: p, version: p.Version, expiresAt: time.Now().Add(cacheTTL)}
	s.mu.Unlock()
	return p, true, nil
}

func (s *Store) currentVersion(ctx context.Context, id string) (int64, error) {
	data, found, err := s.kv.HGet(ctx, versionFieldKey(), id)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	var v int64
	for _, c := range data {
		if c < '0' || c > '9' {
			break
		}
		v = v*10 + int64(c-'0')
	}
	return v, nil
}

// Put creates or replaces a profile, bumping its shared version counter so
// other instances' caches invalidate on their next read.
func (s *Store) Put(ctx context.Context, p waf.Profile) error {
	newVersion, err := s.kv.HIncrBy(ctx, versionFieldKey(), p.ID, 1)
	if err != nil {
		return fmt.Errorf("profile: bump version %s: %w", p.ID, err)
	}
	p.Version = newVersion

	data, err := json.Marshal(toWire(p))
	if err != nil {
		return fmt.Errorf("profile: encode %s: %w", p.ID, err)
	}
	if err := s.kv.Set(ctx, profileKey(p.ID), data, 0); err != nil {
		return fmt.Errorf("profile: put %s: %w", p.ID, err)
	}
	if err := s.kv.SAdd(ctx, kvstore.Key(indexKey), p.ID); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[p.ID] = cacheEntry{profile: p, version: p.Version, expiresAt: time.Now().Add(cacheTTL)}
	s.mu.Unlock()

	slog.Info("profile stored", "id", p.ID, "version", p.Version, "nodes", len(p.Graph.Nodes))
	return nil
}

// Delete removes a profile.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, profileKey(id)); err != nil {
		return err
	}
	_ = s.kv.SRem(ctx, kvstore.Key(indexKey), id)
	_ = s.kv.HDel(ctx, versionFieldKey(), id)
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
	return nil
}

// IDs lists every known profile id.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	return s.kv.SMembers(ctx, kvstore.Key(indexKey))
}

// InvalidateCache drops every locally cached entry; called when a
// cluster-wide invalidation broadcast arrives (see internal/cluster).
func (s *Store) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]cacheEntry)
}

// Validate walks a profile's graph checking structural invariants spec.md
// §4.2 requires: the start node exists and is NodeStart, every referenced
// successor id exists, and there is no path from the start node back to a
// node already visited on that path (cycle guard, mirrored at execution
// time by the engine but caught here eagerly at authoring time).
func Validate(p waf.Profile) error {
	start, ok := p.Graph.Nodes[p.Graph.StartNodeID]
	if !ok {
		return fmt.Errorf("profile %s: start node %q not found", p.ID, p.Graph.StartNodeID)
	}
	if start.Kind != waf.NodeStart {
		return fmt.Errorf("profile %s: start node %q is not kind start", p.ID, p.Graph.StartNodeID)
	}

	visited := make(map[string]bool)
	var walk func(id string, path map[string]bool) error
	walk = func(id string, path map[string]bool) error {
		if path[id] {
			return fmt.Errorf("profile %s: cycle detected at node %q", p.ID, id)
		}
		n, ok := p.Graph.Nodes[id]
		if !ok {
			return fmt.Errorf("profile %s: node %q referenced but not defined", p.ID, id)
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		path[id] = true
		defer delete(path, id)

		for _, next := range successors(n) {
			if next == "" {
				continue
			}
			if err := walk(next, path); err != nil {
				return err
			}
		}
		return nil
	}

	return walk(p.Graph.StartNodeID, make(map[string]bool))
}

func successors(n *waf.Node) []string {
	switch n.Kind {
	case waf.NodeStart:
		return []string{n.StartNext}
	case waf.NodeDefense:
		return []string{n.BlockedOutput, n.AllowedOutput, n.ContinueOutput}
	case waf.NodeOperator:
		switch n.OperatorKind {
		case waf.OperatorSum:
			return []string{n.OperatorNext}
		case waf.OperatorThresholdBranch:
			outs := make([]string, 0, len(n.Ranges)+1)
			for _, r := range n.Ranges {
				outs = append(outs, r.Output)
			}
			return append(outs, n.DefaultOutput)
		case waf.OperatorAnd, waf.OperatorOr:
			return []string{n.TrueOutput, n.FalseOutput}
		}
	case waf.NodeAction:
		return nil
	}
	return nil
}
