// Package signature implements the attack-signature store (C8): CRUD plus
// the active/tag/builtin/priority indices spec.md §3 and §6 require,
// maintained atomically with each mutation. Grounded on the teacher's
// internal/session/redis_store.go, which already indexes session ids in a
// Redis set alongside the primary JSON blob per id — this generalizes that
// one index into the four the spec calls for.
package signature

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"wardengate/internal/kvstore"
	"wardengate/internal/waf"
)

const (
	keyPrefix   = "attack_signatures:config:"
	indexKey    = "attack_signatures:index"
	activeKey   = "attack_signatures:active"
	builtinKey  = "attack_signatures:builtin"
	tagKeyBase  = "attack_signatures:by_tag:"
	cacheTTL    = 60 * time.Second
)

// wireSignature is the JSON-on-the-wire shape stored at
// waf:attack_signatures:config:{id}.
type wireSignature struct {
	ID       string                           `json:"id"`
	Priority int                              `json:"priority"`
	Tags     []string                         `json:"tags"`
	Enabled  bool                             `json:"enabled"`
	Builtin  bool                             `json:"builtin"`
	Sections map[waf.DefenseKind]wireSection `json:"signatures"`
}

type wireSection struct {
	ExactIPs            []string       `json:"exact_ips,omitempty"`
	CIDRs               []string       `json:"cidrs,omitempty"`
	Countries           []string       `json:"countries,omitempty"`
	BlockedKeywords     []string       `json:"blocked_keywords,omitempty"`
	FlaggedKeywords     []string       `json:"flagged_keywords,omitempty"`
	Patterns            []string       `json:"patterns,omitempty"`
	HoneypotFields      []string       `json:"honeypot_fields,omitempty"`
	RequiredFields      []string       `json:"required_fields,omitempty"`
	ForbiddenFields     []string       `json:"forbidden_fields,omitempty"`
	OptionalFields      []string       `json:"optional_fields,omitempty"`
	BlockedDomains      []string       `json:"blocked_domains,omitempty"`
	AllowedDomains      []string       `json:"allowed_domains,omitempty"`
	BlockedHashes       []string       `json:"blocked_hashes,omitempty"`
	FuzzyHashes         []string       `json:"fuzzy_hashes,omitempty"`
	BlockedUserAgents   []string       `json:"blocked_user_agents,omitempty"`
	BlockedFingerprints []string       `json:"blocked_fingerprints,omitempty"`
	FieldMaxLengths     map[string]int `json:"field_max_lengths,omitempty"`
	MaxExtraFields      int            `json:"max_extra_fields,omitempty"`
	MaxFieldLength      int            `json:"max_field_length,omitempty"`
	MaxTotalSize        int            `json:"max_total_size,omitempty"`
	MinInteractionScore float64        `json:"min_interaction_score,omitempty"`
	MinPageTimeSeconds  float64        `json:"min_page_time_seconds,omitempty"`
	RequiredEvents      []string       `json:"required_events,omitempty"`
	BlockScore          int            `json:"block_score,omitempty"`
	FlagScore           int            `json:"flag_score,omitempty"`
}

func toWire(s waf.Signature) wireSignature {
	sections := make(map[waf.DefenseKind]wireSection, len(s.Sections))
	for k, v := range s.Sections {
		sections[k] = wireSection{
			ExactIPs: v.ExactIPs, CIDRs: v.CIDRs, Countries: v.Countries,
			BlockedKeywords: v.BlockedKeywords, FlaggedKeywords: v.FlaggedKeywords,
			Patterns: v.Patterns, HoneypotFields: v.HoneypotFields,
			RequiredFields: v.RequiredFields, ForbiddenFields: v.ForbiddenFields,
			OptionalFields: v.OptionalFields, BlockedDomains: v.BlockedDomains,
			AllowedDomains: v.AllowedDomains, BlockedHashes: v.BlockedHashes,
			FuzzyHashes: v.FuzzyHashes, BlockedUserAgents: v.BlockedUserAgents,
			BlockedFingerprints: v.BlockedFingerprints, FieldMaxLengths: v.FieldMaxLengths,
			MaxExtraFields: v.MaxExtraFields, MaxFieldLength: v.MaxFieldLength,
			MaxTotalSize: v.MaxTotalSize, MinInteractionScore: v.MinInteractionScore,
			MinPageTimeSeconds: v.MinPageTimeSeconds, RequiredEvents: v.RequiredEvents,
			BlockScore: v.BlockScore, FlagScore: v.FlagScore,
		}
	}
	return wireSignature{
		ID: s.ID, Priority: s.Priority, Tags: s.Tags, Enabled: s.Enabled,
		Builtin: s.Builtin, Sections: sections,
	}
}

func fromWire(w wireSignature) waf.Signature {
	sections := make(map[waf.DefenseKind]waf.DefenseConfig, len(w.Sections))
	for k, v := range w.Sections {
		sections[k] = waf.DefenseConfig{
			ExactIPs: v.ExactIPs, CIDRs: v.CIDRs, Countries: v.Countries,
			BlockedKeywords: v.BlockedKeywords, FlaggedKeywords: v.FlaggedKeywords,
			Patterns: v.Patterns, HoneypotFields: v.HoneypotFields,
			RequiredFields: v.RequiredFields, ForbiddenFields: v.ForbiddenFields,
			OptionalFields: v.OptionalFields, BlockedDomains: v.BlockedDomains,
			AllowedDomains: v.AllowedDomains, BlockedHashes: v.BlockedHashes,
			FuzzyHashes: v.FuzzyHashes, BlockedUserAgents: v.BlockedUserAgents,
			BlockedFingerprints: v.BlockedFingerprints, FieldMaxLengths: v.FieldMaxLengths,
			MaxExtraFields: v.MaxExtraFields, MaxFieldLength: v.MaxFieldLength,
			MaxTotalSize: v.MaxTotalSize, MinInteractionScore: v.MinInteractionScore,
			MinPageTimeSeconds: v.MinPageTimeSeconds, RequiredEvents: v.RequiredEvents,
			BlockScore: v.BlockScore, FlagScore: v.FlagScore,
			HasSignatures: true,
		}
	}
	return waf.Signature{
		ID: w.ID, Priority: w.Priority, Tags: w.Tags, Enabled: w.Enabled,
		Builtin: w.Builtin, Sections: sections,
	}
}

// cacheEntry is the local write-through cache's record for one signature.
type cacheEntry struct {
	sig       waf.Signature
	expiresAt time.Time
}

// Store is the attack-signature CRUD surface, backed by the shared
// key-value store with a short-TTL local read cache (spec.md §3's
// "write-through local cache with short TTLs").
type Store struct {
	kv    kvstore.Store
	cache map[string]cacheEntry
}

// NewStore builds a signature store over kv.
func NewStore(kv kvstore.Store) *Store {
	return &Store{kv: kv, cache: make(map[string]cacheEntry)}
}

func signatureKey(id string) string { return kvstore.Key(keyPrefix + id) }

// Get fetches a signature by id, consulting the local cache first.
func (s *Store) Get(ctx context.Context, id string) (waf.Signature, bool, error) {
	if e, ok := s.cache[id]; ok && time.Now().Before(e.expiresAt) {
		return e.sig, true, nil
	}

	data, found, err := s.kv.Get(ctx, signatureKey(id))
	if err != nil {
		return waf.Signature{}, false, fmt.Errorf("signature: get %s: %w", id, err)
	}
	if !found {
		delete(s.cache, id)
		return waf.Signature{}, false, nil
	}

	var w wireSignature
	if err := json.Unmarshal(data, &w); err != nil {
		return waf.Signature{}, false, fmt.Errorf("signature: decode %s: %w", id, err)
	}
	sig := fromWire(w)
	s.cache[id] = cacheEntry{sig: sig, expiresAt: time.Now().Add(cacheTTL)}
	return sig, true, nil
}

// Put creates or replaces a signature and maintains all four indices
// atomically relative to observable reads (each index write either lands
// or the whole operation returns an error before advancing).
func (s *Store) Put(ctx context.Context, sig waf.Signature) error {
	data, err := json.Marshal(toWire(sig))
	if err != nil {
		return fmt.Errorf("signature: encode %s: %w", sig.ID, err)
	}

	if err := s.kv.Set(ctx, signatureKey(sig.ID), data, 0); err != nil {
		return fmt.Errorf("signature: put %s: %w", sig.ID, err)
	}
	if err := s.kv.SAdd(ctx, kvstore.Key(indexKey), sig.ID); err != nil {
		return err
	}
	if err := s.kv.ZAdd(ctx, kvstore.Key(indexKey+":priority"), sig.ID, float64(sig.Priority)); err != nil {
		return err
	}

	if sig.Enabled {
		if err := s.kv.SAdd(ctx, kvstore.Key(activeKey), sig.ID); err != nil {
			return err
		}
	} else {
		if err := s.kv.SRem(ctx, kvstore.Key(activeKey), sig.ID); err != nil {
			return err
		}
	}

	if sig.Builtin {
		if err := s.kv.SAdd(ctx, kvstore.Key(builtinKey), sig.ID); err != nil {
			return err
		}
	}

	for _, tag := range sig.Tags {
		if err := s.kv.SAdd(ctx, kvstore.Key(tagKeyBase+tag), sig.ID); err != nil {
			return err
		}
	}

	delete(s.cache, sig.ID)
	slog.Info("signature stored", "id", sig.ID, "priority", sig.Priority, "enabled", sig.Enabled, "builtin", sig.Builtin)
	return nil
}

// Delete removes a signature and its index entries. Builtin signatures
// cannot be deleted — call Reset instead; Delete returns an error for
// them.
func (s *Store) Delete(ctx context.Context, id string) error {
	sig, found, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if sig.Builtin {
		return fmt.Errorf("signature: %s is builtin and cannot be deleted, use Reset", id)
	}

	if err := s.kv.Delete(ctx, signatureKey(id)); err != nil {
		return err
	}
	_ = s.kv.SRem(ctx, kvstore.Key(indexKey), id)
	_ = s.kv.ZRem(ctx, kvstore.Key(indexKey+":priority"), id)
	_ = s.kv.SRem(ctx, kvstore.Key(activeKey), id)
	for _, tag := range sig.Tags {
		_ = s.kv.SRem(ctx, kvstore.Key(tagKeyBase+tag), id)
	}
	delete(s.cache, id)
	return nil
}

// Reset restores a builtin signature to disabled=false, enabled=true
// (its shipped defaults) rather than removing it — builtins are
// immutable by identity, only by content.
func (s *Store) Reset(ctx context.Context, defaults waf.Signature) error {
	if !defaults.Builtin {
		return fmt.Errorf("signature: Reset is only valid for builtin signatures")
	}
	return s.Put(ctx, defaults)
}

// ActiveIDs returns the currently enabled signature ids.
func (s *Store) ActiveIDs(ctx context.Context) ([]string, error) {
	return s.kv.SMembers(ctx, kvstore.Key(activeKey))
}

// ByTag returns the ids tagged with tag.
func (s *Store) ByTag(ctx context.Context, tag string) ([]string, error) {
	return s.kv.SMembers(ctx, kvstore.Key(tagKeyBase+tag))
}

// BuiltinIDs returns the ids flagged as builtin.
func (s *Store) BuiltinIDs(ctx context.Context) ([]string, error) {
	return s.kv.SMembers(ctx, kvstore.Key(builtinKey))
}

// ResolveOrdered fetches the given signature ids, drops missing or
// disabled ones (recording a warning), and returns the rest sorted by
// priority ascending — step 1 of the defense-line executor (C11).
func (s *Store) ResolveOrdered(ctx context.Context, ids []string) (sigs []waf.Signature, warnings []string) {
	for _, id := range ids {
		sig, found, err := s.Get(ctx, id)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("signature_error:%s:%v", id, err))
			continue
		}
		if !found {
			warnings = append(warnings, "signature_error:missing:"+id)
			continue
		}
		if !sig.Enabled {
			warnings = append(warnings, "signature_error:disabled:"+id)
			continue
		}
		sigs = append(sigs, sig)
	}
	sort.SliceStable(sigs, func(i, j int) bool { return sigs[i].Priority < sigs[j].Priority })
	return sigs, warnings
}

// InvalidateCache drops every locally cached entry; called when an
// invalidation broadcast arrives (see internal/cluster's pub/sub wiring).
func (s *Store) InvalidateCache() {
	s.cache = make(map[string]cacheEntry)
}
