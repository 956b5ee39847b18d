package netutil

import (
	"net"
	"net/netip"
	"sync"

	"github.com/phemmer/go-iptrie"
)

// CIDRSet is a concurrency-safe set of CIDRs (and bare IPs, treated as
// single-address CIDRs) supporting O(log n) containment checks. It backs
// the `ip_allowlist` defense node and the local IP-reputation blocklist.
type CIDRSet struct {
	mu    sync.RWMutex
	trie4 *iptrie.Trie
	trie6 *iptrie.Trie
	exact map[netip.Addr]struct{}
}

// NewCIDRSet builds a set from a list of IP or CIDR strings. Malformed
// entries are skipped (the caller is expected to have validated
// configuration at write time; a best-effort load never fails here).
func NewCIDRSet(entries []string) *CIDRSet {
	s := &CIDRSet{
		trie4: iptrie.NewTrie(),
		trie6: iptrie.NewTrie(),
		exact: make(map[netip.Addr]struct{}),
	}
	for _, e := range entries {
		s.Add(e)
	}
	return s
}

// Add inserts an IP or CIDR entry into the set.
func (s *CIDRSet) Add(entry string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prefix, ok := ParseCIDR(entry); ok {
		_, ipnet, err := net.ParseCIDR(prefix.String())
		if err != nil {
			return false
		}
		if prefix.Addr().Is4() {
			s.trie4.Insert(ipnet, true)
		} else {
			s.trie6.Insert(ipnet, true)
		}
		return true
	}

	if addr, ok := ParseIP(entry); ok {
		s.exact[addr] = struct{}{}
		return true
	}
	return false
}

// Contains reports whether addr matches any exact entry or falls within
// any CIDR in the set. Cross-family lookups never match.
func (s *CIDRSet) Contains(addr netip.Addr) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.exact[addr]; ok {
		return true
	}

	trie := s.trie6
	if addr.Is4() {
		trie = s.trie4
	}
	ip := net.IP(addr.AsSlice())
	_, matched := trie.Search(ip)
	return matched != nil
}

// ContainsString parses s and checks membership; returns false for
// unparsable input.
func (s *CIDRSet) ContainsString(ip string) bool {
	addr, ok := ParseIP(ip)
	if !ok {
		return false
	}
	return s.Contains(addr)
}
