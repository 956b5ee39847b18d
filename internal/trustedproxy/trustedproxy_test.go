package trustedproxy

import (
	"net/netip"
	"testing"
)

func TestClientIP_UntrustedPeerIsTheClient(t *testing.T) {
	r := NewResolver(nil)
	ip := r.ClientIP("203.0.113.4:54321", "198.51.100.1")
	if ip.String() != "203.0.113.4" {
		t.Errorf("expected peer 203.0.113.4 (port stripped), got %v", ip)
	}
}

func TestClientIP_TrustedPeerWalksChainRightToLeft(t *testing.T) {
	r := NewResolver(nil)
	// peer is a trusted RFC1918 address (e.g. a load balancer); the chain
	// is walked right-to-left, skipping trusted hops, until the first
	// untrusted entry.
	ip := r.ClientIP("10.0.0.5:443", "203.0.113.9, 198.51.100.2, 10.0.0.2")
	if ip.String() != "198.51.100.2" {
		t.Errorf("expected rightmost untrusted entry 198.51.100.2, got %v", ip)
	}
}

func TestClientIP_AllChainEntriesTrustedFallsBackToLeftmost(t *testing.T) {
	r := NewResolver(nil)
	ip := r.ClientIP("10.0.0.5:443", "10.0.0.9, 10.0.0.1, 10.0.0.2")
	if ip.String() != "10.0.0.9" {
		t.Errorf("expected leftmost valid entry 10.0.0.9, got %v", ip)
	}
}

func TestClientIP_TrustedPeerNoChainFallsBackToPeer(t *testing.T) {
	r := NewResolver(nil)
	ip := r.ClientIP("127.0.0.1:9000", "")
	if ip.String() != "127.0.0.1" {
		t.Errorf("expected trusted peer with empty chain to fall back to itself, got %v", ip)
	}
}

func TestClientIP_AdditionalTrustedCIDRsAugmentDefaults(t *testing.T) {
	r := NewResolver([]string{"203.0.113.0/24"})
	// Default RFC1918 set is still honored alongside the extra CIDR.
	if !r.IsTrusted(mustParseAddr(t, "10.1.2.3")) {
		t.Error("expected default RFC1918 trust to remain after augmenting")
	}
	if !r.IsTrusted(mustParseAddr(t, "203.0.113.50")) {
		t.Error("expected the configured additional CIDR to be trusted")
	}
	if r.IsTrusted(mustParseAddr(t, "8.8.8.8")) {
		t.Error("expected an unrelated public address to remain untrusted")
	}
}

func TestClientIP_BracketedIPv6PeerStripsPort(t *testing.T) {
	r := NewResolver(nil)
	ip := r.ClientIP("[2001:db8::1]:443", "")
	if ip.String() != "2001:db8::1" {
		t.Errorf("expected bracketed IPv6 peer with port stripped, got %v", ip)
	}
}

func mustParseAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("failed to parse %q: %v", s, err)
	}
	return a
}
