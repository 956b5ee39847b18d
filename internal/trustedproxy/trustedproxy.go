// Package trustedproxy derives the real client IP from a chain of
// forwarded-for addresses, trusting only a configured and default set of
// proxy networks. Grounded on the teacher's client-IP extraction in
// internal/session/manager.go (extractIP), generalized to the full
// trusted-chain walk the spec requires.
package trustedproxy

import (
	"net"
	"net/netip"
	"strings"

	"wardengate/internal/netutil"
)

// Resolver resolves the real client IP given the immediate peer address
// and an X-Forwarded-For style header value.
type Resolver struct {
	trusted *netutil.CIDRSet
}

// DefaultTrustedCIDRs is the built-in trusted-proxy set: RFC1918 v4,
// loopbacks, carrier-grade NAT, link-local, and ULA v6. Configuration
// augments this list; it never replaces it.
func DefaultTrustedCIDRs() []string {
	return []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"100.64.0.0/10",
		"169.254.0.0/16",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	}
}

// NewResolver builds a Resolver from the default set plus any additional
// trusted CIDRs from configuration.
func NewResolver(additional []string) *Resolver {
	entries := append(append([]string{}, DefaultTrustedCIDRs()...), additional...)
	return &Resolver{trusted: netutil.NewCIDRSet(entries)}
}

// IsTrusted reports whether ip belongs to the trusted-proxy set.
func (r *Resolver) IsTrusted(ip netip.Addr) bool {
	return r.trusted.Contains(ip)
}

// ClientIP walks the forwarded-for chain right-to-left when the immediate
// peer is trusted, returning the first untrusted, valid entry. If the peer
// itself is not trusted, the peer is the client. If no entry in the chain
// is untrusted, the leftmost valid entry is used; failing that, the peer.
//
// peer accepts either a bare IP or a "host:port" address (as net.Conn's
// RemoteAddr / http.Request.RemoteAddr format it) — the port, if present,
// is stripped before parsing.
func (r *Resolver) ClientIP(peer string, forwardedFor string) netip.Addr {
	peerAddr, peerOK := netutil.ParseIP(stripPort(peer))
	if !peerOK {
		return netip.Addr{}
	}

	if !r.IsTrusted(peerAddr) {
		return peerAddr
	}

	parts := splitChain(forwardedFor)

	for i := len(parts) - 1; i >= 0; i-- {
		addr, ok := netutil.ParseIP(parts[i])
		if !ok {
			continue
		}
		if !r.IsTrusted(addr) {
			return addr
		}
	}

	for _, p := range parts {
		addr, ok := netutil.ParseIP(p)
		if ok {
			return addr
		}
	}
	return peerAddr
}

// stripPort removes a trailing ":port" from addr, if present, leaving a
// bare IP literal. Bracketed IPv6 host:port ("[::1]:8080") and plain
// bare-IP inputs (no port at all) are both handled; a malformed address
// is returned unchanged so the caller's own ParseIP failure reports it.
func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func splitChain(forwardedFor string) []string {
	if forwardedFor == "" {
		return nil
	}
	raw := strings.Split(forwardedFor, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		out = append(out, strings.TrimSpace(r))
	}
	return out
}
