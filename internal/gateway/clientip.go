package gateway

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

// ProxyTrust resolves the real client address behind a known set of
// reverse proxies. Forwarding headers are honored only when the direct peer
// is inside one of the configured CIDRs; anything an untrusted peer sends
// in X-Forwarded-For or X-Real-Ip is ignored.
type ProxyTrust struct {
	prefixes []netip.Prefix
}

// NewProxyTrust parses CIDRs. Bare addresses are accepted as single-host
// prefixes.
func NewProxyTrust(cidrs []string) (*ProxyTrust, error) {
	t := &ProxyTrust{}
	for _, raw := range cidrs {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			t.prefixes = append(t.prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		t.prefixes = append(t.prefixes, prefix.Masked())
	}
	return t, nil
}

// Trusted reports whether remoteAddr (host:port or bare address) belongs to
// a configured proxy.
func (t *ProxyTrust) Trusted(remoteAddr string) bool {
	addr, ok := parsePeer(remoteAddr)
	return ok && t.contains(addr)
}

// ClientIP returns the address the request originated from. For trusted
// peers it walks X-Forwarded-For right to left and returns the first hop
// outside the trusted set, falling back to X-Real-Ip, then the peer itself.
func (t *ProxyTrust) ClientIP(r *http.Request) string {
	peer, ok := parsePeer(r.RemoteAddr)
	if !ok {
		return r.RemoteAddr
	}
	if !t.contains(peer) {
		return peer.String()
	}

	if hops := forwardedHops(r); len(hops) > 0 {
		for i := len(hops) - 1; i >= 0; i-- {
			addr, err := netip.ParseAddr(hops[i])
			if err != nil {
				// A forged or malformed chain is worthless; stop
				// believing all of it.
				break
			}
			addr = addr.Unmap()
			if !t.contains(addr) {
				return addr.String()
			}
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-Ip")); realIP != "" {
		if addr, err := netip.ParseAddr(realIP); err == nil {
			return addr.Unmap().String()
		}
	}
	return peer.String()
}

func (t *ProxyTrust) contains(addr netip.Addr) bool {
	for _, p := range t.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func forwardedHops(r *http.Request) []string {
	var hops []string
	for _, header := range r.Header.Values("X-Forwarded-For") {
		for _, part := range strings.Split(header, ",") {
			if hop := strings.TrimSpace(part); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	return hops
}

func parsePeer(remoteAddr string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return ap.Addr().Unmap(), true
	}
	if addr, err := netip.ParseAddr(remoteAddr); err == nil {
		return addr.Unmap(), true
	}
	return netip.Addr{}, false
}
