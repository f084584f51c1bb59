package auth

import (
	"fmt"
	"net/netip"
)

// Scopes recognized by the route policy. Keys created without explicit
// scopes receive the wildcard.
const (
	ScopeChat  = "chat:write"
	ScopeAdmin = "admin"
)

// RequireScope checks that the principal may perform the named operation.
// An empty requirement always passes; a "*" scope grants everything.
func RequireScope(p *Principal, scope string) error {
	if scope == "" {
		return nil
	}
	for _, s := range p.Scopes {
		if s == "*" || s == scope {
			return nil
		}
	}
	return fmt.Errorf("%w: missing scope %q", ErrInsufficientScope, scope)
}

// CheckIP enforces the principal's IP allowlist against the client address.
// Entries are single addresses or CIDR prefixes. With an allowlist present,
// a missing or unparseable client address is rejected.
func CheckIP(p *Principal, clientIP string) error {
	if len(p.AllowedIPs) == 0 {
		return nil
	}
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return fmt.Errorf("%w: unparseable client address", ErrIPNotAllowed)
	}
	addr = addr.Unmap()
	for _, entry := range p.AllowedIPs {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			if prefix.Contains(addr) {
				return nil
			}
			continue
		}
		if allowed, err := netip.ParseAddr(entry); err == nil && allowed.Unmap() == addr {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not in allowlist", ErrIPNotAllowed, clientIP)
}
