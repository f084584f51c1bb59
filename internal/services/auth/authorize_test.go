package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequireScope(t *testing.T) {
	tests := []struct {
		name    string
		scopes  []string
		scope   string
		wantErr error
	}{
		{"no requirement", nil, "", nil},
		{"exact match", []string{"llm:invoke"}, "llm:invoke", nil},
		{"wildcard grants everything", []string{"*"}, "keys:write", nil},
		{"missing scope", []string{"llm:invoke"}, "keys:write", ErrInsufficientScope},
		{"empty scope list", nil, "llm:invoke", ErrInsufficientScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RequireScope(&Principal{Scopes: tt.scopes}, tt.scope)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestCheckIP(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		client  string
		wantErr error
	}{
		{"no allowlist allows anything", nil, "203.0.113.9", nil},
		{"no allowlist allows even a missing address", nil, "", nil},
		{"exact address", []string{"203.0.113.9"}, "203.0.113.9", nil},
		{"other address rejected", []string{"203.0.113.9"}, "203.0.113.10", ErrIPNotAllowed},
		{"cidr match", []string{"10.0.0.0/8"}, "10.42.7.1", nil},
		{"cidr miss", []string{"10.0.0.0/8"}, "192.168.1.1", ErrIPNotAllowed},
		{"ipv4-mapped client unwraps", []string{"10.0.0.1"}, "::ffff:10.0.0.1", nil},
		{"ipv6 exact", []string{"2001:db8::1"}, "2001:db8::1", nil},
		{"ipv6 cidr", []string{"2001:db8::/32"}, "2001:db8:1::9", nil},
		{"unparseable entry is skipped", []string{"office", "10.0.0.1"}, "10.0.0.1", nil},
		{"missing client with allowlist", []string{"10.0.0.1"}, "", ErrIPNotAllowed},
		{"garbage client with allowlist", []string{"10.0.0.1"}, "not-an-ip", ErrIPNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckIP(&Principal{AllowedIPs: tt.allowed}, tt.client)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}
