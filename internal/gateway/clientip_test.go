package gateway

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProxyTrust_ParsesCIDRsAndBareAddresses(t *testing.T) {
	trust, err := NewProxyTrust([]string{"10.0.0.0/8", "192.168.1.5", " ", "fd00::/16"})
	require.NoError(t, err)

	assert.True(t, trust.Trusted("10.1.2.3:4567"))
	assert.True(t, trust.Trusted("192.168.1.5:80"))
	assert.False(t, trust.Trusted("192.168.1.6:80"))
	assert.True(t, trust.Trusted("[fd00::1]:443"))
	assert.False(t, trust.Trusted("172.16.0.1:80"))
}

func TestNewProxyTrust_RejectsGarbage(t *testing.T) {
	_, err := NewProxyTrust([]string{"not-an-address"})
	assert.Error(t, err)

	_, err = NewProxyTrust([]string{"10.0.0.0/33"})
	assert.Error(t, err)
}

func TestClientIP_UntrustedPeerHeadersIgnored(t *testing.T) {
	trust, err := NewProxyTrust([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.RemoteAddr = "203.0.113.7:51000"
	r.Header.Set("X-Forwarded-For", "198.51.100.1")
	r.Header.Set("X-Real-Ip", "198.51.100.2")

	assert.Equal(t, "203.0.113.7", trust.ClientIP(r))
}

func TestClientIP_TrustedPeerWalksForwardedChain(t *testing.T) {
	trust, err := NewProxyTrust([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.RemoteAddr = "10.0.0.1:51000"
	// Client, then an intermediate proxy inside the trusted set.
	r.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.2")

	assert.Equal(t, "198.51.100.9", trust.ClientIP(r))
}

func TestClientIP_MultipleForwardedHeaders(t *testing.T) {
	trust, err := NewProxyTrust([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.RemoteAddr = "10.0.0.1:51000"
	r.Header.Add("X-Forwarded-For", "198.51.100.9")
	r.Header.Add("X-Forwarded-For", "10.0.0.2, 10.0.0.3")

	assert.Equal(t, "198.51.100.9", trust.ClientIP(r))
}

func TestClientIP_MalformedChainFallsBack(t *testing.T) {
	trust, err := NewProxyTrust([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.RemoteAddr = "10.0.0.1:51000"
	// The hop nearest the proxy is garbage, so the whole chain is suspect.
	r.Header.Set("X-Forwarded-For", "198.51.100.9, junk")
	r.Header.Set("X-Real-Ip", "198.51.100.4")

	assert.Equal(t, "198.51.100.4", trust.ClientIP(r))
}

func TestClientIP_RealIPFallback(t *testing.T) {
	trust, err := NewProxyTrust([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.RemoteAddr = "10.0.0.1:51000"
	r.Header.Set("X-Real-Ip", "198.51.100.4")

	assert.Equal(t, "198.51.100.4", trust.ClientIP(r))
}

func TestClientIP_AllHopsTrustedReturnsPeer(t *testing.T) {
	trust, err := NewProxyTrust([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.RemoteAddr = "10.0.0.1:51000"
	r.Header.Set("X-Forwarded-For", "10.0.0.2, 10.0.0.3")

	assert.Equal(t, "10.0.0.1", trust.ClientIP(r))
}

func TestClientIP_UnmapsIPv4InIPv6(t *testing.T) {
	trust, err := NewProxyTrust([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.RemoteAddr = "10.0.0.1:51000"
	r.Header.Set("X-Forwarded-For", "::ffff:198.51.100.9")

	assert.Equal(t, "198.51.100.9", trust.ClientIP(r))
}

func TestClientIP_NoTrustedProxies(t *testing.T) {
	trust, err := NewProxyTrust(nil)
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.RemoteAddr = "203.0.113.7:51000"
	r.Header.Set("X-Forwarded-For", "198.51.100.1")

	assert.Equal(t, "203.0.113.7", trust.ClientIP(r))
}
