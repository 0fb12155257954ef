package httpcache

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func netIP(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s)
	require.NotNil(t, ip)
	return ip
}

func TestValidateFetchURLRejectsNonHTTPScheme(t *testing.T) {
	err := ValidateFetchURL("ftp://example.com/x", nil, true)
	require.Error(t, err)
}

func TestValidateFetchURLAllowsAnyHostWhenAllowListEmpty(t *testing.T) {
	err := ValidateFetchURL("https://example.com/x", nil, true)
	require.NoError(t, err)
}

func TestValidateFetchURLRejectsHostNotInAllowList(t *testing.T) {
	err := ValidateFetchURL("https://evil.example.com/x", []string{"*.example.org", "api.example.com"}, true)
	require.Error(t, err)
}

func TestValidateFetchURLAllowsGlobMatchedHost(t *testing.T) {
	err := ValidateFetchURL("https://cdn.example.org/x", []string{"*.example.org"}, true)
	require.NoError(t, err)
}

func TestValidateFetchURLRejectsLoopbackWhenPrivateIPsDisallowed(t *testing.T) {
	err := ValidateFetchURL("http://127.0.0.1:8080/admin", nil, false)
	require.Error(t, err)
}

func TestValidateFetchURLAllowsLoopbackWhenPrivateIPsAllowed(t *testing.T) {
	err := ValidateFetchURL("http://127.0.0.1:8080/admin", nil, true)
	require.NoError(t, err)
}

func TestIsPrivateOrReservedDetectsCGNATRange(t *testing.T) {
	ip := netIP(t, "100.64.0.1")
	require.True(t, isPrivateOrReserved(ip))
}

func TestIsPrivateOrReservedAllowsPublicAddress(t *testing.T) {
	ip := netIP(t, "8.8.8.8")
	require.False(t, isPrivateOrReserved(ip))
}
