package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoProxyDomains(t *testing.T) {
	np := NoProxyFromString(".foo.bar, bar.foo")
	require.NotNil(t, np)

	tests := []struct {
		host string
		want bool
	}{
		{"foo.bar", true},
		{"www.foo.bar", true},
		{"deep.sub.foo.bar", true},
		{"bar.foo", true},
		{"www.bar.foo", true},
		{"notfoo.bar", false},
		{"notbar.foo", false},
		{"foo.bar.baz", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, np.Contains(tc.host), "host %q", tc.host)
	}
}

func TestNoProxyIPs(t *testing.T) {
	np := NoProxyFromString("10.42.1.1/24, 10.124.7.8, ::1")
	require.NotNil(t, np)

	assert.True(t, np.Contains("10.42.1.100"))
	assert.False(t, np.Contains("10.43.1.1"))
	assert.True(t, np.Contains("10.124.7.8"))
	assert.False(t, np.Contains("10.124.7.9"))
	assert.True(t, np.Contains("::1"))
	assert.False(t, np.Contains("::2"))
}

func TestNoProxyBracketedIPv6(t *testing.T) {
	np := NoProxyFromString("::1")
	require.NotNil(t, np)

	assert.True(t, np.Contains("[::1]"))
	assert.False(t, np.Contains("[::2]"))
}

func TestNoProxyWildcard(t *testing.T) {
	np := NoProxyFromString("*")
	require.NotNil(t, np)

	assert.True(t, np.Contains("any.host.at.all"))
	assert.True(t, np.Contains("localhost"))
}

func TestNoProxyEmpty(t *testing.T) {
	assert.Nil(t, NoProxyFromString(""))

	// A nil matcher excludes nothing.
	var np *NoProxy
	assert.False(t, np.Contains("example.com"))
}

func TestNoProxyWhitespaceTrimmed(t *testing.T) {
	np := NoProxyFromString("  example.com ,  10.0.0.0/8  ")
	require.NotNil(t, np)

	assert.True(t, np.Contains("example.com"))
	assert.True(t, np.Contains("sub.example.com"))
	assert.True(t, np.Contains("10.1.2.3"))
}

func TestNoProxyFromEnv(t *testing.T) {
	t.Setenv("NO_PROXY", "")
	t.Setenv("no_proxy", "direct.tld")

	np := NoProxyFromEnv()
	require.NotNil(t, np)
	assert.True(t, np.Contains("direct.tld"))

	t.Setenv("NO_PROXY", "other.tld")
	np = NoProxyFromEnv()
	require.NotNil(t, np)
	assert.True(t, np.Contains("other.tld"))
	assert.False(t, np.Contains("direct.tld"))
}
