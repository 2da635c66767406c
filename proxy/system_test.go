package proxy

import (
	"net/url"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearProxyEnv unsets every variable the lookup reads so tests control the
// environment fully. t.Setenv registers restoration and marks the test as
// unparallelizable; the follow-up Unsetenv makes LookupEnv actually miss.
func clearProxyEnv(t *testing.T) {
	t.Helper()
	for _, v := range []string{
		"ALL_PROXY", "all_proxy",
		"HTTP_PROXY", "http_proxy",
		"HTTPS_PROXY", "https_proxy",
		"NO_PROXY", "no_proxy",
		"REQUEST_METHOD",
	} {
		t.Setenv(v, "")
		require.NoError(t, os.Unsetenv(v))
	}
}

func TestEnvAllProxyCoversBothSchemes(t *testing.T) {
	clearProxyEnv(t)
	t.Setenv("ALL_PROXY", "http://p1.example")

	m := envSchemes()
	require.Contains(t, m, "http")
	require.Contains(t, m, "https")
	assert.Equal(t, "p1.example", m["http"].Authority())
	assert.Equal(t, "p1.example", m["https"].Authority())
}

func TestEnvHTTPProxyOverridesAllProxyForHTTPOnly(t *testing.T) {
	clearProxyEnv(t)
	t.Setenv("ALL_PROXY", "http://p1.example")
	t.Setenv("HTTP_PROXY", "http://p2.example")

	m := envSchemes()
	assert.Equal(t, "p2.example", m["http"].Authority())
	assert.Equal(t, "p1.example", m["https"].Authority())
}

func TestEnvLowercaseFallback(t *testing.T) {
	clearProxyEnv(t)
	t.Setenv("http_proxy", "http://lower.example")
	t.Setenv("HTTPS_PROXY", "http://upper.example")
	t.Setenv("https_proxy", "http://ignored.example")

	m := envSchemes()
	assert.Equal(t, "lower.example", m["http"].Authority())
	assert.Equal(t, "upper.example", m["https"].Authority())
}

func TestEnvCGISuppressesHTTPProxy(t *testing.T) {
	clearProxyEnv(t)
	t.Setenv("HTTP_PROXY", "http://attacker.example")
	t.Setenv("HTTPS_PROXY", "http://safe.example")
	t.Setenv("REQUEST_METHOD", "GET")

	m := envSchemes()
	assert.NotContains(t, m, "http")
	assert.Equal(t, "safe.example", m["https"].Authority())
}

func TestEnvEmptyValueIgnored(t *testing.T) {
	clearProxyEnv(t)
	t.Setenv("HTTP_PROXY", "   ")

	m := envSchemes()
	assert.Empty(t, m)
}

func TestSystemLookupCaches(t *testing.T) {
	clearProxyEnv(t)
	t.Setenv("HTTP_PROXY", "http://first.example")

	l := &SystemLookup{}
	m := l.Schemes()
	require.Contains(t, m, "http")
	assert.Equal(t, "first.example", m["http"].Authority())

	// The cached result survives environment changes.
	t.Setenv("HTTP_PROXY", "http://second.example")
	m = l.Schemes()
	assert.Equal(t, "first.example", m["http"].Authority())
}

func TestSystemLookupBypass(t *testing.T) {
	clearProxyEnv(t)
	t.Setenv("HTTP_PROXY", "http://first.example")

	l := &SystemLookup{Bypass: true}
	assert.Equal(t, "first.example", l.Schemes()["http"].Authority())

	t.Setenv("HTTP_PROXY", "http://second.example")
	assert.Equal(t, "second.example", l.Schemes()["http"].Authority())
}

func TestFromSystemLookupIntercepts(t *testing.T) {
	clearProxyEnv(t)
	t.Setenv("HTTP_PROXY", "http://env.example")
	t.Setenv("NO_PROXY", "direct.tld")

	p := FromSystemLookup(&SystemLookup{Bypass: true})

	u, err := url.Parse("http://hyper.rs")
	require.NoError(t, err)
	s := p.Intercept(u)
	require.NotNil(t, s)
	assert.Equal(t, "env.example", s.Authority())

	u, err = url.Parse("https://hyper.rs")
	require.NoError(t, err)
	assert.Nil(t, p.Intercept(u))

	u, err = url.Parse("http://sub.direct.tld")
	require.NoError(t, err)
	assert.Nil(t, p.Intercept(u))
}

func TestSystemRuleCustomAuthHeaderCoversAllEntries(t *testing.T) {
	clearProxyEnv(t)
	t.Setenv("HTTPS_PROXY", "http://env.example")

	p := FromSystemLookup(&SystemLookup{Bypass: true}).
		CustomAuthHeader("Bearer tok")

	u, err := url.Parse("https://dst.example:443")
	require.NoError(t, err)
	s := p.Intercept(u)
	require.NotNil(t, s)
	assert.Equal(t, "Bearer tok", s.AuthHeader())
}

func TestSystemRuleBasicAuthCoversAllEntries(t *testing.T) {
	clearProxyEnv(t)
	t.Setenv("ALL_PROXY", "http://env.example")

	p := FromSystemLookup(&SystemLookup{Bypass: true}).
		BasicAuth("Aladdin", "open sesame")

	for _, raw := range []string{"http://dst.example", "https://dst.example"} {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		s := p.Intercept(u)
		require.NotNil(t, s, raw)
		assert.Equal(t, "Basic QWxhZGRpbjpvcGVuIHNlc2FtZQ==", s.AuthHeader(), raw)
	}
}

func TestParsePlatformValuesSingle(t *testing.T) {
	m := parsePlatformValues("http://127.0.0.1:8888")
	require.Contains(t, m, "http")
	assert.Equal(t, "127.0.0.1:8888", m["http"].Authority())
	assert.NotContains(t, m, "https")
}

func TestParsePlatformValuesBareHost(t *testing.T) {
	// No scheme prefix: applies to both http and https, as http://.
	m := parsePlatformValues("127.0.0.1:8888")
	require.Contains(t, m, "http")
	require.Contains(t, m, "https")
	assert.Equal(t, "127.0.0.1:8888", m["http"].Authority())
	assert.Equal(t, KindHTTP, m["https"].Kind())
}

func TestParsePlatformValuesList(t *testing.T) {
	m := parsePlatformValues("http=127.0.0.1:8888;https=proxy.example:9999")
	require.Contains(t, m, "http")
	require.Contains(t, m, "https")
	assert.Equal(t, "127.0.0.1:8888", m["http"].Authority())
	assert.Equal(t, "proxy.example:9999", m["https"].Authority())
}

func TestParsePlatformValuesListExplicitScheme(t *testing.T) {
	m := parsePlatformValues("https=https://secure.example")
	require.Contains(t, m, "https")
	assert.Equal(t, KindHTTPS, m["https"].Kind())
}

func TestParsePlatformValuesInvalidPairAbortsAll(t *testing.T) {
	m := parsePlatformValues("http=ok.example;garbage=a=b")
	assert.Empty(t, m)
}
