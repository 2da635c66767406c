package proxy

import (
	"os"
	"strings"
	"sync"
)

// SystemLookup caches the system-derived proxy map. The zero value is ready
// to use: the first call to Schemes computes the map and every later call
// returns the same result. Setting Bypass forces a fresh computation per
// call, which exists so tests can mutate the environment between lookups.
type SystemLookup struct {
	// Bypass disables caching. Reserved for tests.
	Bypass bool

	once   sync.Once
	cached map[string]*Scheme
}

// defaultLookup backs FromEnvironment for the process lifetime.
var defaultLookup SystemLookup

// Schemes returns the system proxy map, keyed by destination scheme
// ("http", "https").
func (l *SystemLookup) Schemes() map[string]*Scheme {
	if l.Bypass {
		return systemSchemes()
	}
	l.once.Do(func() {
		l.cached = systemSchemes()
	})
	return l.cached
}

// systemSchemes reads proxy configuration from the environment, falling
// back to the platform store (Windows registry) when no variable is set.
// Discovery errors are ignored; the worst case is an empty map.
func systemSchemes() map[string]*Scheme {
	proxies := envSchemes()
	if len(proxies) == 0 {
		if raw, ok := platformProxyValues(); ok {
			return parsePlatformValues(raw)
		}
	}
	return proxies
}

func envSchemes() map[string]*Scheme {
	proxies := make(map[string]*Scheme)

	if !(insertFromEnv(proxies, "http", "ALL_PROXY") &&
		insertFromEnv(proxies, "https", "ALL_PROXY")) {
		insertFromEnv(proxies, "http", "all_proxy")
		insertFromEnv(proxies, "https", "all_proxy")
	}

	// In a CGI context HTTP_PROXY is attacker-controlled via the Proxy
	// request header, so it is ignored entirely.
	if !isCGI() {
		if !insertFromEnv(proxies, "http", "HTTP_PROXY") {
			insertFromEnv(proxies, "http", "http_proxy")
		}
	}

	if !insertFromEnv(proxies, "https", "HTTPS_PROXY") {
		insertFromEnv(proxies, "https", "https_proxy")
	}

	return proxies
}

func insertFromEnv(proxies map[string]*Scheme, scheme, envVar string) bool {
	val, ok := os.LookupEnv(envVar)
	if !ok {
		return false
	}
	return insertProxy(proxies, scheme, val)
}

func insertProxy(proxies map[string]*Scheme, scheme, target string) bool {
	if strings.TrimSpace(target) == "" {
		return false
	}
	s, err := parseTarget(target)
	if err != nil {
		return false
	}
	proxies[scheme] = s
	return true
}

func isCGI() bool {
	_, ok := os.LookupEnv("REQUEST_METHOD")
	return ok
}

// parsePlatformValues parses the textual platform proxy setting: either a
// single "scheme://host[:port]" applied to both http and https, or a
// ";"-separated "scheme=url" list. Sub-values without their own scheme
// prefix default to http://. A malformed pair invalidates the whole value.
func parsePlatformValues(values string) map[string]*Scheme {
	proxies := make(map[string]*Scheme)
	if strings.Contains(values, "=") {
		for pair := range strings.SplitSeq(values, ";") {
			scheme, address, ok := strings.Cut(pair, "=")
			if !ok || strings.Contains(address, "=") {
				clear(proxies)
				break
			}
			if schemePrefix(address) == "" {
				address = "http://" + address
			}
			insertProxy(proxies, scheme, address)
		}
		return proxies
	}
	if schemePrefix(values) != "" {
		insertProxy(proxies, schemePrefix(values), values)
	} else {
		insertProxy(proxies, "http", "http://"+values)
		insertProxy(proxies, "https", "http://"+values)
	}
	return proxies
}

// schemePrefix returns the explicit "scheme" of a "scheme://rest" value, or
// "" when the value has no usable scheme prefix.
func schemePrefix(address string) string {
	idx := strings.Index(address, "://")
	if idx <= 0 {
		return ""
	}
	prefix := address[:idx]
	if strings.ContainsAny(prefix, ":/") {
		return ""
	}
	return prefix
}
