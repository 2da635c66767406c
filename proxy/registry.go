package proxy

import (
	"net/url"
	"strings"
)

// Registry holds proxy rules in configuration order. The first rule that
// yields a scheme for a destination wins; later rules are never consulted.
// An empty registry means every destination connects directly.
type Registry struct {
	proxies []*Proxy
}

// NewRegistry builds a registry from rules in the given order.
func NewRegistry(proxies ...*Proxy) *Registry {
	return &Registry{proxies: proxies}
}

// Intercept returns the proxy scheme for dst, or nil for a direct
// connection. Scheme and host are folded to lower case once here; the
// matchers themselves assume pre-folded input.
func (r *Registry) Intercept(dst *url.URL) *Scheme {
	if r == nil {
		return nil
	}
	dst = normalizeDst(dst)
	for _, p := range r.proxies {
		if s := p.Intercept(dst); s != nil {
			return s
		}
	}
	return nil
}

// HTTPBasicAuth returns the Proxy-Authorization value the HTTP engine
// should attach to plaintext absolute-form requests for dst, or "" when no
// matching plaintext proxy carries credentials. Only explicit rules are
// consulted; custom callbacks are not invoked here, so this never dials or
// recomputes a custom scheme.
func (r *Registry) HTTPBasicAuth(dst *url.URL) string {
	if r == nil {
		return ""
	}
	dst = normalizeDst(dst)
	for _, p := range r.proxies {
		if p.mode == modeCustom {
			continue
		}
		s := p.Intercept(dst)
		if s == nil {
			continue
		}
		if s.Kind() != KindHTTP {
			return ""
		}
		return s.AuthHeader()
	}
	return ""
}

func normalizeDst(dst *url.URL) *url.URL {
	scheme := strings.ToLower(dst.Scheme)
	host := strings.ToLower(dst.Host)
	if scheme == dst.Scheme && host == dst.Host {
		return dst
	}
	d := *dst
	d.Scheme = scheme
	d.Host = host
	return &d
}
