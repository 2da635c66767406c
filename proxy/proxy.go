// Package proxy decides whether, and through which proxy, an outbound HTTP
// connection should be made. It matches destination URLs against configured
// rules, honors NO_PROXY exclusion lists, and discovers system-wide proxy
// settings from the environment or the platform.
package proxy

import (
	"net/url"
)

type interceptMode int

const (
	modeAll interceptMode = iota
	modeHTTP
	modeHTTPS
	modeSystem
	modeCustom
)

// Proxy is one proxy-selection rule: a matching strategy over destination
// URLs paired with an optional NoProxy exclusion list. Rules are built at
// client configuration time and are immutable during use.
type Proxy struct {
	mode       interceptMode
	scheme     *Scheme
	system     map[string]*Scheme
	custom     func(*url.URL) *Scheme
	customAuth string
	noProxy    *NoProxy
}

// HTTP returns a rule proxying plain-http destinations through target.
// Target may be a proxy URL or a bare "host[:port]" authority, which is
// taken as a plaintext HTTP proxy.
func HTTP(target string) (*Proxy, error) {
	s, err := parseTarget(target)
	if err != nil {
		return nil, err
	}
	return &Proxy{mode: modeHTTP, scheme: s}, nil
}

// HTTPS returns a rule proxying https destinations through target.
func HTTPS(target string) (*Proxy, error) {
	s, err := parseTarget(target)
	if err != nil {
		return nil, err
	}
	return &Proxy{mode: modeHTTPS, scheme: s}, nil
}

// All returns a rule proxying every destination, regardless of scheme,
// through target.
func All(target string) (*Proxy, error) {
	s, err := parseTarget(target)
	if err != nil {
		return nil, err
	}
	return &Proxy{mode: modeAll, scheme: s}, nil
}

// Custom returns a rule that asks fn for a scheme per destination. The
// callback receives a URL synthesized from the destination's scheme, host
// and port, and returns nil to decline the destination.
func Custom(fn func(*url.URL) *Scheme) *Proxy {
	return &Proxy{mode: modeCustom, custom: fn}
}

// FromEnvironment returns a rule built from the process environment
// (ALL_PROXY, HTTP_PROXY, HTTPS_PROXY and their lowercase variants, with a
// platform lookup fallback), including the NO_PROXY exclusion list. The
// underlying lookup is cached for the process lifetime.
func FromEnvironment() *Proxy {
	return FromSystemLookup(&defaultLookup)
}

// FromSystemLookup is FromEnvironment with a caller-owned lookup cache,
// which tests use to bypass the process-wide one.
func FromSystemLookup(l *SystemLookup) *Proxy {
	return &Proxy{
		mode:    modeSystem,
		system:  l.Schemes(),
		noProxy: NoProxyFromEnv(),
	}
}

// BasicAuth configures Basic credentials to present to the matched proxy.
// For custom rules the credentials become the backfill value applied to
// schemes the callback returns without explicit auth.
func (p *Proxy) BasicAuth(username, password string) *Proxy {
	switch p.mode {
	case modeCustom:
		p.customAuth = encodeBasicAuth(username, password)
	case modeSystem:
		for _, s := range p.system {
			s.setBasicAuth(username, password)
		}
	default:
		p.scheme.setBasicAuth(username, password)
	}
	return p
}

// CustomAuthHeader sets the Proxy-Authorization header to a raw value,
// bypassing Basic encoding.
func (p *Proxy) CustomAuthHeader(value string) *Proxy {
	switch p.mode {
	case modeCustom:
		p.customAuth = value
	case modeSystem:
		for _, s := range p.system {
			s.setAuthHeader(value)
		}
	default:
		p.scheme.setAuthHeader(value)
	}
	return p
}

// NoProxy attaches an exclusion list to the rule. A nil matcher clears it.
func (p *Proxy) NoProxy(np *NoProxy) *Proxy {
	p.noProxy = np
	return p
}

// NoProxyFromEnv attaches the NO_PROXY environment exclusion list.
func (p *Proxy) NoProxyFromEnv() *Proxy {
	p.noProxy = NoProxyFromEnv()
	return p
}

// Intercept returns the scheme to proxy dst through, or nil if this rule
// does not apply. The NoProxy list is consulted first and suppresses the
// rule for excluded hosts whatever the rule kind.
func (p *Proxy) Intercept(dst *url.URL) *Scheme {
	if p.noProxy.Contains(dst.Hostname()) {
		return nil
	}
	switch p.mode {
	case modeAll:
		return p.scheme
	case modeHTTP:
		if dst.Scheme == "http" {
			return p.scheme
		}
	case modeHTTPS:
		if dst.Scheme == "https" {
			return p.scheme
		}
	case modeSystem:
		return p.system[dst.Scheme]
	case modeCustom:
		s := p.custom(&url.URL{Scheme: dst.Scheme, Host: dst.Host})
		if s != nil {
			s.fillAuthHeader(p.customAuth)
		}
		return s
	}
	return nil
}
