package proxy

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Kind identifies the transport a Scheme proxies through.
type Kind int

const (
	// KindHTTP is a plaintext HTTP proxy.
	KindHTTP Kind = iota
	// KindHTTPS is an HTTP proxy reached over TLS.
	KindHTTPS
	// KindSOCKS5 is a SOCKS5 proxy, optionally with remote DNS (socks5h).
	KindSOCKS5
	// KindCustom is a caller-supplied stream factory.
	KindCustom
)

// DialFunc opens a stream to the given destination URL. It is the factory
// behind custom proxy schemes.
type DialFunc func(ctx context.Context, dst *url.URL) (net.Conn, error)

// Scheme describes one way of reaching a proxy: the proxy transport kind,
// where to find it, and the credentials to present.
//
// Schemes are built once at configuration time and shared read-only across
// connection attempts.
type Scheme struct {
	kind Kind

	// http/https
	host       string // authority, host[:port]
	authHeader string // pre-encoded Proxy-Authorization value

	// socks5
	addr      string // resolved host:port
	username  string
	password  string
	hasAuth   bool
	remoteDNS bool

	// custom
	dial DialFunc
}

// ParseScheme parses a proxy URL into a Scheme. Supported schemes are
// "http", "https", "socks5" and "socks5h". SOCKS authorities are resolved
// to a socket address now, not at connect time; the default SOCKS port is
// 1080. Userinfo, if present, becomes Basic auth credentials.
func ParseScheme(rawurl string) (*Scheme, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("proxy: invalid proxy URL %q: %w", rawurl, err)
	}
	return schemeFromURL(u)
}

func schemeFromURL(u *url.URL) (*Scheme, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("proxy: proxy URL %q has no host", u.String())
	}

	var s *Scheme
	switch u.Scheme {
	case "http":
		s = &Scheme{kind: KindHTTP, host: u.Host}
	case "https":
		s = &Scheme{kind: KindHTTPS, host: u.Host}
	case "socks5", "socks5h":
		port := u.Port()
		if port == "" {
			port = "1080"
		}
		addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(u.Hostname(), port))
		if err != nil {
			return nil, fmt.Errorf("proxy: cannot resolve SOCKS proxy %q: %w", u.Host, err)
		}
		s = &Scheme{
			kind:      KindSOCKS5,
			addr:      addr.String(),
			remoteDNS: u.Scheme == "socks5h",
		}
	default:
		return nil, fmt.Errorf("proxy: unknown proxy scheme %q", u.Scheme)
	}

	// net/url has already percent-decoded the userinfo.
	if u.User != nil {
		if pwd, ok := u.User.Password(); ok || u.User.Username() != "" {
			s.setBasicAuth(u.User.Username(), pwd)
		}
	}
	return s, nil
}

// parseTarget accepts either a full proxy URL or an informal "host[:port]"
// authority. A bare authority is retried with an "http://" prefix, but only
// when the first parse failed for lack of a scheme; a genuinely malformed
// target (bad port, bad IP literal) reports the original parse error.
func parseTarget(target string) (*Scheme, error) {
	u, err := url.Parse(target)
	if err == nil && u.Host != "" {
		return schemeFromURL(u)
	}

	// An explicit scheme was given, so the problem is not a missing one:
	// report it as-is rather than retrying.
	if strings.Contains(target, "://") {
		if err != nil {
			return nil, fmt.Errorf("proxy: invalid proxy URL %q: %w", target, err)
		}
		return schemeFromURL(u)
	}

	retry, retryErr := url.Parse("http://" + target)
	if retryErr != nil {
		if err != nil {
			return nil, fmt.Errorf("proxy: invalid proxy URL %q: %w", target, err)
		}
		return nil, fmt.Errorf("proxy: invalid proxy URL %q: %w", target, retryErr)
	}
	return schemeFromURL(retry)
}

// CustomScheme returns a Scheme backed by the given stream factory. The
// connector hands the factory the destination URL and uses the returned
// stream as the transport.
func CustomScheme(dial DialFunc) *Scheme {
	return &Scheme{kind: KindCustom, dial: dial}
}

// Kind reports the transport kind of the scheme.
func (s *Scheme) Kind() Kind { return s.kind }

// Authority returns the proxy authority (host[:port]) for HTTP and HTTPS
// schemes, verbatim as configured.
func (s *Scheme) Authority() string { return s.host }

// URL returns the proxy's own URL for HTTP and HTTPS schemes.
func (s *Scheme) URL() *url.URL {
	scheme := "http"
	if s.kind == KindHTTPS {
		scheme = "https"
	}
	return &url.URL{Scheme: scheme, Host: s.host, Path: "/"}
}

// AuthHeader returns the pre-encoded Proxy-Authorization value, or "" if
// none is set. Only meaningful for HTTP and HTTPS schemes.
func (s *Scheme) AuthHeader() string { return s.authHeader }

// Addr returns the resolved socket address of a SOCKS5 scheme.
func (s *Scheme) Addr() string { return s.addr }

// RemoteDNS reports whether the SOCKS5 proxy should resolve the destination
// host itself (socks5h).
func (s *Scheme) RemoteDNS() bool { return s.remoteDNS }

// SOCKSAuth returns the username/password pair for a SOCKS5 scheme.
func (s *Scheme) SOCKSAuth() (username, password string, ok bool) {
	return s.username, s.password, s.hasAuth
}

// Dial returns the stream factory of a custom scheme.
func (s *Scheme) Dial() DialFunc { return s.dial }

func (s *Scheme) setBasicAuth(username, password string) {
	switch s.kind {
	case KindHTTP, KindHTTPS:
		s.authHeader = encodeBasicAuth(username, password)
	case KindSOCKS5:
		s.username = username
		s.password = password
		s.hasAuth = true
	}
}

func (s *Scheme) setAuthHeader(value string) {
	switch s.kind {
	case KindHTTP, KindHTTPS:
		s.authHeader = value
	}
}

// fillAuthHeader sets the Proxy-Authorization value only if none is set.
// Explicit configuration always wins over backfilled registry defaults.
func (s *Scheme) fillAuthHeader(value string) {
	if value == "" {
		return
	}
	switch s.kind {
	case KindHTTP, KindHTTPS:
		if s.authHeader == "" {
			s.authHeader = value
		}
	}
}

// String formats the scheme for logs, omitting credentials.
func (s *Scheme) String() string {
	switch s.kind {
	case KindHTTP:
		return "http://" + s.host
	case KindHTTPS:
		return "https://" + s.host
	case KindSOCKS5:
		if s.remoteDNS {
			return "socks5h://" + s.addr
		}
		return "socks5://" + s.addr
	default:
		return "custom"
	}
}

func encodeBasicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
