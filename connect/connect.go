// Package connect establishes outbound streams for an HTTP client. For each
// destination it decides between a direct connection and a configured proxy,
// negotiates the transport (plain TCP, TLS, an HTTP CONNECT tunnel, SOCKS5,
// or a caller-supplied custom transport), and hands the HTTP protocol engine
// a uniform Conn plus connection metadata.
//
// The package does not retry, pool, or interpret the request being sent; it
// consumes DNS/socket and TLS capabilities through narrow interfaces and a
// proxy.Registry for selection.
package connect

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	xproxy "golang.org/x/net/proxy"

	"lds.li/httpdial/proxy"
	"lds.li/httpdial/tunnel"
)

// DialFunc is a function that establishes a network connection.
// It has the same signature as net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Config configures a Connector. The zero value is usable: it connects
// directly, supports plain http only, and never times out.
type Config struct {
	// Registry selects proxies per destination. Nil means always direct.
	Registry *proxy.Registry

	// Dial establishes raw TCP connections. If nil, net.Dialer is used.
	Dial DialFunc

	// TLS performs handshakes toward destinations. If nil, https
	// destinations fail with ErrHTTPSNotSupported.
	TLS Handshaker

	// ProxyTLS performs the handshake toward an https proxy itself. If
	// nil, TLS is used for that hop too. Implementations should leave
	// ALPN out of this hop; see NewProxyTLSHandshaker.
	ProxyTLS Handshaker

	// NoDelay is the TCP_NODELAY value applied to new streams. Direct TLS
	// handshakes temporarily force it on regardless, restoring this value
	// once the handshake completes.
	NoDelay bool

	// Timeout bounds each whole connect sequence, DNS through the last
	// TLS handshake. Zero means no limit.
	Timeout time.Duration

	// UserAgent, when set, is sent on CONNECT tunnel requests.
	UserAgent string

	// TLSInfo surfaces destination TLS peer metadata on the resulting
	// Conn.
	TLSInfo bool

	// Verbose wraps every produced stream in a diagnostic decorator that
	// logs escaped traffic at debug level.
	Verbose bool

	// Logger receives debug output. If nil, logging is disabled.
	Logger *zap.Logger
}

// Connector establishes connections. Connect calls are independent of one
// another and safe to run concurrently; the Connector itself is immutable
// after New.
type Connector struct {
	registry  *proxy.Registry
	dial      DialFunc
	tls       Handshaker
	proxyTLS  Handshaker
	nodelay   bool
	timeout   time.Duration
	userAgent string
	tlsInfo   bool
	verbose   bool
	log       *zap.Logger
}

// New creates a Connector from cfg. A nil cfg behaves like the zero Config.
func New(cfg *Config) *Connector {
	if cfg == nil {
		cfg = &Config{}
	}

	dial := cfg.Dial
	if dial == nil {
		d := &net.Dialer{}
		dial = d.DialContext
	}

	proxyTLS := cfg.ProxyTLS
	if proxyTLS == nil {
		proxyTLS = cfg.TLS
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Connector{
		registry:  cfg.Registry,
		dial:      dial,
		tls:       cfg.TLS,
		proxyTLS:  proxyTLS,
		nodelay:   cfg.NoDelay,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		tlsInfo:   cfg.TLSInfo,
		verbose:   cfg.Verbose,
		log:       log,
	}
}

// Connect establishes a stream to the destination URL, via a proxy when the
// registry says so. It either returns a fully usable Conn or exactly one
// error; there is no partial success, and no retrying happens here.
func (c *Connector) Connect(ctx context.Context, dst *url.URL) (*Conn, error) {
	if dst.Hostname() == "" {
		return nil, ErrNoHost
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	conn, err := c.connect(ctx, dst)
	if err != nil {
		if c.timeout > 0 && ctx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutError{Dest: dst.Host, Duration: c.timeout}
		}
		return nil, err
	}
	return conn, nil
}

// Dial establishes a raw stream to address, applying proxy selection and any
// proxy-protocol negotiation (CONNECT tunnel, SOCKS5) but no TLS toward the
// destination. It makes the Connector usable as a DialContext for callers
// that run their own protocol on the stream. Proxy rules scoped to https
// apply when the port is 443.
func (c *Connector) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("connect: unsupported network %q", network)
	}
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("connect: bad port in %q: %w", address, err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	conn, err := c.dialRaw(ctx, host, port)
	if err != nil {
		if c.timeout > 0 && ctx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutError{Dest: address, Duration: c.timeout}
		}
		return nil, err
	}
	return conn, nil
}

func (c *Connector) dialRaw(ctx context.Context, host string, port int) (net.Conn, error) {
	urlScheme := "http"
	if port == 443 {
		urlScheme = "https"
	}
	dst := &url.URL{Scheme: urlScheme, Host: net.JoinHostPort(host, strconv.Itoa(port))}

	scheme := c.registry.Intercept(dst)
	if scheme == nil {
		raw, err := c.dial(ctx, "tcp", dst.Host)
		if err != nil {
			return nil, err
		}
		setNoDelay(raw, c.nodelay)
		return c.wrap(raw, false, nil), nil
	}

	c.log.Debug("proxy intercepts raw dial",
		zap.Stringer("proxy", scheme),
		zap.String("dst", dst.Host),
	)

	switch scheme.Kind() {
	case proxy.KindSOCKS5:
		conn, err := c.socksStream(ctx, scheme, host, port)
		if err != nil {
			return nil, err
		}
		return c.wrap(conn, false, nil), nil
	case proxy.KindCustom:
		conn, err := scheme.Dial()(ctx, dst)
		if err != nil {
			return nil, err
		}
		return c.wrap(conn, false, nil), nil
	}

	conn, err := c.tunnelStream(ctx, scheme, host, port)
	if err != nil {
		return nil, err
	}
	return c.wrap(conn, false, nil), nil
}

func (c *Connector) connect(ctx context.Context, dst *url.URL) (*Conn, error) {
	c.log.Debug("starting new connection", zap.String("dst", dst.String()))

	if scheme := c.registry.Intercept(dst); scheme != nil {
		return c.connectViaProxy(ctx, dst, scheme)
	}
	return c.connectMaybeProxy(ctx, dst, false)
}

func (c *Connector) connectViaProxy(ctx context.Context, dst *url.URL, scheme *proxy.Scheme) (*Conn, error) {
	c.log.Debug("proxy intercepts destination",
		zap.Stringer("proxy", scheme),
		zap.String("dst", dst.String()),
	)

	switch scheme.Kind() {
	case proxy.KindSOCKS5:
		return c.connectSOCKS(ctx, dst, scheme)
	case proxy.KindCustom:
		return c.connectCustom(ctx, dst, scheme)
	}

	if dst.Scheme == "https" {
		if c.tls == nil {
			return nil, ErrHTTPSNotSupported
		}

		host := dst.Hostname()
		conn, err := c.tunnelStream(ctx, scheme, host, destPort(dst))
		if err != nil {
			return nil, err
		}

		// Second, independent handshake: TLS to the destination runs
		// end-to-end inside the tunnel.
		tc, err := c.tls.Handshake(ctx, conn, host)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return c.wrap(tc, false, tc), nil
	}

	// Plaintext destination through an HTTP proxy: no tunnel, the request
	// itself goes to the proxy in absolute-form.
	return c.connectMaybeProxy(ctx, scheme.URL(), true)
}

// tunnelStream opens a stream to the proxy and establishes a CONNECT tunnel
// to host:port over it. The returned stream carries destination bytes
// end-to-end.
func (c *Connector) tunnelStream(ctx context.Context, scheme *proxy.Scheme, host string, port int) (net.Conn, error) {
	conn, err := c.proxyTransport(ctx, scheme.URL())
	if err != nil {
		return nil, err
	}

	c.log.Debug("tunneling over proxy", zap.String("host", host), zap.Int("port", port))
	req := &tunnel.Request{
		Host:               host,
		Port:               port,
		UserAgent:          c.userAgent,
		ProxyAuthorization: scheme.AuthHeader(),
	}
	if err := tunnel.Tunnel(ctx, conn, req); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// connectMaybeProxy connects a stream to dst itself, which is either the
// real destination (direct connect) or the proxy's own URL for plain-HTTP
// proxying.
func (c *Connector) connectMaybeProxy(ctx context.Context, dst *url.URL, isProxy bool) (*Conn, error) {
	hs := c.tls
	if isProxy {
		hs = c.proxyTLS
	}

	if dst.Scheme == "https" {
		if hs == nil {
			return nil, ErrHTTPSNotSupported
		}

		raw, err := c.dial(ctx, "tcp", hostPort(dst))
		if err != nil {
			return nil, err
		}

		// Force nodelay for the handshake so its small records are not
		// batched, then restore the configured value.
		if !c.nodelay {
			setNoDelay(raw, true)
		}
		tc, err := hs.Handshake(ctx, raw, dst.Hostname())
		if err != nil {
			raw.Close()
			return nil, err
		}
		if !c.nodelay {
			setNoDelay(raw, false)
		}
		return c.wrap(tc, isProxy, tc), nil
	}

	raw, err := c.dial(ctx, "tcp", hostPort(dst))
	if err != nil {
		return nil, err
	}
	setNoDelay(raw, c.nodelay)
	return c.wrap(raw, isProxy, nil), nil
}

func (c *Connector) connectSOCKS(ctx context.Context, dst *url.URL, scheme *proxy.Scheme) (*Conn, error) {
	host := dst.Hostname()

	conn, err := c.socksStream(ctx, scheme, host, destPort(dst))
	if err != nil {
		return nil, err
	}

	if dst.Scheme == "https" {
		if c.tls == nil {
			conn.Close()
			return nil, ErrHTTPSNotSupported
		}
		tc, err := c.tls.Handshake(ctx, conn, host)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return c.wrap(tc, false, tc), nil
	}
	return c.wrap(conn, false, nil), nil
}

// socksStream opens a stream to host:port through a SOCKS5 proxy.
func (c *Connector) socksStream(ctx context.Context, scheme *proxy.Scheme, host string, port int) (net.Conn, error) {
	// With remote DNS (socks5h) the proxy resolves the destination; here
	// the hostname goes to the proxy as-is. Otherwise resolve locally and
	// hand the proxy an address.
	target := host
	if !scheme.RemoteDNS() {
		addrs, err := net.DefaultResolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		if len(addrs) > 0 {
			target = addrs[0]
		}
	}

	var auth *xproxy.Auth
	if username, password, ok := scheme.SOCKSAuth(); ok {
		auth = &xproxy.Auth{User: username, Password: password}
	}

	sd, err := xproxy.SOCKS5("tcp", scheme.Addr(), auth, dialerFunc(c.dial))
	if err != nil {
		return nil, fmt.Errorf("socks connect error: %w", err)
	}
	conn, err := sd.(xproxy.ContextDialer).DialContext(ctx, "tcp", net.JoinHostPort(target, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("socks connect error: %w", err)
	}
	return conn, nil
}

func (c *Connector) connectCustom(ctx context.Context, dst *url.URL, scheme *proxy.Scheme) (*Conn, error) {
	conn, err := scheme.Dial()(ctx, dst)
	if err != nil {
		return nil, err
	}

	if dst.Scheme == "https" {
		if c.tls == nil {
			conn.Close()
			return nil, ErrHTTPSNotSupported
		}
		tc, err := c.tls.Handshake(ctx, conn, dst.Hostname())
		if err != nil {
			conn.Close()
			return nil, err
		}
		return c.wrap(tc, false, tc), nil
	}
	return c.wrap(conn, false, nil), nil
}

// proxyTransport opens the stream to the proxy itself for a tunneled
// connection, running the proxy-hop TLS handshake when the proxy is https.
func (c *Connector) proxyTransport(ctx context.Context, proxyDst *url.URL) (net.Conn, error) {
	raw, err := c.dial(ctx, "tcp", hostPort(proxyDst))
	if err != nil {
		return nil, err
	}
	setNoDelay(raw, c.nodelay)

	if proxyDst.Scheme != "https" {
		return raw, nil
	}
	hs := c.proxyTLS
	if hs == nil {
		raw.Close()
		return nil, ErrHTTPSNotSupported
	}
	tc, err := hs.Handshake(ctx, raw, proxyDst.Hostname())
	if err != nil {
		raw.Close()
		return nil, err
	}
	return tc, nil
}

func (c *Connector) wrap(conn net.Conn, plainHTTPProxy bool, tc TLSConn) *Conn {
	var state *tls.ConnectionState
	if tc != nil {
		s := tc.ConnectionState()
		state = &s
	}
	if c.verbose {
		conn = newVerboseConn(conn, c.log)
	}
	return &Conn{
		Conn:           conn,
		plainHTTPProxy: plainHTTPProxy,
		tlsState:       state,
		tlsInfo:        c.tlsInfo,
	}
}

// dialerFunc adapts a DialFunc to the x/net/proxy dialer interfaces so the
// SOCKS client reaches the proxy through the configured socket capability.
type dialerFunc DialFunc

func (d dialerFunc) Dial(network, address string) (net.Conn, error) {
	return d(context.Background(), network, address)
}

func (d dialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d(ctx, network, address)
}

func destPort(u *url.URL) int {
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}

func hostPort(u *url.URL) string {
	return net.JoinHostPort(u.Hostname(), strconv.Itoa(destPort(u)))
}

func setNoDelay(conn net.Conn, v bool) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(v)
	}
}
