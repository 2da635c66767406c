package connect

import (
	"crypto/tls"
	"io"
	"net"
)

// Conn is the uniform stream handed to the HTTP protocol engine, whatever
// path produced it: direct, plaintext proxy, CONNECT tunnel, SOCKS5 or a
// custom transport. It is owned exclusively by the engine until closed.
type Conn struct {
	net.Conn

	plainHTTPProxy bool
	tlsState       *tls.ConnectionState
	tlsInfo        bool
}

// Info is the connected-connection metadata the HTTP engine reads before
// writing the request.
type Info struct {
	// PlainHTTPProxy is true exactly when the destination is reached as a
	// plaintext HTTP proxy hop, telling the engine to write the request
	// line in absolute-form instead of origin-form.
	PlainHTTPProxy bool

	// NegotiatedH2 is true when ALPN selected "h2" on the destination
	// handshake.
	NegotiatedH2 bool

	// PeerCertificate is the DER-encoded leaf certificate of the
	// destination TLS peer. Nil unless TLSInfo was enabled and TLS was
	// actually negotiated.
	PeerCertificate []byte
}

// Info returns the connection metadata.
func (c *Conn) Info() Info {
	info := Info{PlainHTTPProxy: c.plainHTTPProxy}
	if c.tlsState != nil {
		info.NegotiatedH2 = c.tlsState.NegotiatedProtocol == "h2"
		if c.tlsInfo && len(c.tlsState.PeerCertificates) > 0 {
			info.PeerCertificate = c.tlsState.PeerCertificates[0].Raw
		}
	}
	return info
}

// PlainHTTPProxy reports whether requests on this connection must use
// absolute-form request targets.
func (c *Conn) PlainHTTPProxy() bool { return c.plainHTTPProxy }

// TLSConnectionState returns the negotiated TLS state. It reports false
// when no TLS was negotiated or surfacing was not enabled at configuration
// time.
func (c *Conn) TLSConnectionState() (tls.ConnectionState, bool) {
	if c.tlsState == nil || !c.tlsInfo {
		return tls.ConnectionState{}, false
	}
	return *c.tlsState, true
}

// ReadFrom forwards to the underlying stream when it can splice, keeping
// sendfile and vectored writes on the fast path.
func (c *Conn) ReadFrom(r io.Reader) (int64, error) {
	if rf, ok := c.Conn.(io.ReaderFrom); ok {
		return rf.ReadFrom(r)
	}
	return io.Copy(struct{ io.Writer }{c.Conn}, r)
}
