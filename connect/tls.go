package connect

import (
	"context"
	"crypto/tls"
	"net"
)

// TLSConn is what a Handshaker produces: a stream whose negotiated state
// (peer certificates, ALPN protocol) can be queried.
type TLSConn interface {
	net.Conn
	ConnectionState() tls.ConnectionState
}

// Handshaker performs a client TLS handshake over an existing stream. One
// implementation is chosen at configuration time; the connector is written
// against this interface only and never learns which TLS engine is behind
// it.
type Handshaker interface {
	// Handshake runs the handshake against serverName over conn. On error
	// conn is no longer usable.
	Handshake(ctx context.Context, conn net.Conn, serverName string) (TLSConn, error)
}

// tlsHandshaker is the crypto/tls implementation of Handshaker.
type tlsHandshaker struct {
	config *tls.Config
}

// NewTLSHandshaker returns a Handshaker backed by crypto/tls. A nil config
// is treated as empty. The config's ServerName is overridden per handshake.
func NewTLSHandshaker(config *tls.Config) Handshaker {
	if config == nil {
		config = &tls.Config{}
	}
	return &tlsHandshaker{config: config}
}

// NewProxyTLSHandshaker is NewTLSHandshaker with ALPN disabled, for the
// proxy hop of a tunneled connection: negotiating h2 with the proxy itself
// would confuse the CONNECT exchange.
func NewProxyTLSHandshaker(config *tls.Config) Handshaker {
	if config == nil {
		config = &tls.Config{}
	} else {
		config = config.Clone()
	}
	config.NextProtos = nil
	return &tlsHandshaker{config: config}
}

func (h *tlsHandshaker) Handshake(ctx context.Context, conn net.Conn, serverName string) (TLSConn, error) {
	config := h.config
	if config.ServerName != serverName {
		config = config.Clone()
		config.ServerName = serverName
	}
	tc := tls.Client(conn, config)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tc, nil
}
