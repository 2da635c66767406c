// Package tunnel implements the client side of the HTTP CONNECT handshake:
// it asks a proxy to open a raw byte pipe to a host:port and classifies the
// proxy's response. The handshake runs over an already-established stream;
// on success the same stream carries the tunneled traffic.
package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Responses are accumulated into a buffer of this size; a 200 response
// whose headers exceed it fails the tunnel.
const maxResponseBytes = 8192

// Tunnel handshake failures. Each is a distinct user-facing condition.
var (
	// ErrAuthRequired is returned when the proxy answers 407.
	ErrAuthRequired = errors.New("proxy authentication required")

	// ErrUnsuccessful is returned for any recognizable non-200 response.
	ErrUnsuccessful = errors.New("unsuccessful tunnel")

	// ErrUnexpectedEOF is returned when the proxy closes the stream before
	// a verdict could be reached.
	ErrUnexpectedEOF = errors.New("unexpected eof while tunneling")

	// ErrHeadersTooLong is returned when a 200 response does not terminate
	// within the response buffer.
	ErrHeadersTooLong = errors.New("proxy headers too long for tunnel")
)

// Request carries the values formatted into a CONNECT request. It is built
// per handshake and not retained.
type Request struct {
	Host string
	Port int

	// UserAgent and ProxyAuthorization are emitted only when non-empty.
	UserAgent          string
	ProxyAuthorization string
}

// Bytes renders the CONNECT request exactly as written to the proxy.
func (r *Request) Bytes() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "CONNECT %s:%d HTTP/1.1\r\n", r.Host, r.Port)
	fmt.Fprintf(&buf, "Host: %s:%d\r\n", r.Host, r.Port)
	if r.UserAgent != "" {
		fmt.Fprintf(&buf, "User-Agent: %s\r\n", r.UserAgent)
	}
	if r.ProxyAuthorization != "" {
		fmt.Fprintf(&buf, "Proxy-Authorization: %s\r\n", r.ProxyAuthorization)
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// Tunnel performs the CONNECT handshake over conn. On success the caller
// keeps using conn as the tunneled stream; any headers the proxy added to
// its 200 response are discarded unparsed. On failure conn is left in an
// unusable state and should be closed by the caller.
//
// A context deadline, if set, bounds the whole handshake via the stream's
// own deadline.
func Tunnel(ctx context.Context, conn net.Conn, req *Request) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err == nil {
			defer conn.SetDeadline(time.Time{})
		}
	}

	if _, err := conn.Write(req.Bytes()); err != nil {
		return err
	}

	var buf [maxResponseBytes]byte
	pos := 0
	for {
		n, err := conn.Read(buf[pos:])
		if n == 0 {
			if err == nil || errors.Is(err, io.EOF) {
				return ErrUnexpectedEOF
			}
			return err
		}
		pos += n

		recvd := buf[:pos]
		switch {
		case bytes.HasPrefix(recvd, []byte("HTTP/1.1 200")) || bytes.HasPrefix(recvd, []byte("HTTP/1.0 200")):
			if bytes.HasSuffix(recvd, []byte("\r\n\r\n")) {
				return nil
			}
			if pos == len(buf) {
				return ErrHeadersTooLong
			}
			// Terminator not seen yet; keep reading.
		case bytes.HasPrefix(recvd, []byte("HTTP/1.1 407")):
			return ErrAuthRequired
		default:
			return ErrUnsuccessful
		}
	}
}
