package connect

import (
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"strings"

	"go.uber.org/zap"
)

// verboseConn decorates a stream with debug logging of its traffic. It is
// purely observational: reads and writes pass through with their results
// untouched. Each wrapped stream gets a pseudo-random correlation id so
// interleaved connections can be told apart in the log.
type verboseConn struct {
	net.Conn
	id  uint32
	log *zap.Logger
}

func newVerboseConn(conn net.Conn, log *zap.Logger) *verboseConn {
	return &verboseConn{
		Conn: conn,
		id:   rand.Uint32(),
		log:  log,
	}
}

func (c *verboseConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.log.Debug("read",
			zap.String("conn", fmt.Sprintf("%08x", c.id)),
			zap.String("data", escapeBytes(b[:n])),
		)
	}
	return n, err
}

func (c *verboseConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.log.Debug("write",
			zap.String("conn", fmt.Sprintf("%08x", c.id)),
			zap.String("data", escapeBytes(b[:n])),
		)
	}
	return n, err
}

// ReadFrom keeps the fast path of the wrapped stream. Spliced bytes are not
// logged; only their count is.
func (c *verboseConn) ReadFrom(r io.Reader) (int64, error) {
	var (
		n   int64
		err error
	)
	if rf, ok := c.Conn.(io.ReaderFrom); ok {
		n, err = rf.ReadFrom(r)
	} else {
		n, err = io.Copy(struct{ io.Writer }{c.Conn}, r)
	}
	if n > 0 {
		c.log.Debug("write (spliced)",
			zap.String("conn", fmt.Sprintf("%08x", c.id)),
			zap.Int64("bytes", n),
		)
	}
	return n, err
}

// escapeBytes renders traffic for the log: printable ASCII stays as-is,
// everything else becomes a backslash escape.
func escapeBytes(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		switch {
		case c == '\r':
			sb.WriteString(`\r`)
		case c == '\n':
			sb.WriteString(`\n`)
		case c == '\t':
			sb.WriteString(`\t`)
		case c == '\\':
			sb.WriteString(`\\`)
		case c == '"':
			sb.WriteString(`\"`)
		case c >= 0x20 && c < 0x7f:
			sb.WriteByte(c)
		default:
			fmt.Fprintf(&sb, `\x%02x`, c)
		}
	}
	return sb.String()
}
