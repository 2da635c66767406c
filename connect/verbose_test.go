package connect

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestEscapeBytes(t *testing.T) {
	for _, tc := range []struct {
		in   []byte
		want string
	}{
		{[]byte("plain ascii"), "plain ascii"},
		{[]byte("GET / HTTP/1.1\r\n"), `GET / HTTP/1.1\r\n`},
		{[]byte("tab\there"), `tab\there`},
		{[]byte(`back\slash and "quote"`), `back\\slash and \"quote\"`},
		{[]byte{0x00, 0x16, 0x03, 0x01}, `\x00\x16\x03\x01`},
		{[]byte{0x7f, 0xff}, `\x7f\xff`},
		{nil, ""},
	} {
		assert.Equal(t, tc.want, escapeBytes(tc.in), "input %q", tc.in)
	}
}

func TestVerboseConnLogsTraffic(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	vc := newVerboseConn(client, zap.New(core))

	go func() {
		buf := make([]byte, 16)
		n, err := server.Read(buf)
		if err != nil {
			return
		}
		server.Write(buf[:n])
	}()

	_, err := vc.Write([]byte("ping\r\n"))
	require.NoError(t, err)
	buf := make([]byte, 6)
	_, err = io.ReadFull(vc, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping\r\n", string(buf))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "write", entries[0].Message)
	assert.Equal(t, "read", entries[1].Message)
	for _, e := range entries {
		fields := e.ContextMap()
		assert.Equal(t, `ping\r\n`, fields["data"])
		assert.Len(t, fields["conn"], 8)
	}
}

func TestVerboseConnSameIDAcrossCalls(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	go io.Copy(io.Discard, server)

	vc := newVerboseConn(client, zap.New(core))
	_, err := vc.Write([]byte("one"))
	require.NoError(t, err)
	_, err = vc.Write([]byte("two"))
	require.NoError(t, err)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].ContextMap()["conn"], entries[1].ContextMap()["conn"])
}

func TestConnReadFromFallback(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	received := make(chan []byte, 1)
	go func() {
		b, err := io.ReadAll(server)
		if err != nil {
			return
		}
		received <- b
	}()

	// net.Pipe conns are not io.ReaderFrom, so this exercises the copy
	// fallback.
	c := &Conn{Conn: client}
	n, err := c.ReadFrom(bytes.NewReader([]byte("bulk payload")))
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	require.NoError(t, client.Close())

	assert.Equal(t, []byte("bulk payload"), <-received)
}
