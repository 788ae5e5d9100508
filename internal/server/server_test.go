package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tlsmux/anyproxy/internal/session"
)

func addrRecordIPv4(ip [4]byte, port uint16) []byte {
	buf := []byte{atypIPv4}
	buf = append(buf, ip[:]...)
	p := make([]byte, 2)
	binary.BigEndian.PutUint16(p, port)
	return append(buf, p...)
}

func addrRecordDomain(domain string, port uint16) []byte {
	buf := []byte{atypDomain, byte(len(domain))}
	buf = append(buf, domain...)
	p := make([]byte, 2)
	binary.BigEndian.PutUint16(p, port)
	return append(buf, p...)
}

func TestReadDestinationAddrIPv4(t *testing.T) {
	r := bytes.NewReader(addrRecordIPv4([4]byte{93, 184, 216, 34}, 443))
	addr, err := readDestinationAddr(r)
	require.NoError(t, err)
	assert.Equal(t, "93.184.216.34:443", addr)
}

func TestReadDestinationAddrDomain(t *testing.T) {
	r := bytes.NewReader(addrRecordDomain("example.com", 80))
	addr, err := readDestinationAddr(r)
	require.NoError(t, err)
	assert.Equal(t, "example.com:80", addr)
}

func TestReadDestinationAddrUnknownType(t *testing.T) {
	r := bytes.NewReader([]byte{99, 1, 2, 3})
	_, err := readDestinationAddr(r)
	assert.Error(t, err)
}

// TestHandleConnectionRelaysToDialedTarget exercises the full driver
// path: auth handshake, session accept, address parsing, dial, relay.
func TestHandleConnectionRelaysToDialedTarget(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstream.Close()

	upstreamDone := make(chan struct{})
	go func() {
		defer close(upstreamDone)
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		_, _ = conn.Write([]byte("world"))
	}()

	padding := session.MustDefaultPaddingFactory()
	driver := New(Config{Password: "secret", Padding: padding})

	clientConn, serverConn := net.Pipe()
	go driver.HandleConnection(context.Background(), serverConn)

	require.NoError(t, session.ClientAuthenticate(clientConn, "secret", 0))

	client := session.NewClientSession(clientConn, padding, "test", nil)
	require.NoError(t, client.Start())

	st, err := client.OpenStream()
	require.NoError(t, err)

	targetAddr := upstream.Addr().(*net.TCPAddr)
	addrRecord := addrRecordIPv4([4]byte{127, 0, 0, 1}, uint16(targetAddr.Port))
	_, err = st.Write(addrRecord)
	require.NoError(t, err)
	_, err = st.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(st, buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))

	select {
	case <-upstreamDone:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream handler never completed")
	}
}
