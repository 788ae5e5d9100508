package session

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingConn wraps a transport and records the byte slice passed to
// each Write call, so tests can assert how many distinct write batches
// went out on the wire.
type recordingConn struct {
	io.ReadWriteCloser
	mu     sync.Mutex
	writes [][]byte
}

func (c *recordingConn) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	c.mu.Lock()
	c.writes = append(c.writes, cp)
	c.mu.Unlock()
	return c.ReadWriteCloser.Write(p)
}

func (c *recordingConn) snapshot() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

func newUnpaddedClientSession(conn io.ReadWriteCloser) *Session {
	s := NewClientSession(conn, MustDefaultPaddingFactory(), "test-client", nil)
	s.sendPadding = false
	return s
}

func newUnpaddedServerSession(conn io.ReadWriteCloser, onAccept Callback) *Session {
	s := NewServerSession(conn, MustDefaultPaddingFactory(), onAccept, nil)
	s.sendPadding = false
	return s
}

// TestClientBuffersUntilFirstSyn verifies the deferred-write window:
// SETTINGS is withheld after Start, and OpenStream's SYN flushes both
// together as a single transport write.
func TestClientBuffersUntilFirstSyn(t *testing.T) {
	local, remote := net.Pipe()
	t.Cleanup(func() { _ = local.Close(); _ = remote.Close() })
	rec := &recordingConn{ReadWriteCloser: local}

	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := remote.Read(buf); err != nil {
				return
			}
		}
	}()

	client := newUnpaddedClientSession(rec)
	require.NoError(t, client.sendClientSettings())
	assert.Empty(t, rec.snapshot(), "settings must not be written before the first SYN")

	_, err := client.OpenStream()
	require.NoError(t, err)

	writes := rec.snapshot()
	require.Len(t, writes, 1, "settings and the first SYN must share one write batch")

	f1, rest, err := Decode(writes[0])
	require.NoError(t, err)
	assert.Equal(t, CmdSettings, f1.Cmd)

	f2, rest, err := Decode(rest)
	require.NoError(t, err)
	assert.Equal(t, CmdSYN, f2.Cmd)
	assert.Empty(t, rest)
}

// TestClientServerOpenPushClose exercises the end-to-end happy path:
// open a stream, push data in both directions, close it.
func TestClientServerOpenPushClose(t *testing.T) {
	cConn, sConn := net.Pipe()
	t.Cleanup(func() { _ = cConn.Close(); _ = sConn.Close() })

	accepted := make(chan *Stream, 1)
	server := newUnpaddedServerSession(sConn, func(st *Stream) {
		st.HandshakeSuccess()
		accepted <- st
	})
	client := newUnpaddedClientSession(cConn)

	require.NoError(t, server.Start())
	require.NoError(t, client.Start())

	st, err := client.OpenStream()
	require.NoError(t, err)

	var serverSide *Stream
	select {
	case serverSide = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server never accepted the stream")
	}

	_, err = st.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := serverSide.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	_, err = serverSide.Write([]byte("pong"))
	require.NoError(t, err)

	n, err = st.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))

	require.NoError(t, st.Close())

	n, err = serverSide.Read(buf)
	if err == nil {
		// any bytes already queued ahead of the FIN must still be delivered
		assert.Equal(t, 0, n)
	}
	_, err = serverSide.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

// TestServerRejectsDuplicateSyn matches the defensive branch in SYN
// handling: a second SYN for an id already in use gets an error
// SYNACK instead of silently clobbering the existing stream.
func TestServerRejectsDuplicateSyn(t *testing.T) {
	cConn, sConn := net.Pipe()
	t.Cleanup(func() { _ = cConn.Close(); _ = sConn.Close() })

	server := newUnpaddedServerSession(sConn, func(st *Stream) { st.HandshakeSuccess() })
	require.NoError(t, server.Start())

	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := cConn.Read(buf); err != nil {
				return
			}
		}
	}()

	settings := Settings{SettingsVersion: "2", SettingsPaddingMD5: server.PaddingDigest()}
	encoded, err := Encode(nil, NewDataFrame(CmdSettings, 0, settings.Encode()))
	require.NoError(t, err)
	encoded, err = Encode(encoded, NewFrame(CmdSYN, 1))
	require.NoError(t, err)
	_, err = cConn.Write(encoded)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = cConn.Write(mustEncode(t, NewFrame(CmdSYN, 1)))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, server.NumStreams())
}

// discardConn is a minimal io.ReadWriteCloser sink for tests that drive
// writeBatchLocked directly and only care about what gets written.
type discardConn struct {
	io.Writer
}

func (discardConn) Read(p []byte) (int, error) { return 0, io.EOF }
func (discardConn) Close() error                { return nil }

// TestWriteBatchLockedPadsAndAdvancesCounter exercises writeBatchLocked
// with padding enabled end to end, using a scripted scheme whose every
// entry is a single size range comfortably larger than the payload and
// the frame header, so each batch's emitted size is pinned exactly to
// the scheme's plan for that packet index: either the payload plus a
// WASTE frame filling the remainder, or the payload alone when it fits
// with no room left for a WASTE frame's own header.
func TestWriteBatchLockedPadsAndAdvancesCounter(t *testing.T) {
	scheme, err := NewPaddingFactory([]byte("stop=3\n0=50-50\n1=60-60\n2=70-70"))
	require.NoError(t, err)

	var buf bytes.Buffer
	rec := &recordingConn{ReadWriteCloser: discardConn{Writer: &buf}}

	client := NewClientSession(rec, scheme, "test-client", nil)
	client.buffering = false // drive writeBatchLocked directly, skipping the SYN-flush window

	payloads := [][]byte{[]byte("abc"), []byte("hello world"), []byte("xyz")}
	for i, payload := range payloads {
		require.NoError(t, client.submit(payload, false))
		assert.Equal(t, uint32(i+1), client.pktCounter, "pktCounter must advance by exactly one per batch")
	}

	writes := rec.snapshot()
	require.Len(t, writes, len(payloads))

	for i, w := range writes {
		plan := scheme.Plan(uint32(i))
		require.Len(t, plan, 1)
		assert.Equal(t, plan[0].Size, len(w), "batch %d must conserve total bytes to the planned size", i)

		payload := payloads[i]
		require.GreaterOrEqual(t, len(w), len(payload))
		assert.Equal(t, payload, w[:len(payload)], "batch %d must carry the real payload untouched ahead of any padding", i)

		waste := w[len(payload):]
		if len(waste) > 0 {
			f, rest, err := Decode(waste)
			require.NoError(t, err)
			assert.Empty(t, rest)
			assert.Equal(t, CmdWaste, f.Cmd)
			assert.Len(t, f.Data, len(waste)-HeaderSize)
		}
	}

	// The fourth write lands at pkt index 3, at the scheme's stop: padding
	// must be disabled from here on, though the counter still advances
	// once more to record the batch that tripped the stop condition.
	require.NoError(t, client.submit([]byte("done"), false))
	assert.Equal(t, uint32(4), client.pktCounter)
	assert.False(t, client.sendPadding)
}

func mustEncode(t *testing.T, f Frame) []byte {
	t.Helper()
	b, err := Encode(nil, f)
	require.NoError(t, err)
	return b
}

// TestPaddingSchemeUpdateIsAtomicOnMismatch exercises the server's
// scheme-update push and the client's atomic swap when its active
// digest differs from what the server reports.
func TestPaddingSchemeUpdateIsAtomicOnMismatch(t *testing.T) {
	cConn, sConn := net.Pipe()
	t.Cleanup(func() { _ = cConn.Close(); _ = sConn.Close() })

	altScheme, err := NewPaddingFactory([]byte("stop=1\n0=10-10"))
	require.NoError(t, err)

	server := newUnpaddedServerSession(sConn, func(*Stream) {})
	server.padding.Store(altScheme)
	require.NoError(t, server.Start())

	client := newUnpaddedClientSession(cConn) // still on MustDefaultPaddingFactory()
	require.NoError(t, client.Start())
	_, err = client.OpenStream() // forces the buffered SETTINGS out onto the wire
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return client.PaddingDigest() == altScheme.Digest()
	}, time.Second, 5*time.Millisecond, "client never adopted the server's padding scheme")
}
