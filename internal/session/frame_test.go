package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []Frame{
		NewFrame(CmdSYN, 1),
		NewFrame(CmdFIN, 0xFFFFFFFF),
		NewDataFrame(CmdPSH, 42, []byte("hello")),
		NewDataFrame(CmdPSH, 7, make([]byte, MaxPayloadSize)),
		NewDataFrame(CmdSettings, 0, []byte("v=2\nclient=test")),
	}

	for _, f := range cases {
		encoded, err := Encode(nil, f)
		require.NoError(t, err)
		assert.Len(t, encoded, HeaderSize+len(f.Data))

		decoded, rest, err := Decode(encoded)
		require.NoError(t, err)
		assert.Empty(t, rest)
		assert.Equal(t, f.Cmd, decoded.Cmd)
		assert.Equal(t, f.Sid, decoded.Sid)
		assert.Equal(t, f.Data, decoded.Data)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	f := NewDataFrame(CmdPSH, 1, make([]byte, MaxPayloadSize+1))
	_, err := Encode(nil, f)
	assert.Error(t, err)
}

func TestDecodeNeedsMoreBytes(t *testing.T) {
	f := NewDataFrame(CmdPSH, 1, []byte("abcdef"))
	full, err := Encode(nil, f)
	require.NoError(t, err)

	for n := 0; n < len(full); n++ {
		_, _, err := Decode(full[:n])
		assert.ErrorIs(t, err, ErrNeedMore, "prefix length %d", n)
	}
}

func TestDecodeLeavesTrailingBytesForNextFrame(t *testing.T) {
	a, err := Encode(nil, NewDataFrame(CmdPSH, 1, []byte("first")))
	require.NoError(t, err)
	b, err := Encode(nil, NewDataFrame(CmdPSH, 2, []byte("second")))
	require.NoError(t, err)

	buf := append(a, b...)

	f1, rest, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), f1.Sid)

	f2, rest, err := Decode(rest)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), f2.Sid)
	assert.Empty(t, rest)
}
