// Package session implements the multiplexing protocol: frame codec,
// padding scheme, stream, and the session state machine that ties them
// together over a single authenticated transport.
package session

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Command identifies the purpose of a frame.
type Command uint8

const (
	CmdWaste Command = iota
	CmdSYN
	CmdPSH
	CmdFIN
	CmdSettings
	CmdAlert
	CmdUpdatePaddingScheme
	CmdSYNACK
	CmdHeartRequest
	CmdHeartResponse
	CmdServerSettings
)

// HeaderSize is the fixed-size header: cmd(1) + sid(4) + length(2).
const HeaderSize = 1 + 4 + 2

// MaxPayloadSize is the largest payload a single frame can carry.
const MaxPayloadSize = 65535

// Frame is one unit of the wire protocol: a command, a stream id, and
// an opaque payload.
type Frame struct {
	Cmd  Command
	Sid  uint32
	Data []byte
}

// NewFrame builds a frame with no payload.
func NewFrame(cmd Command, sid uint32) Frame {
	return Frame{Cmd: cmd, Sid: sid}
}

// NewDataFrame builds a frame carrying data. data is not copied.
func NewDataFrame(cmd Command, sid uint32, data []byte) Frame {
	return Frame{Cmd: cmd, Sid: sid, Data: data}
}

// Encode serializes f into dst's tail, growing dst as needed, and
// returns the resulting slice. It fails if the payload exceeds
// MaxPayloadSize.
func Encode(dst []byte, f Frame) ([]byte, error) {
	if len(f.Data) > MaxPayloadSize {
		return dst, errors.Errorf("session: payload of %d bytes exceeds max %d", len(f.Data), MaxPayloadSize)
	}
	header := [HeaderSize]byte{}
	header[0] = byte(f.Cmd)
	binary.BigEndian.PutUint32(header[1:5], f.Sid)
	binary.BigEndian.PutUint16(header[5:7], uint16(len(f.Data)))
	dst = append(dst, header[:]...)
	dst = append(dst, f.Data...)
	return dst, nil
}

// ErrNeedMore indicates buf does not yet hold a full frame.
var ErrNeedMore = errors.New("session: need more bytes")

// Decode attempts to parse a single frame from the head of buf. On
// success it returns the frame (whose Data aliases buf) and the
// unconsumed remainder. If buf does not hold a complete frame yet, it
// returns ErrNeedMore. Decode never mutates buf.
func Decode(buf []byte) (Frame, []byte, error) {
	if len(buf) < HeaderSize {
		return Frame{}, nil, ErrNeedMore
	}
	cmd := Command(buf[0])
	sid := binary.BigEndian.Uint32(buf[1:5])
	length := binary.BigEndian.Uint16(buf[5:7])
	total := HeaderSize + int(length)
	if len(buf) < total {
		return Frame{}, nil, ErrNeedMore
	}
	f := Frame{Cmd: cmd, Sid: sid, Data: buf[HeaderSize:total]}
	return f, buf[total:], nil
}
