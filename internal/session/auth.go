package session

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// authDigestSize is the length of the SHA-256(password) block that
// opens every connection, before any framed session traffic.
const authDigestSize = sha256.Size

// ErrAuthFailed is returned when the peer's password digest does not
// match. The server never distinguishes this from a transport error
// on the wire (it simply closes the connection), but callers get a
// concrete error locally for logging.
var ErrAuthFailed = errors.New("session: authentication failed")

// ClientAuthenticate performs the client side of the pre-session
// handshake: it writes SHA-256(password), a 2-byte big-endian padding
// length, and that many padding bytes. padLen should come from the
// active padding scheme's first plan entry for packet 0 (or 0 if the
// scheme has none), so the handshake's size participates in the same
// traffic shaping as ordinary packets.
func ClientAuthenticate(w io.Writer, password string, padLen int) error {
	digest := sha256.Sum256([]byte(password))
	if padLen < 0 || padLen > 0xFFFF {
		padLen = 0
	}

	buf := make([]byte, authDigestSize+2, authDigestSize+2+padLen)
	copy(buf, digest[:])
	binary.BigEndian.PutUint16(buf[authDigestSize:authDigestSize+2], uint16(padLen))
	if padLen > 0 {
		pad := make([]byte, padLen)
		_, _ = rand.Read(pad)
		buf = append(buf, pad...)
	}
	_, err := w.Write(buf)
	return err
}

// ServerAuthenticate performs the server side of the pre-session
// handshake: it reads the fixed digest+length header, reads and
// discards the padding bytes, and compares the digest in constant
// time. On mismatch it returns ErrAuthFailed without writing anything
// back, matching the convention that failed auth looks like a dead
// peer to a port scanner rather than a protocol error.
func ServerAuthenticate(r io.Reader, password string) error {
	header := make([]byte, authDigestSize+2)
	if _, err := io.ReadFull(r, header); err != nil {
		return errors.Wrap(err, "session: reading auth header")
	}
	padLen := binary.BigEndian.Uint16(header[authDigestSize : authDigestSize+2])
	if padLen > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(padLen)); err != nil {
			return errors.Wrap(err, "session: reading auth padding")
		}
	}

	want := sha256.Sum256([]byte(password))
	if subtle.ConstantTimeCompare(header[:authDigestSize], want[:]) != 1 {
		return ErrAuthFailed
	}
	return nil
}

// ClientAuthPadLen derives the padding length a client should use for
// the authentication block from packet 0 of the active scheme: the
// first PlanSize entry's size, or 0 if the plan has none.
func ClientAuthPadLen(scheme *PaddingFactory) int {
	for _, entry := range scheme.Plan(0) {
		if entry.Kind == PlanSize {
			return entry.Size
		}
	}
	return 0
}
