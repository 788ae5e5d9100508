package session

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// recvQueueCapacity bounds the number of pending inbound chunks a
// stream holds before the session's inbound pump blocks delivering to
// it. This is the backpressure policy chosen for the receive-queue-full
// case described in the protocol design: rather than drop payload, the
// pump stalls (and with it every other stream on the session) until the
// slow consumer catches up.
const recvQueueCapacity = 100

// ErrBrokenPipe is returned by Read/Write once a stream or its owning
// session has failed or been torn down.
var ErrBrokenPipe = errors.New("session: broken pipe")

// Stream is a logical byte-stream multiplexed over a Session.
type Stream struct {
	id   uint32
	sess *Session

	recvCh  chan []byte
	pending []byte

	closeOnce sync.Once
	closeErr  error

	finOnce      sync.Once
	localClosed  atomic.Bool
	writeClosed  atomic.Bool
	handshakeSet atomic.Bool
}

func newStream(id uint32, sess *Session) *Stream {
	return &Stream{
		id:     id,
		sess:   sess,
		recvCh: make(chan []byte, recvQueueCapacity),
	}
}

// ID returns the stream's identifier.
func (s *Stream) ID() uint32 { return s.id }

// Read implements io.Reader. It blocks until payload, EOF, or a fatal
// error is available. A zero-byte slice never wakes a blocked reader
// spuriously.
func (s *Stream) Read(p []byte) (int, error) {
	for {
		if len(s.pending) > 0 {
			n := copy(p, s.pending)
			s.pending = s.pending[n:]
			return n, nil
		}

		select {
		case chunk, ok := <-s.recvCh:
			if !ok {
				if s.closeErr != nil {
					return 0, s.closeErr
				}
				return 0, io.EOF
			}
			s.pending = chunk
		case <-s.sess.dieCh:
			return 0, ErrBrokenPipe
		}
	}
}

// Write implements io.Writer. It always writes all of p or fails; no
// short writes. Frames are split at the protocol's payload limit.
func (s *Stream) Write(p []byte) (int, error) {
	if s.writeClosed.Load() {
		return 0, ErrBrokenPipe
	}
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > MaxPayloadSize {
			chunk = chunk[:MaxPayloadSize]
		}
		if err := s.sess.writeFrame(NewDataFrame(CmdPSH, s.id, chunk)); err != nil {
			if s.sess.IsClosed() {
				return written, ErrBrokenPipe
			}
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Close is idempotent: it emits a best-effort FIN and marks the stream
// closed. Subsequent reads drain any buffered payload then return EOF;
// subsequent writes fail.
func (s *Stream) Close() error {
	s.localClosed.Store(true)
	s.writeClosed.Store(true)
	s.finOnce.Do(func() {
		_ = s.sess.writeFrame(NewFrame(CmdFIN, s.id))
		s.sess.streamClosed(s.id)
	})
	s.closeWithErr(nil)
	return nil
}

// closeWithErr marks the stream unusable for further reads beyond
// already-buffered payload. err == nil means an orderly close (read
// returns io.EOF once drained); a non-nil err (e.g. ErrBrokenPipe) is
// returned instead of EOF.
func (s *Stream) closeWithErr(err error) {
	s.writeClosed.Store(true)
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.recvCh)
	})
}

// pushBytes delivers an inbound PSH payload. It blocks until there is
// room in the receive queue or the session dies — the chosen
// backpressure policy (see recvQueueCapacity).
func (s *Stream) pushBytes(data []byte) {
	select {
	case s.recvCh <- data:
	case <-s.sess.dieCh:
	}
}

// HandshakeSuccess is a server-side no-op: the wire convention is that
// success is signaled by an empty SYNACK, which the session already
// sent when the stream was accepted.
func (s *Stream) HandshakeSuccess() {
	s.handshakeSet.Store(true)
}

// HandshakeFailure sends a SYNACK carrying msg as the error body and
// closes the stream. Server-side only, called at most once.
func (s *Stream) HandshakeFailure(msg string) error {
	if !s.handshakeSet.CompareAndSwap(false, true) {
		return nil
	}
	err := s.sess.writeFrame(NewDataFrame(CmdSYNACK, s.id, []byte(msg)))
	s.sess.streamClosed(s.id)
	s.closeWithErr(ErrBrokenPipe)
	return err
}
