package session

import (
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrSessionClosed is returned by operations attempted on a session
// that has already been torn down locally.
var ErrSessionClosed = errors.New("session: closed")

// Conn is the transport a Session runs over: already authenticated
// and, for TLS listeners/dialers, already past the TLS handshake.
type Conn = io.ReadWriteCloser

// Callback is invoked, once per accepted stream, on the server side.
// It runs on its own goroutine; the session has already replied with
// an empty SYNACK by the time it is invoked.
type Callback func(*Stream)

// Session multiplexes many Streams over one authenticated transport.
// Exactly one Session exists per transport; it owns the read half via
// its inbound pump and serializes all writes to the write half.
type Session struct {
	conn     io.ReadWriteCloser
	isClient bool
	logger   *zap.Logger

	writeMu     sync.Mutex
	pktCounter  uint32
	sendPadding bool
	buffering   bool
	outBuf      []byte
	padding     atomic.Pointer[PaddingFactory]

	nextSid uint32 // client only; pre-incremented

	streamMu sync.Mutex
	streams  map[uint32]*Stream

	closed atomic.Bool
	dieCh  chan struct{}
	dieOnce sync.Once

	peerVersion     atomic.Uint32
	firstFrameSeen  atomic.Bool
	clientTag       string
	onAccept        Callback
}

// NewClientSession wraps an authenticated transport as a client
// session. The caller must call Start before using it.
func NewClientSession(conn io.ReadWriteCloser, padding *PaddingFactory, clientTag string, logger *zap.Logger) *Session {
	s := &Session{
		conn:        conn,
		isClient:    true,
		logger:      logger,
		sendPadding: true,
		buffering:   true, // deferred until the first SYN flush, per protocol
		streams:     make(map[uint32]*Stream),
		dieCh:       make(chan struct{}),
		clientTag:   clientTag,
	}
	s.padding.Store(padding)
	return s
}

// NewServerSession wraps an authenticated transport as a server
// session. onAccept is invoked for each newly opened stream.
func NewServerSession(conn io.ReadWriteCloser, padding *PaddingFactory, onAccept Callback, logger *zap.Logger) *Session {
	s := &Session{
		conn:     conn,
		isClient: false,
		logger:   logger,
		streams:  make(map[uint32]*Stream),
		dieCh:    make(chan struct{}),
		onAccept: onAccept,
	}
	s.padding.Store(padding)
	return s
}

// Start sends the client's SETTINGS handshake (client sessions only)
// and launches the inbound pump. It must be called exactly once.
func (s *Session) Start() error {
	if s.isClient {
		if err := s.sendClientSettings(); err != nil {
			return errors.Wrap(err, "session: sending client settings")
		}
	}
	go s.recvLoop()
	return nil
}

// IsClosed reports whether the session has been torn down.
func (s *Session) IsClosed() bool { return s.closed.Load() }

// NumStreams returns the number of currently registered streams.
func (s *Session) NumStreams() int {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	return len(s.streams)
}

// Done returns a channel closed when the session terminates.
func (s *Session) Done() <-chan struct{} { return s.dieCh }

// PaddingDigest returns the hex MD5 of the currently active padding
// scheme.
func (s *Session) PaddingDigest() string { return s.padding.Load().Digest() }

// Close tears the session down locally: it is the non-fatal
// counterpart to fail and does not send an ALERT.
func (s *Session) Close() error { return s.terminate(ErrSessionClosed) }

func (s *Session) terminate(cause error) error {
	closing := false
	s.dieOnce.Do(func() {
		closing = true
		close(s.dieCh)
	})
	if !closing {
		return nil
	}
	s.closed.Store(true)

	streamErr := ErrBrokenPipe
	if cause != nil {
		streamErr = errors.Wrap(ErrBrokenPipe, cause.Error())
	}
	s.streamMu.Lock()
	for sid, st := range s.streams {
		st.closeWithErr(streamErr)
		delete(s.streams, sid)
	}
	s.streamMu.Unlock()

	return s.conn.Close()
}

func (s *Session) fail(err error) {
	if s.logger != nil {
		s.logger.Warn("session: fatal error", zap.Error(err), zap.Bool("client", s.isClient))
	}
	_ = s.terminate(err)
}

// sendAlertAndFail emits a best-effort ALERT frame carrying err's text
// then tears the session down.
func (s *Session) sendAlertAndFail(err error) {
	_ = s.writeFrame(NewDataFrame(CmdAlert, 0, []byte(err.Error())))
	s.fail(err)
}

// OpenStream opens a new client-side stream: it allocates the next
// stream id, registers it, and emits a SYN frame.
func (s *Session) OpenStream() (*Stream, error) {
	if s.IsClosed() {
		return nil, ErrBrokenPipe
	}
	sid := atomic.AddUint32(&s.nextSid, 1)
	st := newStream(sid, s)
	s.registerStream(sid, st)

	if err := s.writeFrame(NewFrame(CmdSYN, sid)); err != nil {
		s.unregisterStream(sid)
		return nil, errors.Wrap(err, "session: writing SYN")
	}
	return st, nil
}

func (s *Session) registerStream(sid uint32, st *Stream) {
	s.streamMu.Lock()
	s.streams[sid] = st
	s.streamMu.Unlock()
}

func (s *Session) unregisterStream(sid uint32) {
	s.streamMu.Lock()
	delete(s.streams, sid)
	s.streamMu.Unlock()
}

func (s *Session) lookupStream(sid uint32) (*Stream, bool) {
	s.streamMu.Lock()
	st, ok := s.streams[sid]
	s.streamMu.Unlock()
	return st, ok
}

// streamClosed unregisters sid; called once a stream is done with the
// session (local close or FIN).
func (s *Session) streamClosed(sid uint32) {
	s.unregisterStream(sid)
}

// --- outbound path (spec §4.4.2) ---

func (s *Session) writeFrame(f Frame) error {
	encoded, err := Encode(nil, f)
	if err != nil {
		return err
	}
	return s.submit(encoded, f.Cmd == CmdSYN)
}

// submit is the single outbound entry point. While buffering, frames
// other than the first SYN are appended to the deferred buffer; the
// first SYN flushes the buffer and the combined bytes are written as
// one packet, so the first wire packet carries both the client
// handshake and the SYN.
func (s *Session) submit(data []byte, endsBuffering bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.buffering {
		if !endsBuffering {
			s.outBuf = append(s.outBuf, data...)
			return nil
		}
		combined := append(s.outBuf, data...)
		s.outBuf = nil
		s.buffering = false
		return s.writeBatchLocked(combined)
	}
	return s.writeBatchLocked(data)
}

// writeBatchLocked implements the padding algorithm for one outbound
// write batch. Callers must hold writeMu.
func (s *Session) writeBatchLocked(data []byte) error {
	if !s.sendPadding {
		return s.rawWriteLocked(data)
	}

	pkt := s.pktCounter
	s.pktCounter++
	scheme := s.padding.Load()
	if pkt >= scheme.Stop() {
		s.sendPadding = false
		return s.rawWriteLocked(data)
	}

	plan := scheme.Plan(pkt)
	var out []byte
	cursor := data

planLoop:
	for _, entry := range plan {
		switch entry.Kind {
		case PlanCheck:
			if len(cursor) == 0 {
				break planLoop
			}
			continue
		case PlanSize:
			sz := entry.Size
			switch {
			case len(cursor) > sz:
				out = append(out, cursor[:sz]...)
				cursor = cursor[sz:]
			case len(cursor) > 0:
				pad := sz - len(cursor) - HeaderSize
				out = append(out, cursor...)
				if pad > 0 {
					out, _ = Encode(out, NewDataFrame(CmdWaste, 0, RandomBytes(pad)))
				}
				cursor = nil
			default:
				wasteLen := sz - HeaderSize
				if wasteLen < 0 {
					wasteLen = 0
				}
				out, _ = Encode(out, NewDataFrame(CmdWaste, 0, RandomBytes(wasteLen)))
			}
		}
	}

	if len(cursor) > 0 {
		out = append(out, cursor...)
	}
	return s.rawWriteLocked(out)
}

func (s *Session) rawWriteLocked(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	_, err := s.conn.Write(data)
	return err
}

// --- client settings ---

func (s *Session) sendClientSettings() error {
	settings := Settings{
		SettingsVersion:    "2",
		SettingsClient:     s.clientTag,
		SettingsPaddingMD5: s.padding.Load().Digest(),
	}
	return s.writeFrame(NewDataFrame(CmdSettings, 0, settings.Encode()))
}

// --- inbound pump (spec §4.4.3) ---

func (s *Session) recvLoop() {
	header := make([]byte, HeaderSize)
	for {
		if _, err := io.ReadFull(s.conn, header); err != nil {
			s.fail(errors.Wrap(err, "session: reading frame header"))
			return
		}
		cmd := Command(header[0])
		sid := binary.BigEndian.Uint32(header[1:5])
		length := binary.BigEndian.Uint16(header[5:7])

		var data []byte
		if length > 0 {
			data = make([]byte, length)
			if _, err := io.ReadFull(s.conn, data); err != nil {
				s.fail(errors.Wrap(err, "session: reading frame payload"))
				return
			}
		}

		if !s.isClient && !s.firstFrameSeen.Load() {
			s.firstFrameSeen.Store(true)
			if cmd != CmdSettings {
				s.sendAlertAndFail(errors.New("session: first frame was not SETTINGS"))
				return
			}
		}

		if stop := s.handleFrame(cmd, sid, data); stop {
			return
		}
	}
}

// handleFrame dispatches one inbound frame. It returns true if the
// session should stop its inbound pump (already torn down).
func (s *Session) handleFrame(cmd Command, sid uint32, data []byte) bool {
	switch cmd {
	case CmdPSH:
		if st, ok := s.lookupStream(sid); ok && len(data) > 0 {
			st.pushBytes(data)
		}
	case CmdSYN:
		s.handleSYN(sid)
	case CmdSYNACK:
		s.handleSYNACK(sid, data)
	case CmdFIN:
		if st, ok := s.lookupStream(sid); ok {
			st.closeWithErr(nil)
		}
		s.unregisterStream(sid)
	case CmdWaste:
		// discard
	case CmdSettings:
		if err := s.handleSettings(data); err != nil {
			s.fail(err)
			return true
		}
	case CmdServerSettings:
		s.handleServerSettings(data)
	case CmdAlert:
		if s.logger != nil {
			s.logger.Warn("session: received ALERT", zap.String("text", string(data)))
		}
		s.fail(errors.Errorf("session: peer alert: %s", data))
		return true
	case CmdUpdatePaddingScheme:
		s.handleUpdatePaddingScheme(data)
	case CmdHeartRequest:
		if err := s.writeFrame(NewFrame(CmdHeartResponse, sid)); err != nil {
			s.fail(err)
			return true
		}
	case CmdHeartResponse:
		// reactive-only liveness: no bookkeeping required
	default:
		// unknown command: ignore for forward compatibility
	}
	return false
}

func (s *Session) handleSYN(sid uint32) {
	if s.isClient {
		return
	}
	if _, exists := s.lookupStream(sid); exists {
		msg := errors.Errorf("stream %d already exists", sid).Error()
		_ = s.writeFrame(NewDataFrame(CmdSYNACK, sid, []byte(msg)))
		return
	}
	st := newStream(sid, s)
	s.registerStream(sid, st)
	_ = s.writeFrame(NewFrame(CmdSYNACK, sid))
	if s.onAccept != nil {
		go s.onAccept(st)
	}
}

func (s *Session) handleSYNACK(sid uint32, data []byte) {
	if !s.isClient {
		return
	}
	st, ok := s.lookupStream(sid)
	if !ok {
		return
	}
	if len(data) > 0 {
		st.closeWithErr(errors.New(string(data)))
		s.unregisterStream(sid)
	}
}

func (s *Session) handleSettings(data []byte) error {
	if s.isClient {
		return nil
	}
	settings := ParseSettings(data)
	if v := settings.Version(); v > 0 {
		s.peerVersion.Store(v)
	}
	if md5, ok := settings[SettingsPaddingMD5]; ok {
		if md5 != s.padding.Load().Digest() {
			if err := s.writeFrame(NewDataFrame(CmdUpdatePaddingScheme, 0, s.padding.Load().Body())); err != nil {
				return err
			}
		}
	}
	if s.peerVersion.Load() >= 2 {
		reply := Settings{SettingsVersion: "2"}
		if err := s.writeFrame(NewDataFrame(CmdServerSettings, 0, reply.Encode())); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) handleServerSettings(data []byte) {
	if !s.isClient {
		return
	}
	settings := ParseSettings(data)
	if v := settings.Version(); v > 0 {
		s.peerVersion.Store(v)
	}
}

func (s *Session) handleUpdatePaddingScheme(data []byte) {
	if !s.isClient {
		return
	}
	next, err := NewPaddingFactory(data)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("session: rejecting invalid padding scheme update", zap.Error(err))
		}
		return
	}
	if next.Digest() == s.padding.Load().Digest() {
		return
	}
	s.padding.Store(next)
}
