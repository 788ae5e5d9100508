// Package pool implements the client-side session pool: reuse of
// existing multiplexed sessions across stream requests, and periodic
// reclamation of idle sessions that have run past their allotted
// idle_timeout.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tlsmux/anyproxy/internal/session"
)

// ErrClosed is returned by CreateStream once the pool has been closed.
var ErrClosed = errors.New("pool: closed")

// Dialer establishes a new authenticated transport ready for session
// framing: TLS handshake and the password handshake have already run
// by the time it returns.
type Dialer func(ctx context.Context) (session.Conn, error)

type idleEntry struct {
	sess      *session.Session
	idleSince time.Time
}

// Pool manages a set of client Sessions dialed on demand, keeping a
// small reserve of idle ones around (min_idle_sessions) and closing
// any that sit unused past idle_timeout.
type Pool struct {
	dial      Dialer
	padding   *session.PaddingFactory
	clientTag string
	logger    *zap.Logger

	idleTimeout     time.Duration
	minIdleSessions int

	mu     sync.Mutex
	idle   []*idleEntry
	closed bool

	stopCleanup chan struct{}
}

// Config bundles the tunables for New.
type Config struct {
	Dial            Dialer
	Padding         *session.PaddingFactory
	ClientTag       string
	IdleTimeout     time.Duration
	MinIdleSessions int
	Logger          *zap.Logger
}

// New builds a Pool and starts its background idle-reclamation loop.
func New(cfg Config) *Pool {
	p := &Pool{
		dial:            cfg.Dial,
		padding:         cfg.Padding,
		clientTag:       cfg.ClientTag,
		logger:          cfg.Logger,
		idleTimeout:     cfg.IdleTimeout,
		minIdleSessions: cfg.MinIdleSessions,
		stopCleanup:     make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// CreateStream returns a stream backed by an idle session if one is
// available and still usable, otherwise dials and starts a fresh
// session.
func (p *Pool) CreateStream(ctx context.Context) (*session.Stream, error) {
	if sess := p.acquireIdle(); sess != nil {
		st, err := sess.OpenStream()
		if err == nil {
			p.release(sess)
			return st, nil
		}
		if p.logger != nil {
			p.logger.Debug("pool: idle session failed to open stream, dialing fresh", zap.Error(err))
		}
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	sess, err := p.createSession(ctx)
	if err != nil {
		return nil, err
	}
	st, err := sess.OpenStream()
	if err != nil {
		return nil, errors.Wrap(err, "pool: opening stream on freshly dialed session")
	}
	p.release(sess)
	return st, nil
}

// acquireIdle pops the oldest idle session (FIFO), matching release
// appending to the tail.
func (p *Pool) acquireIdle() *session.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.idle) > 0 {
		e := p.idle[0]
		p.idle = p.idle[1:]
		if e.sess.IsClosed() {
			continue
		}
		return e.sess
	}
	return nil
}

// release returns sess to the idle set, available for the next
// CreateStream call to reuse. A session may appear in the idle set
// many times concurrently with live streams open on it; multiplexing
// is the whole point.
func (p *Pool) release(sess *session.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.idle = append(p.idle, &idleEntry{sess: sess, idleSince: time.Now()})
	if len(p.idle) > p.minIdleSessions*2 && p.minIdleSessions > 0 {
		excess := len(p.idle) - p.minIdleSessions
		for _, e := range p.idle[:excess] {
			_ = e.sess.Close()
		}
		p.idle = p.idle[excess:]
	}
}

func (p *Pool) createSession(ctx context.Context) (*session.Session, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "pool: dialing new session")
	}
	sess := session.NewClientSession(conn, p.padding, p.clientTag, p.logger)
	if err := sess.Start(); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "pool: starting new session")
	}
	return sess, nil
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reclaimExpired()
		case <-p.stopCleanup:
			return
		}
	}
}

// reclaimExpired closes idle sessions that have both sat unused
// longer than idle_timeout and are in excess of min_idle_sessions,
// keeping at least the configured reserve warm.
func (p *Pool) reclaimExpired() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.idleTimeout <= 0 {
		return
	}
	now := time.Now()
	kept := p.idle[:0]
	closedCount := 0
	for _, e := range p.idle {
		expired := now.Sub(e.idleSince) > p.idleTimeout
		overReserve := len(kept) >= p.minIdleSessions
		if expired && overReserve {
			_ = e.sess.Close()
			closedCount++
			continue
		}
		kept = append(kept, e)
	}
	p.idle = kept
	if closedCount > 0 && p.logger != nil {
		p.logger.Debug("pool: reclaimed idle sessions", zap.Int("count", closedCount))
	}
}

// Close tears down every idle session and stops background cleanup.
// Sessions already handed out with live streams are unaffected until
// their own owners close them.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.stopCleanup)
	for _, e := range idle {
		_ = e.sess.Close()
	}
	return nil
}

// Len reports the number of sessions currently idle, for tests and
// diagnostics.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}
