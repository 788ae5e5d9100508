// Package server implements the accept-side session driver: it
// authenticates incoming connections, drives a Session per connection,
// and for every stream the peer opens parses the destination address
// record, dials out, and relays bytes in both directions.
package server

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tlsmux/anyproxy/internal/session"
)

// atyp values for the destination address record a client sends as
// the first bytes of a freshly opened stream.
const (
	atypIPv4   = 1
	atypDomain = 3
	atypIPv6   = 4
)

// Driver accepts authenticated transports, each wrapped as one
// Session, and relays every stream it carries to a dialed TCP
// destination.
type Driver struct {
	password   string
	padding    *session.PaddingFactory
	logger     *zap.Logger
	dialTarget func(ctx context.Context, addr string) (net.Conn, error)
}

// Config bundles Driver's dependencies.
type Config struct {
	Password string
	Padding  *session.PaddingFactory
	Logger   *zap.Logger
	// DialTarget dials an outbound destination, overridable for tests.
	// Defaults to net.Dialer.DialContext when nil.
	DialTarget func(ctx context.Context, addr string) (net.Conn, error)
}

// New builds a Driver.
func New(cfg Config) *Driver {
	dial := cfg.DialTarget
	if dial == nil {
		d := &net.Dialer{Timeout: 10 * time.Second}
		dial = d.DialContext
	}
	return &Driver{
		password:   cfg.Password,
		padding:    cfg.Padding,
		logger:     cfg.Logger,
		dialTarget: dial,
	}
}

// HandleConnection authenticates conn, then runs a Session over it
// until the peer disconnects or the session fails. It blocks for the
// lifetime of the connection.
func (d *Driver) HandleConnection(ctx context.Context, conn session.Conn) {
	defer conn.Close()

	if err := session.ServerAuthenticate(conn, d.password); err != nil {
		if d.logger != nil {
			d.logger.Debug("server: authentication failed, dropping connection", zap.Error(err))
		}
		return
	}

	sess := session.NewServerSession(conn, d.padding, func(st *session.Stream) {
		d.handleStream(ctx, st)
	}, d.logger)

	if err := sess.Start(); err != nil {
		if d.logger != nil {
			d.logger.Warn("server: session failed to start", zap.Error(err))
		}
		return
	}

	<-sess.Done()
}

// handleStream reads the destination address record off a freshly
// accepted stream, dials it, and relays bytes bidirectionally until
// either side is done.
func (d *Driver) handleStream(ctx context.Context, st *session.Stream) {
	target, err := readDestinationAddr(st)
	if err != nil {
		_ = st.Close()
		return
	}

	conn, err := d.dialTarget(ctx, target)
	if err != nil {
		if d.logger != nil {
			d.logger.Warn("server: dial failed", zap.String("target", target), zap.Error(err))
		}
		_ = st.HandshakeFailure("connection failed: " + err.Error())
		return
	}
	defer conn.Close()

	st.HandshakeSuccess()
	relay(st, conn, d.logger)
}

// relay pumps bytes in both directions between st and conn, tearing
// both down the instant either direction ends, rather than waiting for
// both to finish: a half-closed peer must not pin the other direction
// open forever.
func relay(st *session.Stream, conn net.Conn, logger *zap.Logger) {
	done := make(chan error, 2)

	go func() {
		_, err := io.Copy(conn, st)
		done <- err
	}()
	go func() {
		_, err := io.Copy(st, conn)
		done <- err
	}()

	if err := <-done; err != nil && logger != nil {
		logger.Debug("server: relay ended", zap.Error(err))
	}
	_ = st.Close()
	_ = conn.Close()

	// Drain the second goroutine so it doesn't leak: closing st and
	// conn above unblocks whichever copy is still in flight.
	<-done
}

// readDestinationAddr parses the atyp-prefixed address record that
// opens every server-bound stream and returns it as a "host:port"
// string suitable for net.Dial.
func readDestinationAddr(r io.Reader) (string, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return "", errors.Wrap(err, "server: reading address type")
	}

	var host string
	switch atyp[0] {
	case atypIPv4:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return "", errors.Wrap(err, "server: reading ipv4 address")
		}
		host = net.IP(b[:]).String()
	case atypDomain:
		var lenByte [1]byte
		if _, err := io.ReadFull(r, lenByte[:]); err != nil {
			return "", errors.Wrap(err, "server: reading domain length")
		}
		domain := make([]byte, lenByte[0])
		if _, err := io.ReadFull(r, domain); err != nil {
			return "", errors.Wrap(err, "server: reading domain name")
		}
		host = string(domain)
	case atypIPv6:
		var b [16]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return "", errors.Wrap(err, "server: reading ipv6 address")
		}
		host = net.IP(b[:]).String()
	default:
		return "", errors.Errorf("server: unknown address type %d", atyp[0])
	}

	var portBytes [2]byte
	if _, err := io.ReadFull(r, portBytes[:]); err != nil {
		return "", errors.Wrap(err, "server: reading port")
	}
	port := binary.BigEndian.Uint16(portBytes[:])

	return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}
