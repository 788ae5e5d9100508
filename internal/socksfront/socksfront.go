// Package socksfront exposes the client's local SOCKS5 front-end: it
// accepts plain SOCKS5 connections from local applications and turns
// each CONNECT request into a stream opened on the multiplexed
// session pool, carrying the destination as an address record.
package socksfront

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"time"

	"github.com/armon/go-socks5"
	"github.com/pkg/errors"

	"github.com/tlsmux/anyproxy/internal/pool"
	"github.com/tlsmux/anyproxy/internal/session"
)

const (
	atypIPv4   = 1
	atypDomain = 3
	atypIPv6   = 4
)

// New builds a SOCKS5 server whose Dial hook opens a stream on p and
// writes the destination address record as the stream's first bytes,
// per the wire protocol's server-side stream-accept convention.
func New(p *pool.Pool) (*socks5.Server, error) {
	cfg := &socks5.Config{
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			st, err := p.CreateStream(ctx)
			if err != nil {
				return nil, errors.Wrap(err, "socksfront: opening stream")
			}
			record, err := encodeAddr(addr)
			if err != nil {
				_ = st.Close()
				return nil, err
			}
			if _, err := st.Write(record); err != nil {
				_ = st.Close()
				return nil, errors.Wrap(err, "socksfront: writing address record")
			}
			return streamConn{Stream: st}, nil
		},
	}
	server, err := socks5.New(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "socksfront: building socks5 server")
	}
	return server, nil
}

// ListenAndServe runs the SOCKS5 front-end on addr until it errors or
// the process exits.
func ListenAndServe(p *pool.Pool, addr string) error {
	server, err := New(p)
	if err != nil {
		return err
	}
	return server.ListenAndServe("tcp", addr)
}

func encodeAddr(addr string) ([]byte, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrap(err, "socksfront: splitting host:port")
	}
	var port uint16
	if _, err := parseUint16(portStr, &port); err != nil {
		return nil, errors.Wrap(err, "socksfront: parsing port")
	}
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)

	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return append(append([]byte{atypIPv4}, v4...), portBytes...), nil
		}
		v6 := ip.To16()
		return append(append([]byte{atypIPv6}, v6...), portBytes...), nil
	}

	if len(host) > 255 {
		return nil, errors.Errorf("socksfront: domain name %q too long", host)
	}
	record := append([]byte{atypDomain, byte(len(host))}, host...)
	return append(record, portBytes...), nil
}

func parseUint16(s string, out *uint16) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > 0xFFFF {
		return 0, errors.Errorf("port %d out of range", v)
	}
	*out = uint16(v)
	return len(s), nil
}

// streamConn adapts a multiplexed Stream to net.Conn, as required by
// go-socks5's Dial hook signature. Deadlines are accepted but have no
// effect: the underlying protocol has no per-stream timeout concept,
// matching the session's own backpressure-over-drop design.
type streamConn struct {
	*session.Stream
}

func (streamConn) LocalAddr() net.Addr                { return streamAddr{} }
func (streamConn) RemoteAddr() net.Addr               { return streamAddr{} }
func (streamConn) SetDeadline(t time.Time) error      { return nil }
func (streamConn) SetReadDeadline(t time.Time) error  { return nil }
func (streamConn) SetWriteDeadline(t time.Time) error { return nil }

type streamAddr struct{}

func (streamAddr) Network() string { return "anytls" }
func (streamAddr) String() string  { return "anytls-stream" }
