// Package mux decides, from the first bytes of a connection, whether the
// peer speaks the resumption protocol or a legacy protocol. Probed bytes
// are never lost: the legacy path always receives a connection that
// replays them byte-for-byte.
package mux

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/danmuck/resumectl/internal/protocol/wire"
)

var ErrNegotiationFailed = errors.New("mux: negotiation failed")

// Replay returns a conn whose reads serve prefix before the underlying
// connection. A nil or empty prefix returns the conn unchanged.
func Replay(prefix []byte, nc net.Conn) net.Conn {
	if len(prefix) == 0 {
		return nc
	}
	buf := make([]byte, len(prefix))
	copy(buf, prefix)
	return &replayConn{Conn: nc, prefix: buf}
}

type replayConn struct {
	net.Conn
	prefix []byte
}

func (c *replayConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

// DetectServer runs the server half of the negotiation. It reads the
// 8-byte probe; on a match it answers with the banner and checks the
// confirm literal. The returned conn is the one to keep using: when
// resumption is false it replays every probed byte unconsumed so the
// legacy handler sees an unmodified stream.
func DetectServer(nc net.Conn) (conn net.Conn, resumption bool, err error) {
	probe := make([]byte, len(wire.ClientProbe))
	n, rerr := io.ReadFull(nc, probe)
	if isTimeout(rerr) {
		// A deadline expiry is a peer that went silent, not a legacy
		// protocol; it must not reach the fallback handler.
		return nc, false, fmt.Errorf("%w: %w", ErrNegotiationFailed, rerr)
	}
	if rerr != nil || !bytes.Equal(probe[:n], []byte(wire.ClientProbe)) {
		return Replay(probe[:n], nc), false, nil
	}

	if _, err := nc.Write([]byte(wire.ServerBanner)); err != nil {
		return nc, false, err
	}

	confirm := make([]byte, len(wire.ClientConfirm))
	n, rerr = io.ReadFull(nc, confirm)
	if isTimeout(rerr) {
		return nc, false, fmt.Errorf("%w: %w", ErrNegotiationFailed, rerr)
	}
	if rerr != nil || !bytes.Equal(confirm[:n], []byte(wire.ClientConfirm)) {
		// The probe matched but the confirm diverged: fall back with
		// whatever arrived after the probe. The probe itself was part of
		// a committed negotiation attempt and is not replayed.
		return Replay(confirm[:n], nc), false, nil
	}
	return nc, true, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// NegotiateClient runs the client half of the negotiation. On a banner
// mismatch the peer is a legacy server: the returned conn replays the
// diverging bytes and resumption is false. Transport errors are returned
// as errors, not fallback.
func NegotiateClient(nc net.Conn) (conn net.Conn, resumption bool, err error) {
	if _, err := nc.Write([]byte(wire.ClientProbe)); err != nil {
		return nc, false, err
	}

	banner := make([]byte, len(wire.ServerBanner))
	n, rerr := io.ReadFull(nc, banner)
	if isTimeout(rerr) {
		return nc, false, fmt.Errorf("%w: %w", ErrNegotiationFailed, rerr)
	}
	if !bytes.Equal(banner[:n], []byte(wire.ServerBanner)) {
		if rerr != nil && n == 0 {
			return nc, false, rerr
		}
		return Replay(banner[:n], nc), false, nil
	}
	if rerr != nil {
		return nc, false, rerr
	}

	if _, err := nc.Write([]byte(wire.ClientConfirm)); err != nil {
		return nc, false, err
	}
	return nc, true, nil
}
