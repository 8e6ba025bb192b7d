// Package handshake runs the new-session and reattachment exchanges on a
// negotiated connection. The server side is the authority for validating
// tokens against its registry; the client side is the sole holder that
// presents them.
package handshake

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/resumectl/internal/observability"
	"github.com/danmuck/resumectl/internal/protocol/wire"
	"github.com/danmuck/resumectl/internal/relay"
	"github.com/danmuck/resumectl/internal/session"
)

var (
	// ErrReattachRejected is terminal for a token: the session is gone
	// and the client must not present that token again.
	ErrReattachRejected = errors.New("handshake: resumption rejected")
	// ErrOffsetSync means the post-accept byte-count sync was violated;
	// the session must be abandoned outright.
	ErrOffsetSync = errors.New("handshake: offset sync violation")
	ErrBadRequest = errors.New("handshake: malformed request")
)

// Server runs the accept-side handshake against a shared registry.
type Server struct {
	Registry *session.Registry
	Logger   zerolog.Logger
}

// Accept dispatches on the first payload byte: the reserved 0x00 byte
// opens a new session, anything else must be a 16-byte token for
// reattachment. On success the returned relay is bound to conn.
func (h *Server) Accept(conn net.Conn) (*session.Session, *relay.Relay, bool, error) {
	cfg := h.Registry.Config()
	_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))

	var first [1]byte
	if _, err := io.ReadFull(conn, first[:]); err != nil {
		return nil, nil, false, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	if first[0] == wire.NewSessionByte {
		sess, rl, err := h.acceptNew(conn)
		if err != nil {
			return nil, nil, false, err
		}
		_ = conn.SetDeadline(time.Time{})
		return sess, rl, false, nil
	}

	sess, rl, err := h.acceptReattach(conn, first[0])
	if err != nil {
		return nil, nil, false, err
	}
	_ = conn.SetDeadline(time.Time{})
	return sess, rl, true, nil
}

func (h *Server) acceptNew(conn net.Conn) (*session.Session, *relay.Relay, error) {
	cfg := h.Registry.Config()
	sess, err := h.Registry.Create()
	if err != nil {
		return nil, nil, err
	}

	tok := sess.Token
	rl := relay.New(relay.Config{
		ReceiveWindow: cfg.ReceiveWindow,
		GracePeriod:   cfg.GracePeriod,
		Logger:        h.Logger.With().Stringer("token", tok).Logger(),
		OnSuspend:     func(error) { sess.UnbindTransport(nil) },
		OnClose:       func() { h.Registry.Evict(tok, "closed") },
		OnActivity:    sess.Touch,
	})
	sess.SetEndpoint(rl)

	resp := make([]byte, 0, wire.TokenLen+9+len(h.Registry.HostID()))
	resp = append(resp, tok[:]...)
	resp = appendUvarint(resp, uint64(len(h.Registry.HostID())))
	resp = append(resp, h.Registry.HostID()...)
	if _, err := conn.Write(resp); err != nil {
		h.Registry.Evict(tok, "closed")
		return nil, nil, err
	}

	// Both sides start from the fixed default window; no counters have
	// accumulated yet. The handshake deadline must be gone before relay
	// loops take over the conn.
	_ = conn.SetDeadline(time.Time{})
	if _, err := h.Registry.Rebind(tok, conn, 0, cfg.ReceiveWindow); err != nil {
		return nil, nil, err
	}
	h.Logger.Debug().Stringer("token", tok).Msg("new session accepted")
	return sess, rl, nil
}

func (h *Server) acceptReattach(conn net.Conn, first byte) (*session.Session, *relay.Relay, error) {
	raw := make([]byte, wire.TokenLen)
	raw[0] = first
	if _, err := io.ReadFull(conn, raw[1:]); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	tok, err := session.ParseToken(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	sess, ok := h.Registry.Lookup(tok)
	var ep session.Endpoint
	if ok {
		ep = sess.Endpoint()
	}
	if !ok || ep == nil {
		observability.ReattachResult("rejected")
		h.Logger.Debug().Stringer("token", tok).Msg("reattachment rejected")
		_, _ = conn.Write([]byte{wire.ReattachReject})
		return nil, nil, ErrReattachRejected
	}

	// Supersede any transport still bound: a half-open socket cannot be
	// trusted to deliver, and the endpoint's counters must be quiescent
	// before they are reported.
	ep.Detach()
	sess.UnbindTransport(nil)

	out := []byte{wire.ReattachAccept}
	out = appendUvarint(out, ep.ReceivedTotal())
	out = appendUvarint(out, ep.ReceiveWindow())
	if _, err := conn.Write(out); err != nil {
		return nil, nil, err
	}

	peerReceived, err := wire.ReadUvarint(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	peerWindow, err := wire.ReadUvarint(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	_ = conn.SetDeadline(time.Time{})
	if _, err := h.Registry.Rebind(tok, conn, peerReceived, peerWindow); err != nil {
		observability.ReattachResult("failed")
		if errors.Is(err, relay.ErrOffsetSync) {
			return nil, nil, fmt.Errorf("%w: peer reports %d received", ErrOffsetSync, peerReceived)
		}
		return nil, nil, err
	}
	observability.ReattachResult("accepted")
	rl, _ := ep.(*relay.Relay)
	h.Logger.Debug().Stringer("token", tok).Uint64("peer_received", peerReceived).Msg("reattachment accepted")
	return sess, rl, nil
}

// Client runs the dial-side handshake.
type Client struct {
	Config session.Config
	Logger zerolog.Logger
}

// NewSession requests a fresh session and returns its token and the
// server's stable host identifier. The caller binds a relay afterwards
// with the default window.
func (h *Client) NewSession(conn net.Conn) (session.Token, []byte, error) {
	_ = conn.SetDeadline(time.Now().Add(h.Config.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write([]byte{wire.NewSessionByte}); err != nil {
		return session.Token{}, nil, err
	}

	raw := make([]byte, wire.TokenLen)
	if _, err := io.ReadFull(conn, raw); err != nil {
		return session.Token{}, nil, err
	}
	tok, err := session.ParseToken(raw)
	if err != nil {
		return session.Token{}, nil, err
	}

	hostLen, err := wire.ReadUvarint(conn)
	if err != nil {
		return session.Token{}, nil, err
	}
	if hostLen > wire.MaxHostIDLen {
		return session.Token{}, nil, fmt.Errorf("%w: host id length %d", ErrBadRequest, hostLen)
	}
	hostID := make([]byte, hostLen)
	if _, err := io.ReadFull(conn, hostID); err != nil {
		return session.Token{}, nil, err
	}
	h.Logger.Debug().Stringer("token", tok).Msg("session established")
	return tok, hostID, nil
}

// Reattach presents tok on a fresh negotiated conn and, on acceptance,
// syncs offsets and rebinds rl to it. ErrReattachRejected is terminal:
// the caller must not retry the token.
func (h *Client) Reattach(conn net.Conn, tok session.Token, rl *relay.Relay) error {
	_ = conn.SetDeadline(time.Now().Add(h.Config.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(tok[:]); err != nil {
		return err
	}

	var resp [1]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		return err
	}
	if resp[0] != wire.ReattachAccept {
		return ErrReattachRejected
	}

	peerReceived, err := wire.ReadUvarint(conn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	peerWindow, err := wire.ReadUvarint(conn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	out := appendUvarint(nil, rl.ReceivedTotal())
	out = appendUvarint(out, rl.ReceiveWindow())
	if _, err := conn.Write(out); err != nil {
		return err
	}

	_ = conn.SetDeadline(time.Time{})
	if err := rl.Rebind(conn, peerReceived, peerWindow); err != nil {
		if errors.Is(err, relay.ErrOffsetSync) {
			// Trust in the offset agreement is broken; the session is
			// unusable from here.
			rl.Shutdown(relay.ErrOffsetSync)
			return fmt.Errorf("%w: server reports %d received", ErrOffsetSync, peerReceived)
		}
		return err
	}
	h.Logger.Debug().Stringer("token", tok).Uint64("peer_received", peerReceived).Msg("reattached")
	return nil
}

func appendUvarint(b []byte, v uint64) []byte {
	return binary.AppendUvarint(b, v)
}
