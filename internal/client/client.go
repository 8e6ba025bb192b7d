// Package client dials resumable sessions and keeps them alive: it
// detects transport loss, re-dials through the caller's dialer, re-runs
// negotiation plus the reattachment handshake, and rebinds the relay,
// all invisibly to the application as long as reconnection succeeds
// inside the grace period.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/resumectl/internal/handshake"
	"github.com/danmuck/resumectl/internal/protocol/mux"
	"github.com/danmuck/resumectl/internal/relay"
	"github.com/danmuck/resumectl/internal/session"
)

var (
	ErrDialerRequired = errors.New("client: dialer required")
	// ErrLegacyPeer reports that the server does not speak the
	// resumption protocol. The wrapped conn replays every byte the
	// negotiation consumed.
	ErrLegacyPeer = errors.New("client: peer does not support resumption")
)

// LegacyPeerError carries the replayed connection for callers that want
// to continue on the legacy path.
type LegacyPeerError struct {
	Conn net.Conn
}

func (e *LegacyPeerError) Error() string { return ErrLegacyPeer.Error() }
func (e *LegacyPeerError) Unwrap() error { return ErrLegacyPeer }

// Dialer opens one raw connection to the logical remote endpoint.
// hostID is nil on the first dial and carries the server's stable host
// identifier on every redial, so routing can follow identity rather
// than the address last dialed.
type Dialer func(ctx context.Context, hostID []byte) (net.Conn, error)

// Config for one resumable client connection.
type Config struct {
	Dialer  Dialer
	Session session.Config
	Logger  zerolog.Logger
}

// Conn is a resumable stream. It implements net.Conn; reads and writes
// survive transport loss transparently within the grace period.
type Conn struct {
	*relay.Relay

	token  session.Token
	hostID []byte

	cancel context.CancelFunc
}

// Token returns the session's resumption token.
func (c *Conn) Token() session.Token { return c.token }

// HostID returns the server's stable host identifier.
func (c *Conn) HostID() []byte { return append([]byte(nil), c.hostID...) }

// Close transmits the close sentinel, stops the reconnection driver, and
// tears the session down.
func (c *Conn) Close() error {
	c.cancel()
	return c.Relay.Close()
}

// Dial opens a new resumable session. A server that does not speak the
// resumption protocol is reported as a *LegacyPeerError wrapping the
// replayed raw conn.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	if cfg.Dialer == nil {
		return nil, ErrDialerRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	log := cfg.Logger.With().Str("component", "resumable-client").Logger()

	raw, err := cfg.Dialer(ctx, nil)
	if err != nil {
		return nil, err
	}
	stopGuard := guardNegotiation(ctx, raw, cfg.Session.HandshakeTimeout)
	nc, ok, err := mux.NegotiateClient(raw)
	if err != nil {
		stopGuard()
		_ = raw.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if !ok {
		stopGuard()
		return nil, &LegacyPeerError{Conn: nc}
	}

	hs := &handshake.Client{Config: cfg.Session, Logger: log}
	tok, hostID, err := hs.NewSession(nc)
	stopGuard()
	if err != nil {
		_ = nc.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	suspendCh := make(chan struct{}, 1)
	rl := relay.New(relay.Config{
		ReceiveWindow: cfg.Session.ReceiveWindow,
		GracePeriod:   cfg.Session.GracePeriod,
		Logger:        log.With().Stringer("token", tok).Logger(),
		OnSuspend: func(error) {
			select {
			case suspendCh <- struct{}{}:
			default:
			}
		},
	})
	if err := rl.Rebind(nc, 0, cfg.Session.ReceiveWindow); err != nil {
		_ = nc.Close()
		return nil, err
	}

	driverCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{Relay: rl, token: tok, hostID: hostID, cancel: cancel}
	d := &driver{
		cfg:       cfg,
		hs:        hs,
		rl:        rl,
		token:     tok,
		hostID:    hostID,
		suspendCh: suspendCh,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		log:       log.With().Stringer("token", tok).Logger(),
	}
	go d.run(driverCtx)
	return c, nil
}

// driver is the per-session reconnection state machine. It sleeps until
// the relay suspends, then redials with capped exponential backoff until
// reattachment succeeds or the grace period elapses.
type driver struct {
	cfg       Config
	hs        *handshake.Client
	rl        *relay.Relay
	token     session.Token
	hostID    []byte
	suspendCh chan struct{}
	rng       *rand.Rand
	log       zerolog.Logger
}

func (d *driver) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.suspendCh:
		}
		if !d.rl.Suspended() {
			continue
		}
		if err := d.reconnect(ctx); err != nil {
			d.rl.Shutdown(err)
			return
		}
	}
}

func (d *driver) reconnect(ctx context.Context) error {
	deadline := time.Now().Add(d.cfg.Session.GracePeriod)
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !time.Now().Before(deadline) {
			return relay.ErrConnectionLost
		}
		attempt++

		err := d.reattachOnce(ctx)
		if err == nil {
			d.log.Info().Int("attempts", attempt).Msg("session reattached")
			return nil
		}
		if errors.Is(err, handshake.ErrReattachRejected) {
			d.log.Warn().Msg("reattachment rejected, session gone")
			return handshake.ErrReattachRejected
		}
		if errors.Is(err, handshake.ErrOffsetSync) {
			return err
		}
		d.log.Debug().Err(err).Int("attempt", attempt).Msg("reattach attempt failed")

		delay := session.NextBackoffDelay(d.cfg.Session.Backoff, attempt, d.rng)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (d *driver) reattachOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.Session.ConnectTimeout)
	raw, err := d.cfg.Dialer(dialCtx, d.hostID)
	cancel()
	if err != nil {
		return err
	}

	stopGuard := guardNegotiation(ctx, raw, d.cfg.Session.HandshakeTimeout)
	nc, ok, err := mux.NegotiateClient(raw)
	if err != nil {
		stopGuard()
		_ = raw.Close()
		return err
	}
	if !ok {
		stopGuard()
		_ = nc.Close()
		return fmt.Errorf("reattach: %w", ErrLegacyPeer)
	}

	err = d.hs.Reattach(nc, d.token, d.rl)
	stopGuard()
	if err != nil {
		_ = nc.Close()
		return err
	}
	return nil
}

// guardNegotiation bounds the exchange on nc until the session is
// established: an overall read/write deadline covers a peer that
// accepted the connection but never answers, and expiry of ctx closes
// nc outright. The returned stop func must be called once the exchange
// settles; it releases the watcher and clears the deadline.
func guardNegotiation(ctx context.Context, nc net.Conn, timeout time.Duration) (stop func()) {
	_ = nc.SetDeadline(time.Now().Add(timeout))
	release := context.AfterFunc(ctx, func() { _ = nc.Close() })
	return func() {
		release()
		_ = nc.SetDeadline(time.Time{})
	}
}

// NetDialer builds a Dialer over net.Dialer with the session's transport
// security settings, optionally wrapping the conn in TLS terminated in
// this process.
func NetDialer(addr string, cfg session.Config) Dialer {
	cfg = cfg.WithDefaults()
	return func(ctx context.Context, _ []byte) (net.Conn, error) {
		if err := cfg.ValidateClientTransport(); err != nil {
			return nil, err
		}
		dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
		rawConn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		if !cfg.TLS.Enabled {
			return rawConn, nil
		}
		tlsConn, err := wrapTLSClient(ctx, rawConn, addr, cfg)
		if err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		return tlsConn, nil
	}
}
