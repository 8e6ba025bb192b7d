// Package relay implements the data plane of one resumable session: a
// reliable ordered byte stream carried over a changing sequence of
// transports, with piggy-backed acknowledgements and window-based flow
// control.
//
// All outbound bookkeeping uses cumulative byte offsets:
//
//	ackedTotal  <= sentOffset <= appendTotal
//
// sendBuf holds exactly the bytes in [ackedTotal, appendTotal); the
// prefix up to sentOffset has been transmitted on the current transport,
// the suffix has not. An ack from the peer trims the front; a rebind
// rewinds sentOffset to the peer-confirmed count and retransmits the
// suffix.
package relay

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/resumectl/internal/observability"
	"github.com/danmuck/resumectl/internal/protocol/wire"
)

var (
	ErrRelayClosed     = errors.New("relay: closed")
	ErrConnectionLost  = errors.New("relay: connection lost")
	ErrWindowViolation = errors.New("relay: receive window violated")
	ErrOffsetSync      = errors.New("relay: offset sync violation")
)

// Config carries the per-session relay settings and lifecycle hooks.
type Config struct {
	// ReceiveWindow is advertised to the peer and bounds a single
	// inbound frame's payload.
	ReceiveWindow uint64
	// GracePeriod bounds suspension: if no rebind completes within it,
	// the relay terminates with ErrConnectionLost. Zero disables the
	// relay-side timer (the registry sweeper still applies).
	GracePeriod time.Duration
	// MaxChunk bounds one outbound frame's payload.
	MaxChunk uint64

	Logger zerolog.Logger

	// OnSuspend fires once per lost transport with the causing error.
	OnSuspend func(err error)
	// OnClose fires once when the relay reaches a terminal state.
	OnClose func()
	// OnActivity fires when inbound payload arrives.
	OnActivity func()
}

// Relay is the flow-controlled stream endpoint. It implements net.Conn
// toward the application.
type Relay struct {
	cfg    Config
	limits wire.Limits
	log    zerolog.Logger

	mu   sync.Mutex
	cond *sync.Cond

	sendBuf     []byte
	ackedTotal  uint64
	sentOffset  uint64
	appendTotal uint64
	peerWindow  uint64

	recvBuf    []byte
	recvTotal  uint64
	ackPending bool

	transport net.Conn
	gen       int
	suspended bool

	localClosed  bool
	sentinelSent bool
	peerClosed   bool
	termErr      error
	closeDone    bool

	graceTimer *time.Timer

	readDeadline  time.Time
	writeDeadline time.Time

	wmu sync.Mutex

	lastLocal  net.Addr
	lastRemote net.Addr
}

func New(cfg Config) *Relay {
	if cfg.ReceiveWindow == 0 {
		cfg.ReceiveWindow = wire.DefaultReceiveWindow
	}
	if cfg.MaxChunk == 0 || cfg.MaxChunk > wire.MaxFramePayload {
		cfg.MaxChunk = wire.MaxFramePayload
	}
	r := &Relay{
		cfg:       cfg,
		limits:    wire.DefaultLimits(),
		log:       cfg.Logger.With().Str("component", "relay").Logger(),
		suspended: true,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// ReceivedTotal is the cumulative inbound payload byte count.
func (r *Relay) ReceivedTotal() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recvTotal
}

// SentTotal is the cumulative count of bytes accepted from the
// application for sending.
func (r *Relay) SentTotal() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appendTotal
}

// ReceiveWindow is the window this endpoint advertises to its peer.
func (r *Relay) ReceiveWindow() uint64 { return r.cfg.ReceiveWindow }

// Outstanding is the sent-but-unacknowledged byte count.
func (r *Relay) Outstanding() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sentOffset - r.ackedTotal
}

// Suspended reports whether the relay is alive but has no transport.
func (r *Relay) Suspended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suspended && r.termErr == nil && !r.peerClosed
}

// Rebind attaches a transport after offset sync. peerReceived is the
// cumulative byte count the peer has confirmed; the unacknowledged suffix
// beyond it is retransmitted. An initial bind is a rebind with
// peerReceived zero and the default window.
func (r *Relay) Rebind(t net.Conn, peerReceived, peerWindow uint64) error {
	r.mu.Lock()
	if r.termErr != nil {
		r.mu.Unlock()
		return r.termErr
	}
	if r.localClosed || r.peerClosed {
		r.mu.Unlock()
		return ErrRelayClosed
	}
	if peerReceived < r.ackedTotal || peerReceived > r.appendTotal {
		r.mu.Unlock()
		return ErrOffsetSync
	}
	if r.transport != nil {
		r.detachLocked()
	}

	r.sendBuf = r.sendBuf[peerReceived-r.ackedTotal:]
	r.ackedTotal = peerReceived
	r.sentOffset = peerReceived
	r.peerWindow = peerWindow

	r.transport = t
	r.suspended = false
	r.gen++
	gen := r.gen
	r.lastLocal = t.LocalAddr()
	r.lastRemote = t.RemoteAddr()
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
	r.cond.Broadcast()
	r.mu.Unlock()

	r.log.Debug().Uint64("peer_received", peerReceived).Uint64("peer_window", peerWindow).Msg("transport bound")
	go r.readLoop(t, gen)
	go r.writeLoop(t, gen)
	return nil
}

// Detach tears down the bound transport without terminating the relay.
// Buffers stay intact for a later rebind.
func (r *Relay) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.termErr != nil || r.peerClosed {
		return
	}
	if r.transport != nil {
		r.detachLocked()
	}
}

func (r *Relay) detachLocked() {
	if r.transport != nil {
		_ = r.transport.Close()
		r.transport = nil
	}
	r.gen++
	r.suspended = true
	r.cond.Broadcast()
}

// Shutdown terminates the relay with err. Safe to call more than once;
// the first terminal error wins.
func (r *Relay) Shutdown(err error) {
	if err == nil {
		err = ErrRelayClosed
	}
	r.mu.Lock()
	if r.termErr == nil {
		r.termErr = err
	}
	first := !r.closeDone
	r.closeDone = true
	if r.transport != nil {
		_ = r.transport.Close()
		r.transport = nil
	}
	r.gen++
	r.suspended = false
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
	r.cond.Broadcast()
	cb := r.cfg.OnClose
	r.mu.Unlock()
	if first && cb != nil {
		cb()
	}
}

// Read delivers inbound bytes in arrival order. After the peer's close
// sentinel it drains the buffered remainder and then reports io.EOF.
func (r *Relay) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if len(r.recvBuf) > 0 {
			n := copy(p, r.recvBuf)
			r.recvBuf = r.recvBuf[n:]
			return n, nil
		}
		if r.peerClosed {
			return 0, io.EOF
		}
		if r.termErr != nil {
			return 0, r.termErr
		}
		if !r.readDeadline.IsZero() && !time.Now().Before(r.readDeadline) {
			return 0, os.ErrDeadlineExceeded
		}
		r.cond.Wait()
	}
}

// Write appends to the outbound buffer, blocking while the
// unacknowledged buffer would exceed the peer's advertised window.
// Suspension is invisible here: writes keep buffering within the window
// and flow resumes after a rebind.
func (r *Relay) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for len(p) > 0 {
		if r.localClosed || r.peerClosed {
			return total, ErrRelayClosed
		}
		if r.termErr != nil {
			return total, r.termErr
		}
		if !r.writeDeadline.IsZero() && !time.Now().Before(r.writeDeadline) {
			return total, os.ErrDeadlineExceeded
		}
		buffered := r.appendTotal - r.ackedTotal
		if r.peerWindow == 0 || buffered >= r.peerWindow {
			r.cond.Wait()
			continue
		}
		n := r.peerWindow - buffered
		if n > uint64(len(p)) {
			n = uint64(len(p))
		}
		r.sendBuf = append(r.sendBuf, p[:n]...)
		r.appendTotal += n
		total += int(n)
		p = p[n:]
		r.cond.Broadcast()
	}
	return total, nil
}

// Close transmits the close sentinel promptly and tears the relay down.
// Unsent buffered bytes within the current window budget are flushed
// first; bytes the window cannot cover are dropped, as waiting on peer
// acknowledgements would make close unbounded.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.termErr != nil || r.localClosed || r.peerClosed {
		r.mu.Unlock()
		return nil
	}
	r.localClosed = true
	hasTransport := r.transport != nil
	r.cond.Broadcast()
	r.mu.Unlock()

	if !hasTransport {
		r.Shutdown(ErrRelayClosed)
		return nil
	}

	// Bounded wait for the write loop to put the sentinel on the wire.
	deadline := time.Now().Add(3 * time.Second)
	wake := time.AfterFunc(3*time.Second, r.cond.Broadcast)
	defer wake.Stop()
	r.mu.Lock()
	for !r.sentinelSent && r.termErr == nil && r.transport != nil && time.Now().Before(deadline) {
		r.cond.Wait()
	}
	r.mu.Unlock()
	r.Shutdown(ErrRelayClosed)
	return nil
}

func (r *Relay) readLoop(t net.Conn, gen int) {
	br := bufio.NewReaderSize(t, 32*1024)
	for {
		f, err := wire.ReadFrame(br, r.limits)
		if err != nil {
			r.transportFailed(t, gen, err)
			return
		}
		if f.Close() {
			r.mu.Lock()
			if r.gen != gen {
				r.mu.Unlock()
				return
			}
			r.peerClosed = true
			r.cond.Broadcast()
			r.mu.Unlock()
			r.log.Debug().Msg("peer close sentinel received")
			r.Shutdown(ErrRelayClosed)
			return
		}
		if !r.applyFrame(t, gen, f) {
			return
		}
	}
}

// applyFrame folds one data frame into relay state. Returns false when
// the loop should exit.
func (r *Relay) applyFrame(t net.Conn, gen int, f wire.Frame) bool {
	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return false
	}
	if f.Ack > r.appendTotal {
		// Peer claims receipt of bytes never sent.
		r.mu.Unlock()
		r.transportFailed(t, gen, ErrOffsetSync)
		return false
	}
	if f.Ack > r.ackedTotal {
		r.sendBuf = r.sendBuf[f.Ack-r.ackedTotal:]
		r.ackedTotal = f.Ack
		if r.sentOffset < f.Ack {
			r.sentOffset = f.Ack
		}
	}
	if len(f.Payload) > 0 {
		if uint64(len(f.Payload)) > r.cfg.ReceiveWindow {
			r.mu.Unlock()
			r.transportFailed(t, gen, ErrWindowViolation)
			return false
		}
		r.recvBuf = append(r.recvBuf, f.Payload...)
		r.recvTotal += uint64(len(f.Payload))
		r.ackPending = true
	}
	cb := r.cfg.OnActivity
	r.cond.Broadcast()
	r.mu.Unlock()
	if len(f.Payload) > 0 {
		observability.RelayBytes("received", len(f.Payload))
		if cb != nil {
			cb()
		}
	}
	return true
}

func (r *Relay) writeLoop(t net.Conn, gen int) {
	for {
		f, ok := r.nextFrame(gen)
		if !ok {
			return
		}

		r.wmu.Lock()
		err := wire.WriteFrame(t, f, r.limits)
		r.wmu.Unlock()
		if err != nil {
			r.transportFailed(t, gen, err)
			return
		}
		observability.RelayBytes("sent", len(f.Payload))
		if f.Close() {
			r.mu.Lock()
			r.sentinelSent = true
			r.cond.Broadcast()
			r.mu.Unlock()
			return
		}
	}
}

// nextFrame blocks until there is something to put on the wire for this
// transport generation: a payload chunk within the window budget, the
// close sentinel, or a bare acknowledgement.
func (r *Relay) nextFrame(gen int) (wire.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if r.gen != gen || r.termErr != nil {
			return wire.Frame{}, false
		}

		unsent := r.appendTotal - r.sentOffset
		outstanding := r.sentOffset - r.ackedTotal
		var budget uint64
		if r.peerWindow > outstanding {
			budget = r.peerWindow - outstanding
		}

		if unsent > 0 && budget > 0 {
			n := unsent
			if n > budget {
				n = budget
			}
			if n > r.cfg.MaxChunk {
				n = r.cfg.MaxChunk
			}
			start := r.sentOffset - r.ackedTotal
			payload := make([]byte, n)
			copy(payload, r.sendBuf[start:start+n])
			r.sentOffset += n
			r.ackPending = false
			return wire.Frame{Ack: r.recvTotal, Payload: payload}, true
		}
		if r.localClosed && !r.sentinelSent {
			return wire.Frame{Ack: wire.CloseSentinel}, true
		}
		if r.ackPending {
			r.ackPending = false
			return wire.Frame{Ack: r.recvTotal}, true
		}
		r.cond.Wait()
	}
}

func (r *Relay) transportFailed(t net.Conn, gen int, err error) {
	r.mu.Lock()
	if r.gen != gen || r.termErr != nil || r.peerClosed {
		r.mu.Unlock()
		return
	}
	if r.localClosed && r.sentinelSent {
		r.mu.Unlock()
		r.Shutdown(ErrRelayClosed)
		return
	}
	r.detachLocked()
	r.startGraceLocked()
	cb := r.cfg.OnSuspend
	r.mu.Unlock()

	r.log.Debug().Err(err).Msg("transport lost, relay suspended")
	if cb != nil {
		cb(err)
	}
}

func (r *Relay) startGraceLocked() {
	if r.cfg.GracePeriod <= 0 {
		return
	}
	if r.graceTimer != nil {
		r.graceTimer.Stop()
	}
	r.graceTimer = time.AfterFunc(r.cfg.GracePeriod, func() {
		r.mu.Lock()
		expired := r.suspended && r.termErr == nil && !r.peerClosed
		r.mu.Unlock()
		if expired {
			r.log.Warn().Dur("grace_period", r.cfg.GracePeriod).Msg("grace period exceeded")
			r.Shutdown(ErrConnectionLost)
		}
	})
}

// net.Conn conformance.

func (r *Relay) LocalAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastLocal != nil {
		return r.lastLocal
	}
	return resumableAddr{}
}

func (r *Relay) RemoteAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastRemote != nil {
		return r.lastRemote
	}
	return resumableAddr{}
}

func (r *Relay) SetDeadline(t time.Time) error {
	if err := r.SetReadDeadline(t); err != nil {
		return err
	}
	return r.SetWriteDeadline(t)
}

func (r *Relay) SetReadDeadline(t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readDeadline = t
	r.armDeadlineLocked(t)
	return nil
}

func (r *Relay) SetWriteDeadline(t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeDeadline = t
	r.armDeadlineLocked(t)
	return nil
}

func (r *Relay) armDeadlineLocked(t time.Time) {
	if t.IsZero() {
		r.cond.Broadcast()
		return
	}
	d := time.Until(t)
	if d < 0 {
		d = 0
	}
	time.AfterFunc(d, r.cond.Broadcast)
}

type resumableAddr struct{}

func (resumableAddr) Network() string { return "resumable" }
func (resumableAddr) String() string  { return "resumable" }
