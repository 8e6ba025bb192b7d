package session

import (
	"net"
	"sync"
	"time"
)

// State is the per-session lifecycle position.
type State int32

const (
	StatePendingNew State = iota
	StateActive
	StateSuspended
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePendingNew:
		return "pending-new"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Endpoint is the data plane bound to one session. The relay implements
// it; the registry and handshake drive it through this interface so the
// session layer stays independent of buffer mechanics.
type Endpoint interface {
	// Detach tears down the currently bound transport, if any, leaving
	// the endpoint suspended with its buffers intact.
	Detach()
	// Rebind attaches a new transport after offset sync: the peer has
	// confirmed peerReceived bytes and advertises peerWindow.
	Rebind(t net.Conn, peerReceived, peerWindow uint64) error
	// ReceivedTotal is the cumulative count of bytes this endpoint has
	// received over all transports.
	ReceivedTotal() uint64
	// ReceiveWindow is the window this endpoint advertises.
	ReceiveWindow() uint64
	// Shutdown terminates the endpoint with err as the terminal error.
	Shutdown(err error)
}

// Session is the in-memory record of one logical stream.
type Session struct {
	Token      Token
	PeerHostID []byte
	CreatedAt  time.Time

	mu        sync.Mutex
	state     State
	endpoint  Endpoint
	transport net.Conn
	unboundAt time.Time
	lastActive time.Time
}

func newSession(tok Token) *Session {
	now := time.Now()
	return &Session{
		Token:      tok,
		CreatedAt:  now,
		state:      StatePendingNew,
		unboundAt:  now,
		lastActive: now,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Endpoint() Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// SetEndpoint attaches the data plane. Called once, right after the
// new-session handshake creates the relay.
func (s *Session) SetEndpoint(ep Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoint = ep
}

// BindTransport records t as the single live transport and returns the
// transport it superseded, or nil. Exactly one transport may be bound at
// any instant; the caller tears down the returned one.
func (s *Session) BindTransport(t net.Conn) (superseded net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	superseded = s.transport
	s.transport = t
	s.state = StateActive
	s.unboundAt = time.Time{}
	s.lastActive = time.Now()
	return superseded
}

// UnbindTransport marks the session suspended if t is still the bound
// transport. A stale transport (already superseded) is ignored.
func (s *Session) UnbindTransport(t net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t != nil && s.transport != t {
		return
	}
	s.transport = nil
	if s.state == StateActive {
		s.state = StateSuspended
		s.unboundAt = time.Now()
	}
}

func (s *Session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
	s.transport = nil
}

// Touch refreshes the activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
}

// LastActiveAt reports when the session last saw traffic or a bind.
func (s *Session) LastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// unboundLongerThan reports whether the session has had no live transport
// for longer than d. A bound or closed session never qualifies.
func (s *Session) unboundLongerThan(d time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSuspended && s.state != StatePendingNew {
		return false
	}
	if s.unboundAt.IsZero() {
		return false
	}
	return now.Sub(s.unboundAt) > d
}
