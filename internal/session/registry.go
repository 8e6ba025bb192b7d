package session

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/resumectl/internal/observability"
	"github.com/danmuck/resumectl/internal/relay"
)

var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrRegistryClosed  = errors.New("session: registry closed")
)

// Registry is the concurrent token -> session map for one listener (or a
// group of listeners that chooses to share it). Only the map itself is
// locked; each session's buffers are owned by its relay and touched by at
// most one bound transport at a time.
type Registry struct {
	cfg    Config
	hostID []byte
	log    zerolog.Logger

	mu       sync.Mutex
	sessions map[Token]*Session
	closed   bool

	stopSweep chan struct{}
	sweepDone chan struct{}
}

func NewRegistry(cfg Config, log zerolog.Logger) (*Registry, error) {
	cfg = cfg.WithDefaults()
	hostID, err := NewHostID()
	if err != nil {
		return nil, err
	}
	r := &Registry{
		cfg:       cfg,
		hostID:    hostID,
		log:       log.With().Str("component", "session-registry").Logger(),
		sessions:  make(map[Token]*Session),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go r.sweep()
	return r, nil
}

// HostID is this endpoint's stable opaque identifier, surfaced to clients
// in the new-session response.
func (r *Registry) HostID() []byte { return r.hostID }

func (r *Registry) Config() Config { return r.cfg }

// Create issues a fresh session under a token unique within the registry.
func (r *Registry) Create() (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	for {
		tok, err := NewToken()
		if err != nil {
			return nil, err
		}
		if _, taken := r.sessions[tok]; taken {
			continue
		}
		s := newSession(tok)
		r.sessions[tok] = s
		observability.SessionCreated()
		r.log.Debug().Stringer("token", tok).Msg("session created")
		return s, nil
	}
}

func (r *Registry) Lookup(tok Token) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tok]
	return s, ok
}

// Rebind attaches a fresh transport to an existing session after offset
// sync. A transport still bound from before is superseded and torn down;
// a half-open socket cannot be trusted to still deliver data.
func (r *Registry) Rebind(tok Token, t net.Conn, peerReceived, peerWindow uint64) (*Session, error) {
	s, ok := r.Lookup(tok)
	if !ok {
		return nil, ErrSessionNotFound
	}
	ep := s.Endpoint()
	if ep == nil {
		return nil, ErrSessionNotFound
	}
	if superseded := s.BindTransport(t); superseded != nil {
		r.log.Debug().Stringer("token", tok).Msg("superseding bound transport")
		_ = superseded.Close()
	}
	if err := ep.Rebind(t, peerReceived, peerWindow); err != nil {
		// Offset agreement broken: the session cannot be trusted.
		s.UnbindTransport(t)
		r.Evict(tok, "sync-violation")
		return nil, err
	}
	return s, nil
}

// Evict removes and closes a session. Reasons: "closed", "rejected",
// "grace-expired", "sync-violation", "shutdown".
func (r *Registry) Evict(tok Token, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[tok]
	if ok {
		delete(r.sessions, tok)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	s.markClosed()
	observability.SessionEvicted(reason)
	r.log.Debug().Stringer("token", tok).Str("reason", reason).Msg("session evicted")
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Info is a point-in-time session snapshot for operator surfaces.
type Info struct {
	Token      string    `json:"token"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	BytesSent  uint64    `json:"bytes_sent"`
	BytesRecv  uint64    `json:"bytes_received"`
}

func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		info := Info{
			Token:      s.Token.String(),
			State:      s.State().String(),
			CreatedAt:  s.CreatedAt,
			LastActive: s.LastActiveAt(),
		}
		if ep := s.Endpoint(); ep != nil {
			info.BytesRecv = ep.ReceivedTotal()
			if rl, ok := ep.(*relay.Relay); ok {
				info.BytesSent = rl.SentTotal()
			}
		}
		out = append(out, info)
	}
	return out
}

// Close stops the sweeper and shuts every session down.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	remaining := make(map[Token]*Session, len(r.sessions))
	for tok, s := range r.sessions {
		remaining[tok] = s
	}
	r.mu.Unlock()

	close(r.stopSweep)
	<-r.sweepDone

	for tok, s := range remaining {
		if ep := s.Endpoint(); ep != nil {
			ep.Shutdown(relay.ErrConnectionLost)
		}
		r.Evict(tok, "shutdown")
	}
}

func (r *Registry) sweep() {
	defer close(r.sweepDone)
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopSweep:
			return
		case now := <-ticker.C:
			r.sweepOnce(now)
		}
	}
}

func (r *Registry) sweepOnce(now time.Time) {
	r.mu.Lock()
	expired := make([]*Session, 0)
	for _, s := range r.sessions {
		if s.unboundLongerThan(r.cfg.GracePeriod, now) {
			expired = append(expired, s)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		if ep := s.Endpoint(); ep != nil {
			ep.Shutdown(relay.ErrConnectionLost)
		}
		r.Evict(s.Token, "grace-expired")
	}
}
