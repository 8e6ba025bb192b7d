// Package server accepts raw connections, decides per connection between
// the resumption protocol and the legacy path, runs the handshake, and
// hands logical streams to the configured handler.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/danmuck/resumectl/internal/handshake"
	"github.com/danmuck/resumectl/internal/observability"
	"github.com/danmuck/resumectl/internal/protocol/mux"
	"github.com/danmuck/resumectl/internal/session"
)

var (
	ErrHandlerRequired = errors.New("server: handler required")
	ErrServerClosed    = errors.New("server: closed")
)

// Handler consumes one logical stream. It runs in its own goroutine; the
// conn survives transport loss transparently.
type Handler func(conn net.Conn)

// Config for one listener.
type Config struct {
	Addr      string
	Reuseport bool

	// Registry may be shared between listeners in the same process or
	// left nil for a private one.
	Registry *session.Registry
	Session  session.Config

	// Handler receives each new logical stream.
	Handler Handler
	// LegacyHandler receives connections from peers that never sent the
	// negotiation probe, with every probed byte replayed. Nil closes
	// such connections.
	LegacyHandler Handler

	Logger zerolog.Logger
}

type Server struct {
	cfg      Config
	registry *session.Registry
	hs       *handshake.Server
	log      zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool

	connWG sync.WaitGroup
}

func New(cfg Config) (*Server, error) {
	if cfg.Handler == nil {
		return nil, ErrHandlerRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.ValidateServerTransport(); err != nil {
		return nil, err
	}
	log := cfg.Logger.With().Str("component", "resumable-server").Logger()

	registry := cfg.Registry
	if registry == nil {
		var err error
		registry, err = session.NewRegistry(cfg.Session, log)
		if err != nil {
			return nil, err
		}
	}
	return &Server{
		cfg:      cfg,
		registry: registry,
		hs:       &handshake.Server{Registry: registry, Logger: log},
		log:      log,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

func (s *Server) Registry() *session.Registry { return s.registry }

// Addr reports the bound listen address once Serve is up, nil before.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve listens on cfg.Addr and accepts until ctx is done or Close is
// called.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn().Err(err).Msg("accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			s.HandleConn(conn)
		}()
	}
}

func (s *Server) listen() (net.Listener, error) {
	var (
		ln  net.Listener
		err error
	)
	if s.cfg.Reuseport {
		ln, err = reuseport.Listen("tcp", s.cfg.Addr)
	} else {
		ln, err = net.Listen("tcp", s.cfg.Addr)
	}
	if err != nil {
		return nil, err
	}
	if s.cfg.Session.TLS.Enabled {
		tlsCfg, terr := serverTLSConfig(s.cfg.Session)
		if terr != nil {
			_ = ln.Close()
			return nil, terr
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	return ln, nil
}

// HandleConn runs protocol dispatch and handshake on one raw conn. It is
// exported so custom listeners and tests can feed connections directly.
func (s *Server) HandleConn(conn net.Conn) {
	s.trackConn(conn)
	defer s.untrackConn(conn)

	// Detection runs under the handshake deadline so a peer that
	// connects and sends nothing cannot hold the goroutine. The deadline
	// is cleared once the protocol is known; the handshake re-arms its
	// own.
	_ = conn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	nc, resumption, err := mux.DetectServer(conn)
	if err != nil {
		s.log.Debug().Err(err).Msg("negotiation failed")
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})
	if !resumption {
		observability.LegacyFallback()
		if s.cfg.LegacyHandler == nil {
			_ = nc.Close()
			return
		}
		s.cfg.LegacyHandler(nc)
		return
	}

	_, rl, resumed, err := s.hs.Accept(nc)
	if err != nil {
		s.log.Debug().Err(err).Msg("handshake failed")
		_ = nc.Close()
		return
	}
	if !resumed {
		// The handler owns the logical stream for the session's whole
		// lifetime; reattached transports feed the same stream.
		s.cfg.Handler(rl)
	}
}

func (s *Server) trackConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting, closes tracked conns, and shuts the registry
// down if this server owns it.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	open := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = multierr.Append(err, ln.Close())
	}
	for _, c := range open {
		err = multierr.Append(err, c.Close())
	}
	// Shutting the registry down releases handlers blocked on suspended
	// streams; it must happen before waiting on them.
	if s.cfg.Registry == nil {
		s.registry.Close()
	}
	s.connWG.Wait()
	return err
}
