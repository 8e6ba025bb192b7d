package session

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/resumectl/internal/relay"
	"github.com/danmuck/resumectl/internal/testutil/testlog"
)

type fakeConn struct {
	net.Conn
	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) LocalAddr() net.Addr  { return fakeAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr { return fakeAddr{} }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake" }

// fakeEndpoint satisfies Endpoint without real buffers so registry
// behavior can be tested in isolation.
type fakeEndpoint struct {
	mu        sync.Mutex
	rebindErr error
	rebinds   int
	detaches  int
	termErr   error
}

func (e *fakeEndpoint) Detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detaches++
}

func (e *fakeEndpoint) Rebind(net.Conn, uint64, uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rebinds++
	return e.rebindErr
}

func (e *fakeEndpoint) ReceivedTotal() uint64 { return 0 }
func (e *fakeEndpoint) ReceiveWindow() uint64 { return 0 }

func (e *fakeEndpoint) Shutdown(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.termErr == nil {
		e.termErr = err
	}
}

func (e *fakeEndpoint) TermErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.termErr
}

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	r, err := NewRegistry(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestRegistryCreateAndLookup(t *testing.T) {
	testlog.Start(t)

	r := newTestRegistry(t, Config{})
	if len(r.HostID()) == 0 {
		t.Fatalf("registry must have a host id")
	}

	s, err := r.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, ok := r.Lookup(s.Token)
	if !ok || got != s {
		t.Fatalf("lookup after create failed")
	}

	other, err := NewToken()
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	if _, ok := r.Lookup(other); ok {
		t.Fatalf("lookup of unknown token succeeded")
	}
}

func TestRegistryRebindSupersedesTransport(t *testing.T) {
	testlog.Start(t)

	r := newTestRegistry(t, Config{})
	s, err := r.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ep := &fakeEndpoint{}
	s.SetEndpoint(ep)

	c1 := &fakeConn{}
	if _, err := r.Rebind(s.Token, c1, 0, 0); err != nil {
		t.Fatalf("first rebind: %v", err)
	}
	c2 := &fakeConn{}
	if _, err := r.Rebind(s.Token, c2, 0, 0); err != nil {
		t.Fatalf("second rebind: %v", err)
	}
	if !c1.Closed() {
		t.Fatalf("superseded transport must be closed")
	}
	if c2.Closed() {
		t.Fatalf("live transport must stay open")
	}
}

func TestRegistryRebindSyncViolationEvicts(t *testing.T) {
	testlog.Start(t)

	r := newTestRegistry(t, Config{})
	s, err := r.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ep := &fakeEndpoint{rebindErr: relay.ErrOffsetSync}
	s.SetEndpoint(ep)

	if _, err := r.Rebind(s.Token, &fakeConn{}, 7, 0); !errors.Is(err, relay.ErrOffsetSync) {
		t.Fatalf("expected offset sync error, got %v", err)
	}
	if _, ok := r.Lookup(s.Token); ok {
		t.Fatalf("session must be evicted after sync violation")
	}
}

func TestRegistryRebindUnknownToken(t *testing.T) {
	testlog.Start(t)

	r := newTestRegistry(t, Config{})
	tok, err := NewToken()
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	if _, err := r.Rebind(tok, &fakeConn{}, 0, 0); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRegistrySweepEvictsAfterGrace(t *testing.T) {
	testlog.Start(t)

	r := newTestRegistry(t, Config{
		GracePeriod:   30 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})
	s, err := r.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ep := &fakeEndpoint{}
	s.SetEndpoint(ep)

	c := &fakeConn{}
	if _, err := r.Rebind(s.Token, c, 0, 0); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	s.UnbindTransport(c)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := r.Lookup(s.Token); !ok {
			break
		}
		if !time.Now().Before(deadline) {
			t.Fatalf("suspended session never swept")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !errors.Is(ep.TermErr(), relay.ErrConnectionLost) {
		t.Fatalf("sweep must terminate the endpoint with connection lost, got %v", ep.TermErr())
	}
	if s.State() != StateClosed {
		t.Fatalf("state after sweep: %v", s.State())
	}
}

func TestRegistrySweepSparesBoundSessions(t *testing.T) {
	testlog.Start(t)

	r := newTestRegistry(t, Config{
		GracePeriod:   20 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})
	s, err := r.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s.SetEndpoint(&fakeEndpoint{})
	if _, err := r.Rebind(s.Token, &fakeConn{}, 0, 0); err != nil {
		t.Fatalf("rebind: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if _, ok := r.Lookup(s.Token); !ok {
		t.Fatalf("bound session must survive the sweeper")
	}
}

func TestRegistryCloseShutsSessionsDown(t *testing.T) {
	testlog.Start(t)

	r, err := NewRegistry(Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	s, err := r.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ep := &fakeEndpoint{}
	s.SetEndpoint(ep)

	r.Close()
	if r.Len() != 0 {
		t.Fatalf("sessions remain after close: %d", r.Len())
	}
	if ep.TermErr() == nil {
		t.Fatalf("endpoint must be shut down on registry close")
	}
	if _, err := r.Create(); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("create after close: %v", err)
	}
}

func TestRegistrySnapshot(t *testing.T) {
	testlog.Start(t)

	r := newTestRegistry(t, Config{})
	s, err := r.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s.SetEndpoint(&fakeEndpoint{})

	infos := r.Snapshot()
	if len(infos) != 1 {
		t.Fatalf("snapshot length: %d", len(infos))
	}
	if infos[0].Token != s.Token.String() {
		t.Fatalf("snapshot token: %q", infos[0].Token)
	}
	if infos[0].State != StatePendingNew.String() {
		t.Fatalf("snapshot state: %q", infos[0].State)
	}
}
