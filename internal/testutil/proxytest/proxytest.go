// Package proxytest runs a TCP forwarder whose links can be severed on
// demand, for exercising reconnection paths against a live listener.
package proxytest

import (
	"io"
	"net"
	"sync"
	"testing"
)

type Proxy struct {
	t      *testing.T
	ln     net.Listener
	target string

	mu     sync.Mutex
	links  []net.Conn
	closed bool
}

// Start forwards connections from an ephemeral local port to target
// until the test ends.
func Start(t *testing.T, target string) *Proxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("proxy listen: %v", err)
	}
	p := &Proxy{t: t, ln: ln, target: target}
	go p.acceptLoop()
	t.Cleanup(p.Close)
	return p
}

func (p *Proxy) Addr() string { return p.ln.Addr().String() }

func (p *Proxy) acceptLoop() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		upstream, err := net.Dial("tcp", p.target)
		if err != nil {
			_ = conn.Close()
			continue
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = conn.Close()
			_ = upstream.Close()
			return
		}
		p.links = append(p.links, conn, upstream)
		p.mu.Unlock()
		go pipe(conn, upstream)
		go pipe(upstream, conn)
	}
}

func pipe(dst, src net.Conn) {
	_, _ = io.Copy(dst, src)
	_ = dst.Close()
	_ = src.Close()
}

// KillLinks severs every live forwarded connection. New connections are
// still accepted afterwards.
func (p *Proxy) KillLinks() {
	p.mu.Lock()
	links := p.links
	p.links = nil
	p.mu.Unlock()
	for _, c := range links {
		_ = c.Close()
	}
}

func (p *Proxy) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	_ = p.ln.Close()
	p.KillLinks()
}
