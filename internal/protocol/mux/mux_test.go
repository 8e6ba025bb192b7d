package mux

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/danmuck/resumectl/internal/protocol/wire"
	"github.com/danmuck/resumectl/internal/testutil/testlog"
)

func TestDetectServerResumptionPeer(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errs := make(chan error, 1)
	go func() {
		cc, ok, err := NegotiateClient(client)
		if err == nil && !ok {
			err = ErrNegotiationFailed
		}
		if err == nil {
			_, err = cc.Write([]byte("after"))
		}
		errs <- err
	}()

	sc, ok, err := DetectServer(server)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !ok {
		t.Fatalf("expected resumption peer")
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(sc, buf); err != nil {
		t.Fatalf("post-negotiation read: %v", err)
	}
	if string(buf) != "after" {
		t.Fatalf("unexpected post-negotiation bytes: %q", buf)
	}
	if err := <-errs; err != nil {
		t.Fatalf("client negotiate: %v", err)
	}
}

func TestDetectServerLegacyPeerReplaysBytes(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	legacyHello := []byte("SSH-2.0-legacy\r\nmore bytes")
	go func() {
		client.Write(legacyHello)
		client.Close()
	}()

	sc, ok, err := DetectServer(server)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if ok {
		t.Fatalf("legacy peer misdetected as resumption peer")
	}
	got, err := io.ReadAll(sc)
	if err != nil && err != io.ErrClosedPipe {
		t.Fatalf("read replayed stream: %v", err)
	}
	if !bytes.Equal(got, legacyHello) {
		t.Fatalf("legacy stream not byte-exact: got=%q want=%q", got, legacyHello)
	}
}

func TestDetectServerShortLegacyPeer(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	defer server.Close()

	go func() {
		client.Write([]byte("hi\n"))
		client.Close()
	}()

	sc, ok, err := DetectServer(server)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if ok {
		t.Fatalf("short peer misdetected as resumption peer")
	}
	got := make([]byte, 3)
	if _, err := io.ReadFull(sc, got); err != nil {
		t.Fatalf("read replayed prefix: %v", err)
	}
	if string(got) != "hi\n" {
		t.Fatalf("unexpected replayed prefix: %q", got)
	}
}

func TestNegotiateClientLegacyServerReplaysBanner(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	legacyBanner := []byte("220 legacy service ready\r\n")
	go func() {
		// A legacy server consumes whatever the client sent and answers
		// with its own greeting.
		io.ReadFull(server, make([]byte, len(wire.ClientProbe)))
		server.Write(legacyBanner)
	}()

	cc, ok, err := NegotiateClient(client)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if ok {
		t.Fatalf("legacy server misdetected as resumption server")
	}
	got := make([]byte, len(wire.ServerBanner))
	if _, err := io.ReadFull(cc, got); err != nil {
		t.Fatalf("read replayed banner: %v", err)
	}
	if !bytes.Equal(got, legacyBanner[:len(got)]) {
		t.Fatalf("replayed banner not byte-exact: got=%q", got)
	}
}

func TestReplayEmptyPrefixReturnsSameConn(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	if Replay(nil, server) != server {
		t.Fatalf("empty prefix should not wrap the conn")
	}
}

func TestReplayServesPrefixAcrossSmallReads(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	rc := Replay([]byte("abcdef"), server)
	var out bytes.Buffer
	p := make([]byte, 2)
	for out.Len() < 6 {
		n, err := rc.Read(p)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		out.Write(p[:n])
	}
	if out.String() != "abcdef" {
		t.Fatalf("prefix mangled: %q", out.String())
	}

	go client.Write([]byte("g"))
	server.SetReadDeadline(time.Now().Add(time.Second))
	n, err := rc.Read(p)
	if err != nil || n != 1 || p[0] != 'g' {
		t.Fatalf("underlying conn read: n=%d err=%v", n, err)
	}
}

// A connection whose deadline expires mid-detection is a silent peer,
// not a legacy one; the fallback path must never see it.
func TestDetectServerSilentPeerTimesOut(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	_ = server.SetDeadline(time.Now().Add(30 * time.Millisecond))
	_, ok, err := DetectServer(server)
	if !errors.Is(err, ErrNegotiationFailed) {
		t.Fatalf("expected ErrNegotiationFailed, got ok=%v err=%v", ok, err)
	}
}

func TestNegotiateClientSilentServerTimesOut(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	defer server.Close()

	_ = client.SetDeadline(time.Now().Add(30 * time.Millisecond))
	go func() {
		// Drain the probe so the client reaches the banner read.
		_, _ = io.ReadFull(server, make([]byte, len(wire.ClientProbe)))
	}()
	_, ok, err := NegotiateClient(client)
	client.Close()
	if err == nil || ok {
		t.Fatalf("expected timeout error, got ok=%v err=%v", ok, err)
	}
}
