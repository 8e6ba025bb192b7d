package server

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/danmuck/resumectl/internal/client"
	"github.com/danmuck/resumectl/internal/session"
	"github.com/danmuck/resumectl/internal/testutil/testlog"
	"github.com/danmuck/resumectl/internal/testutil/tlstest"
)

func TestServerMutualTLS(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "resumectl-test-ca")
	srvCert, srvKey := ca.IssueServerCert(t, dir, "resumectl-server", nil, []net.IP{net.IPv4(127, 0, 0, 1)})
	cliCert, cliKey := ca.IssueClientCert(t, dir, "resumectl-client")

	srvSession := testSessionConfig()
	srvSession.SecurityMode = session.SecurityModeProduction
	srvSession.TLS = session.TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: srvCert,
		KeyFile:  srvKey,
		CAFile:   ca.CAFile(),
	}

	srv := startServer(t, Config{
		Session: srvSession,
		Handler: echo,
	})

	cliSession := testSessionConfig()
	cliSession.SecurityMode = session.SecurityModeProduction
	cliSession.TLS = session.TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: cliCert,
		KeyFile:  cliKey,
		CAFile:   ca.CAFile(),
	}

	c, err := client.Dial(context.Background(), client.Config{
		Dialer:  client.NetDialer(srv.Addr().String(), cliSession),
		Session: cliSession,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if _, err := c.Write([]byte("over tls")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 8)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "over tls" {
		t.Fatalf("unexpected echo: %q", buf)
	}
}

func TestServerTLSRejectsUntrustedClient(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "resumectl-test-ca")
	srvCert, srvKey := ca.IssueServerCert(t, dir, "resumectl-server", nil, []net.IP{net.IPv4(127, 0, 0, 1)})

	rogue := tlstest.NewAuthority(t, dir, "rogue-ca")
	rogueCert, rogueKey := rogue.IssueClientCert(t, dir, "rogue-client")

	srvSession := testSessionConfig()
	srvSession.TLS = session.TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: srvCert,
		KeyFile:  srvKey,
		CAFile:   ca.CAFile(),
	}
	srv := startServer(t, Config{
		Session: srvSession,
		Handler: echo,
	})

	cliSession := testSessionConfig()
	cliSession.TLS = session.TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: rogueCert,
		KeyFile:  rogueKey,
		CAFile:   ca.CAFile(),
	}
	if _, err := client.Dial(context.Background(), client.Config{
		Dialer:  client.NetDialer(srv.Addr().String(), cliSession),
		Session: cliSession,
	}); err == nil {
		t.Fatalf("dial with an untrusted client cert must fail")
	}
}
