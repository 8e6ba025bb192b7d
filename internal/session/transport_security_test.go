package session

import (
	"errors"
	"testing"

	"github.com/danmuck/resumectl/internal/testutil/testlog"
)

func TestNormalizeSecurityMode(t *testing.T) {
	testlog.Start(t)

	if got := NormalizeSecurityMode(""); got != SecurityModeDevelopment {
		t.Fatalf("empty mode: %q", got)
	}
	if got := NormalizeSecurityMode(" Production "); got != SecurityModeProduction {
		t.Fatalf("mixed case mode: %q", got)
	}
}

func TestValidateClientTransport(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name string
		cfg  Config
		want error
	}{
		{
			name: "development defaults",
			cfg:  Config{},
			want: nil,
		},
		{
			name: "unknown mode",
			cfg:  Config{SecurityMode: "paranoid"},
			want: ErrInvalidSecurityMode,
		},
		{
			name: "production requires tls",
			cfg:  Config{SecurityMode: SecurityModeProduction},
			want: ErrTLSRequired,
		},
		{
			name: "production requires mtls",
			cfg: Config{
				SecurityMode: SecurityModeProduction,
				TLS:          TLSConfig{Enabled: true, CAFile: "ca.pem"},
			},
			want: ErrMTLSRequired,
		},
		{
			name: "production forbids insecure skip",
			cfg: Config{
				SecurityMode: SecurityModeProduction,
				TLS: TLSConfig{
					Enabled: true, Mutual: true,
					CAFile: "ca.pem", CertFile: "c.pem", KeyFile: "k.pem",
					InsecureSkipVerify: true,
				},
			},
			want: ErrTLSInsecureSkipNotAllow,
		},
		{
			name: "tls without ca or skip",
			cfg:  Config{TLS: TLSConfig{Enabled: true}},
			want: ErrTLSCAFileRequired,
		},
		{
			name: "mutual requires cert",
			cfg: Config{
				TLS: TLSConfig{Enabled: true, Mutual: true, CAFile: "ca.pem"},
			},
			want: ErrTLSCertFileRequired,
		},
		{
			name: "mutual requires key",
			cfg: Config{
				TLS: TLSConfig{Enabled: true, Mutual: true, CAFile: "ca.pem", CertFile: "c.pem"},
			},
			want: ErrTLSKeyFileRequired,
		},
		{
			name: "complete mutual setup",
			cfg: Config{
				SecurityMode: SecurityModeProduction,
				TLS: TLSConfig{
					Enabled: true, Mutual: true,
					CAFile: "ca.pem", CertFile: "c.pem", KeyFile: "k.pem",
				},
			},
			want: nil,
		},
	}
	for _, tc := range cases {
		err := tc.cfg.ValidateClientTransport()
		if tc.want == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, err, tc.want)
		}
	}
}

func TestValidateServerTransport(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name string
		cfg  Config
		want error
	}{
		{
			name: "development defaults",
			cfg:  Config{},
			want: nil,
		},
		{
			name: "production requires tls",
			cfg:  Config{SecurityMode: SecurityModeProduction},
			want: ErrTLSRequired,
		},
		{
			name: "tls requires cert",
			cfg:  Config{TLS: TLSConfig{Enabled: true}},
			want: ErrTLSCertFileRequired,
		},
		{
			name: "tls requires key",
			cfg:  Config{TLS: TLSConfig{Enabled: true, CertFile: "c.pem"}},
			want: ErrTLSKeyFileRequired,
		},
		{
			name: "mutual requires ca",
			cfg: Config{
				TLS: TLSConfig{Enabled: true, Mutual: true, CertFile: "c.pem", KeyFile: "k.pem"},
			},
			want: ErrTLSCAFileRequired,
		},
		{
			name: "complete mutual setup",
			cfg: Config{
				SecurityMode: SecurityModeProduction,
				TLS: TLSConfig{
					Enabled: true, Mutual: true,
					CAFile: "ca.pem", CertFile: "c.pem", KeyFile: "k.pem",
				},
			},
			want: nil,
		},
	}
	for _, tc := range cases {
		err := tc.cfg.ValidateServerTransport()
		if tc.want == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, err, tc.want)
		}
	}
}
