package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidSecurityMode     = errors.New("session: invalid security mode")
	ErrTLSRequired             = errors.New("session: tls required")
	ErrMTLSRequired            = errors.New("session: mtls required")
	ErrTLSCertFileRequired     = errors.New("session: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("session: tls key file required")
	ErrTLSCAFileRequired       = errors.New("session: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("session: insecure skip verify not allowed")
)

// NormalizeSecurityMode canonicalizes mode: surrounding space is
// trimmed, case is ignored, and empty selects development.
func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	m := strings.TrimSpace(string(mode))
	if m == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(m))
}

// ValidateClientTransport checks dial-side transport-security settings.
// Production dials must verify the server and present a client
// certificate; development may run in the clear. These rules only apply
// when TLS is terminated in this process rather than an outer layer.
func (c Config) ValidateClientTransport() error {
	mode := NormalizeSecurityMode(c.SecurityMode)
	if err := checkSecurityMode(mode, c.SecurityMode); err != nil {
		return err
	}

	if mode == SecurityModeProduction {
		if !c.TLS.Enabled {
			return ErrTLSRequired
		}
		if !c.TLS.Mutual {
			return ErrMTLSRequired
		}
		if c.TLS.InsecureSkipVerify {
			return ErrTLSInsecureSkipNotAllow
		}
	}
	if c.TLS.Mutual && !c.TLS.Enabled {
		return ErrTLSRequired
	}
	// Without a CA the dial cannot verify the listener; only an explicit
	// insecure opt-in (outside production) waives it.
	if c.TLS.Enabled && fileUnset(c.TLS.CAFile) && !c.TLS.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	if c.TLS.Mutual {
		return c.TLS.checkKeypair()
	}
	return nil
}

// ValidateServerTransport checks listen-side transport-security
// settings. Production listeners must require client certificates; any
// enabled TLS needs a complete keypair.
func (c Config) ValidateServerTransport() error {
	mode := NormalizeSecurityMode(c.SecurityMode)
	if err := checkSecurityMode(mode, c.SecurityMode); err != nil {
		return err
	}

	if mode == SecurityModeProduction {
		if !c.TLS.Enabled {
			return ErrTLSRequired
		}
		if !c.TLS.Mutual {
			return ErrMTLSRequired
		}
	}
	if c.TLS.Mutual && !c.TLS.Enabled {
		return ErrTLSRequired
	}
	if c.TLS.Enabled {
		if err := c.TLS.checkKeypair(); err != nil {
			return err
		}
	}
	if c.TLS.Mutual && fileUnset(c.TLS.CAFile) {
		return ErrTLSCAFileRequired
	}
	return nil
}

func checkSecurityMode(mode, raw SecurityMode) error {
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, raw)
}

func (t TLSConfig) checkKeypair() error {
	if fileUnset(t.CertFile) {
		return ErrTLSCertFileRequired
	}
	if fileUnset(t.KeyFile) {
		return ErrTLSKeyFileRequired
	}
	return nil
}

func fileUnset(path string) bool { return strings.TrimSpace(path) == "" }
