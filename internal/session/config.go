package session

import (
	"time"

	"github.com/danmuck/resumectl/internal/protocol/wire"
)

// BackoffConfig defines reconnection backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// SecurityMode selects the transport-security posture for deployments
// that terminate TLS in this process rather than in an outer layer.
type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig carries optional in-process TLS material.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Config defines session reliability defaults shared by both endpoints.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration

	// GracePeriod bounds how long a session may stay unbound after
	// transport loss before it is evicted and surfaced as connection
	// lost. SweepInterval is how often the registry checks.
	GracePeriod   time.Duration
	SweepInterval time.Duration

	// ReceiveWindow is the unacknowledged-byte budget advertised to the
	// peer. Both peers use the same default absent a negotiated override.
	ReceiveWindow uint64

	Backoff BackoffConfig

	SecurityMode SecurityMode
	TLS          TLSConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		GracePeriod:      2 * time.Minute,
		SweepInterval:    5 * time.Second,
		ReceiveWindow:    wire.DefaultReceiveWindow,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = def.GracePeriod
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.ReceiveWindow == 0 {
		c.ReceiveWindow = def.ReceiveWindow
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}
