package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/danmuck/resumectl/internal/session"
)

// appConfig is the merged runtime configuration: built-in defaults,
// overlaid by the TOML file, overlaid by environment variables.
type appConfig struct {
	ListenAddr   string
	UpstreamAddr string
	RemoteAddr   string
	AdminAddr    string
	Reuseport    bool
	DebugHTTP    bool

	Session session.Config
}

func defaultAppConfig() appConfig {
	return appConfig{
		ListenAddr: "0.0.0.0:7430",
		AdminAddr:  "127.0.0.1:7431",
		Session:    session.DefaultConfig(),
	}
}

// fileConfig is the TOML key surface. Only keys present in the file
// override defaults.
type fileConfig struct {
	Listen    string `toml:"listen"`
	Upstream  string `toml:"upstream"`
	Remote    string `toml:"remote"`
	Admin     string `toml:"admin_listen_addr"`
	Reuseport bool   `toml:"reuseport"`

	GracePeriod      string `toml:"grace_period"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	ConnectTimeout   string `toml:"connect_timeout"`
	ReceiveWindow    int64  `toml:"receive_window_bytes"`

	BackoffInitial    string  `toml:"backoff_initial_delay"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	BackoffMax        string  `toml:"backoff_max_delay"`
	BackoffJitter     bool    `toml:"backoff_jitter"`

	SecurityMode string `toml:"security_mode"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	TLSMutual    bool   `toml:"tls_mutual"`
	TLSCertFile  string `toml:"tls_cert_file"`
	TLSKeyFile   string `toml:"tls_key_file"`
	TLSCAFile    string `toml:"tls_ca_file"`
	TLSServer    string `toml:"tls_server_name"`
}

// envConfig are the variables that win over both defaults and the file.
type envConfig struct {
	Listen    string `env:"RESUMECTL_LISTEN"`
	Upstream  string `env:"RESUMECTL_UPSTREAM"`
	Remote    string `env:"RESUMECTL_REMOTE"`
	Admin     string `env:"RESUMECTL_ADMIN_ADDR"`
	DebugHTTP bool   `env:"RESUMECTL_DEBUG_HTTP"`
}

func loadAppConfig(ctx context.Context, path string) (appConfig, error) {
	cfg := defaultAppConfig()

	if strings.TrimSpace(path) != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return appConfig{}, err
		}
	}
	if err := overlayEnv(ctx, &cfg); err != nil {
		return appConfig{}, err
	}

	cfg.Session = cfg.Session.WithDefaults()
	return cfg, nil
}

func overlayFile(cfg *appConfig, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("listen") {
		cfg.ListenAddr = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("upstream") {
		cfg.UpstreamAddr = strings.TrimSpace(raw.Upstream)
	}
	if meta.IsDefined("remote") {
		cfg.RemoteAddr = strings.TrimSpace(raw.Remote)
	}
	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.Admin)
	}
	if meta.IsDefined("reuseport") {
		cfg.Reuseport = raw.Reuseport
	}

	if meta.IsDefined("grace_period") {
		d, err := parseDur(raw.GracePeriod)
		if err != nil {
			return fmt.Errorf("parse grace_period: %w", err)
		}
		cfg.Session.GracePeriod = d
	}
	if meta.IsDefined("handshake_timeout") {
		d, err := parseDur(raw.HandshakeTimeout)
		if err != nil {
			return fmt.Errorf("parse handshake_timeout: %w", err)
		}
		cfg.Session.HandshakeTimeout = d
	}
	if meta.IsDefined("connect_timeout") {
		d, err := parseDur(raw.ConnectTimeout)
		if err != nil {
			return fmt.Errorf("parse connect_timeout: %w", err)
		}
		cfg.Session.ConnectTimeout = d
	}
	if meta.IsDefined("receive_window_bytes") {
		if raw.ReceiveWindow <= 0 {
			return fmt.Errorf("load config: receive_window_bytes must be positive")
		}
		cfg.Session.ReceiveWindow = uint64(raw.ReceiveWindow)
	}

	if meta.IsDefined("backoff_initial_delay") {
		d, err := parseDur(raw.BackoffInitial)
		if err != nil {
			return fmt.Errorf("parse backoff_initial_delay: %w", err)
		}
		cfg.Session.Backoff.InitialDelay = d
	}
	if meta.IsDefined("backoff_multiplier") {
		cfg.Session.Backoff.Multiplier = raw.BackoffMultiplier
	}
	if meta.IsDefined("backoff_max_delay") {
		d, err := parseDur(raw.BackoffMax)
		if err != nil {
			return fmt.Errorf("parse backoff_max_delay: %w", err)
		}
		cfg.Session.Backoff.MaxDelay = d
	}
	if meta.IsDefined("backoff_jitter") {
		cfg.Session.Backoff.Jitter = raw.BackoffJitter
	}

	if meta.IsDefined("security_mode") {
		cfg.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("tls_enabled") {
		cfg.Session.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("tls_mutual") {
		cfg.Session.TLS.Mutual = raw.TLSMutual
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.Session.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.Session.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("tls_ca_file") {
		cfg.Session.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if meta.IsDefined("tls_server_name") {
		cfg.Session.TLS.ServerName = strings.TrimSpace(raw.TLSServer)
	}
	return nil
}

func overlayEnv(ctx context.Context, cfg *appConfig) error {
	if err := godotenv.Load(".env.local"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env.local: %w", err)
	}

	var env envConfig
	if err := envconfig.Process(ctx, &env); err != nil {
		return err
	}
	if v := strings.TrimSpace(env.Listen); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(env.Upstream); v != "" {
		cfg.UpstreamAddr = v
	}
	if v := strings.TrimSpace(env.Remote); v != "" {
		cfg.RemoteAddr = v
	}
	if v := strings.TrimSpace(env.Admin); v != "" {
		cfg.AdminAddr = v
	}
	if env.DebugHTTP {
		cfg.DebugHTTP = true
	}
	return nil
}

func parseDur(raw string) (time.Duration, error) {
	return time.ParseDuration(strings.TrimSpace(raw))
}
