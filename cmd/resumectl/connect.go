package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/danmuck/resumectl/internal/client"
	"github.com/danmuck/resumectl/internal/observability"
)

var (
	connectListen string
	connectRemote string
)

func init() {
	flags := connectCmd.Flags()
	flags.StringVarP(&connectListen, "listen", "l", "127.0.0.1:7440", "local address to accept connections on")
	flags.StringVarP(&connectRemote, "remote", "r", "", "resumable server address")
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Carry local connections over resumable streams to a remote server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadAppConfig(ctx, configPath)
		if err != nil {
			return err
		}
		if connectRemote != "" {
			cfg.RemoteAddr = connectRemote
		}
		if cfg.RemoteAddr == "" {
			return fmt.Errorf("connect: a remote address is required")
		}

		log := observability.InitLogger("resumectl-connect")
		observability.RegisterMetrics()

		ln, err := net.Listen("tcp", connectListen)
		if err != nil {
			return err
		}
		go func() {
			<-ctx.Done()
			_ = ln.Close()
		}()
		log.Info().
			Str("listen", connectListen).
			Str("remote", cfg.RemoteAddr).
			Msg("bridge started")

		dialer := client.NetDialer(cfg.RemoteAddr, cfg.Session)
		for {
			local, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				log.Warn().Err(err).Msg("accept failed")
				continue
			}
			go bridgeOne(ctx, cfg, dialer, local, log)
		}
	},
}

// bridgeOne carries a single local connection over its own resumable
// stream. A remote that turns out to be a legacy server still works; the
// stream just loses its resilience.
func bridgeOne(ctx context.Context, cfg appConfig, dialer client.Dialer, local net.Conn, log zerolog.Logger) {
	defer local.Close()

	c, err := client.Dial(ctx, client.Config{
		Dialer:  dialer,
		Session: cfg.Session,
		Logger:  log,
	})
	if err != nil {
		var legacy *client.LegacyPeerError
		if errors.As(err, &legacy) {
			log.Warn().Msg("remote does not support resumption, bridging raw")
			bridgeConns(local, legacy.Conn)
			return
		}
		log.Warn().Err(err).Msg("remote dial failed")
		return
	}
	log.Debug().Stringer("token", c.Token()).Msg("stream opened")
	bridgeConns(local, c)
}

// bridgeConns copies both directions and closes both conns when either
// side finishes.
func bridgeConns(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	copyHalf := func(dst, src net.Conn) {
		defer wg.Done()
		_, _ = io.Copy(dst, src)
		_ = dst.Close()
		_ = src.Close()
	}
	go copyHalf(a, b)
	go copyHalf(b, a)
	wg.Wait()
}
