package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/danmuck/resumectl/internal/observability"
	"github.com/danmuck/resumectl/internal/server"
	"github.com/danmuck/resumectl/internal/session"
)

var (
	serveListen    string
	serveUpstream  string
	serveAdmin     string
	serveReuseport bool
)

func init() {
	flags := serveCmd.Flags()
	flags.StringVarP(&serveListen, "listen", "l", "", "address to accept resumable connections on")
	flags.StringVarP(&serveUpstream, "upstream", "u", "", "tcp address each logical stream is bridged to")
	flags.StringVar(&serveAdmin, "admin", "", "admin/metrics listen address")
	flags.BoolVar(&serveReuseport, "reuseport", false, "bind the listener with SO_REUSEPORT")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept resumable connections and bridge them to an upstream",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadAppConfig(ctx, configPath)
		if err != nil {
			return err
		}
		if serveListen != "" {
			cfg.ListenAddr = serveListen
		}
		if serveUpstream != "" {
			cfg.UpstreamAddr = serveUpstream
		}
		if serveAdmin != "" {
			cfg.AdminAddr = serveAdmin
		}
		if serveReuseport {
			cfg.Reuseport = true
		}
		if cfg.UpstreamAddr == "" {
			return fmt.Errorf("serve: an upstream address is required")
		}

		log := observability.InitLogger("resumectl-serve")
		observability.RegisterMetrics()

		bridge := upstreamBridge(cfg.UpstreamAddr, cfg.Session.ConnectTimeout, log)
		srv, err := server.New(server.Config{
			Addr:          cfg.ListenAddr,
			Reuseport:     cfg.Reuseport,
			Session:       cfg.Session,
			Handler:       bridge,
			LegacyHandler: bridge,
			Logger:        log,
		})
		if err != nil {
			return err
		}

		var admin *http.Server
		if cfg.AdminAddr != "" {
			admin = adminServer(cfg, srv, log)
			go func() {
				if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("admin server failed")
				}
			}()
		}

		serveErr := make(chan error, 1)
		go func() { serveErr <- srv.Serve(ctx) }()
		log.Info().
			Str("listen", cfg.ListenAddr).
			Str("upstream", cfg.UpstreamAddr).
			Str("admin", cfg.AdminAddr).
			Msg("resumable front started")

		select {
		case <-ctx.Done():
		case err := <-serveErr:
			if err != nil {
				return err
			}
		}
		stop()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if admin != nil {
			if err := admin.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("admin shutdown forced")
			}
		}
		if err := srv.Close(); err != nil {
			log.Warn().Err(err).Msg("listener shutdown forced")
		}
		return nil
	},
}

// upstreamBridge dials the upstream once per logical stream and copies
// bytes both ways until either side finishes.
func upstreamBridge(upstream string, timeout time.Duration, log zerolog.Logger) func(net.Conn) {
	return func(conn net.Conn) {
		defer conn.Close()
		up, err := net.DialTimeout("tcp", upstream, timeout)
		if err != nil {
			log.Warn().Err(err).Str("upstream", upstream).Msg("upstream dial failed")
			return
		}
		bridgeConns(conn, up)
	}
}

func adminServer(cfg appConfig, srv *server.Server, log zerolog.Logger) *http.Server {
	if !cfg.DebugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"sessions": srv.Registry().Len(),
			"states":   sessionStates(srv.Registry().Snapshot()),
		})
	})
	router.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, srv.Registry().Snapshot())
	})
	router.GET("/sessions/:token", func(c *gin.Context) {
		want := c.Param("token")
		for _, info := range srv.Registry().Snapshot() {
			if info.Token == want {
				c.JSON(http.StatusOK, info)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &http.Server{Addr: cfg.AdminAddr, Handler: router}
}

func sessionStates(infos []session.Info) map[string]int {
	out := make(map[string]int, 4)
	for _, info := range infos {
		out[info.State]++
	}
	return out
}
