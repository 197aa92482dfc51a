package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/signalmesh/relay/internal/chunkstore"
	"github.com/signalmesh/relay/internal/config"
	"github.com/signalmesh/relay/internal/httpserver"
	"github.com/signalmesh/relay/internal/metrics"
	"github.com/signalmesh/relay/internal/registry"
	"github.com/signalmesh/relay/internal/signaling"
	"github.com/signalmesh/relay/internal/storeforward"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting signalmesh-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"max_chunks_per_room", cfg.MaxChunksPerRoom,
		"chunk_retention", cfg.ChunkRetention,
		"sweep_interval", cfg.SweepInterval,
		"max_upload_bytes", cfg.MaxUploadBytes,
		"max_signal_message_bytes", cfg.MaxSignalMessageBytes,
		"max_signal_messages_per_second", cfg.MaxSignalMessagesPerSecond,
		"ws_ping_interval", cfg.WSPingInterval,
		"ws_idle_timeout", cfg.WSIdleTimeout,
		"ice_server_count", len(cfg.ICEServers),
	)

	logStartupSecurityWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	reg := registry.New()
	store := chunkstore.New(chunkstore.Config{
		MaxChunksPerRoom: cfg.MaxChunksPerRoom,
		Retention:        cfg.ChunkRetention,
	}, m)
	sweeper := chunkstore.NewSweeper(store, cfg.SweepInterval, logger)

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, m, httpserver.BuildInfo{Commit: commit, BuildTime: built})

	sig := signaling.NewServer(signaling.Config{
		Registry:             reg,
		Metrics:              m,
		Logger:               logger,
		MaxMessageBytes:      cfg.MaxSignalMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalMessagesPerSecond,
		PingInterval:         cfg.WSPingInterval,
		IdleTimeout:          cfg.WSIdleTimeout,
	})
	sig.RegisterRoutes(srv.Mux())

	sf := storeforward.NewHandler(storeforward.Config{
		Store:          store,
		Metrics:        m,
		Logger:         logger,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	sf.RegisterRoutes(srv.Mux())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweeper.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			if cfg.Mode == config.ModeProd {
				logger.Warn("allowed origins include the wildcard; any website can drive this relay from a browser")
			} else {
				logger.Info("allowed origins include the wildcard (dev mode)")
			}
		}
	}
	if cfg.Mode == config.ModeProd && cfg.LogLevel == slog.LevelDebug {
		logger.Warn("debug logging enabled in prod mode; signaling payload sizes and room names will be logged")
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
