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
	"time"

	"github.com/benbjohnson/clock"

	"github.com/peerlink/peerlink/internal/auth"
	"github.com/peerlink/peerlink/internal/config"
	"github.com/peerlink/peerlink/internal/httpserver"
	"github.com/peerlink/peerlink/internal/metrics"
	"github.com/peerlink/peerlink/internal/policy"
	"github.com/peerlink/peerlink/internal/ratelimit"
	"github.com/peerlink/peerlink/internal/relay"
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

	logger.Info("starting peerlink-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"record_ttl", cfg.RecordTTL,
		"max_record_ttl", cfg.MaxRecordTTL,
		"package_ttl", cfg.PackageTTL,
		"sweep_interval", cfg.SweepInterval,
		"max_requests_per_second", cfg.MaxRequestsPerSecond,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)

	roomPolicy, err := policy.FromEnv()
	if err != nil {
		logger.Error("failed to load room policy", "err", err)
		os.Exit(2)
	}

	logStartupSecurityWarnings(logger, cfg, roomPolicy)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)

	m := metrics.New()
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, m)

	verifier, err := auth.NewVerifier(cfg.AuthMode, cfg.APIKey, cfg.TokenSecret, time.Now)
	if err != nil {
		logger.Error("failed to configure exchange auth", "err", err)
		os.Exit(2)
	}

	clk := clock.New()
	limiter := ratelimit.NewClientLimiter(clk, ratelimit.ClientConfig{
		RequestsPerSecond:     cfg.MaxRequestsPerSecond,
		RequestBurst:          cfg.RequestBurst,
		PackageBytesPerSecond: cfg.MaxPackageBytesPerSecond,
		MaxTrackedClients:     cfg.MaxTrackedClients,
	})

	rly := relay.NewServer(relay.ServerConfig{
		Store: relay.StoreConfig{
			DefaultRecordTTL: cfg.RecordTTL,
			MaxRecordTTL:     cfg.MaxRecordTTL,
			PackageTTL:       cfg.PackageTTL,
			Policy:           roomPolicy,
		},
		Verifier:     verifier,
		Limiter:      limiter,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Logger:       logger,
		Metrics:      m,
		Clock:        clk,
	})
	rly.RegisterRoutes(srv.Mux())

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go rly.RunSweeper(sweepCtx, cfg.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
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

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
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
