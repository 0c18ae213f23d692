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

	"github.com/vigil-proctor/vigil/internal/config"
	"github.com/vigil-proctor/vigil/internal/httpserver"
	"github.com/vigil-proctor/vigil/internal/metrics"
	"github.com/vigil-proctor/vigil/internal/room"
	"github.com/vigil-proctor/vigil/internal/signaling"
	"github.com/vigil-proctor/vigil/internal/turnrest"
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

	logger.Info("starting vigil-signal-server",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"max_candidates", cfg.MaxCandidates,
		"join_settle_delay", cfg.JoinSettleDelay,
		"proctor_leave_grace", cfg.ProctorLeaveGrace,
		"room_sweep_interval", cfg.RoomSweepInterval,
		"ws_idle_timeout", cfg.WSIdleTimeout,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
		"turn_rest_realm", cfg.TURNREST.Realm,
	)

	// Invalid ICE config is not fatal; readiness reports it and /webrtc/ice
	// serves an empty list until it is fixed.
	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("ice configuration invalid", "err", err)
	}

	var turnGen *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turnGen, err = turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure TURN REST credentials", "err", err)
			os.Exit(2)
		}
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})

	m := metrics.New()
	registry := room.NewRegistry(room.RegistryConfig{MaxCandidates: cfg.MaxCandidates})
	sig := signaling.NewServer(signaling.Config{
		Registry:       registry,
		Metrics:        m,
		TURNREST:       turnGen,
		ICEServers:     cfg.ICEServers,
		PublicBaseURL:  cfg.PublicBaseURL,
		AllowedOrigins: cfg.AllowedOrigins,
		WrapAPI:        srv.WithOriginPolicy,

		JoinSettleDelay:   cfg.JoinSettleDelay,
		ProctorLeaveGrace: cfg.ProctorLeaveGrace,
		RoomSweepInterval: cfg.RoomSweepInterval,
		RoomMaxIdleAge:    cfg.RoomMaxIdleAge,

		WSIdleTimeout:     cfg.WSIdleTimeout,
		WSPingInterval:    cfg.WSPingInterval,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		MaxMessagesPerSec: cfg.MaxMessagesPerSec,
	}, logger)
	sig.RegisterRoutes(srv.Mux())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go sig.Run(ctx)

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

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
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
