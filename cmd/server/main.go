// Command chatcore-server is the ChatCore message delivery server process.
// It loads configuration, opens the message store, and starts the server.
//
// Usage:
//
//	chatcore-server [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/revotech/chatcore/internal/config"
	"github.com/revotech/chatcore/internal/delivery"
	"github.com/revotech/chatcore/internal/gateway"
	"github.com/revotech/chatcore/internal/metrics"
	"github.com/revotech/chatcore/internal/store"
	transphttp "github.com/revotech/chatcore/internal/transport/http"
	transpws "github.com/revotech/chatcore/internal/transport/websocket"
	"github.com/revotech/chatcore/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chatcore: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("chatcore starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"data_dir", cfg.Server.DataDir,
	)

	// ── 3. Open the message store ────────────────────────────────────────────
	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(filepath.Join(cfg.Server.DataDir, "chatcore.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	// ── 4. Initialise metrics registry ───────────────────────────────────────
	metricsReg := &metrics.Registry{}

	// ── 5. Wire gateway hub, delivery engine, and frame router ───────────────
	// The hub needs the router's frame handler and the router needs the hub, so
	// the hub captures the router variable through closures set before Start.
	var router *transpws.Router
	hub := gateway.NewHub(gateway.Options{
		SendBuffer:  cfg.Gateway.SendBuffer,
		SendTimeout: time.Duration(cfg.Gateway.SendTimeoutMs) * time.Millisecond,
		Workers:     cfg.Gateway.WorkerPoolSize,
		OnUnregister: func(sessionID string) {
			router.Teardown(sessionID)
		},
	}, func(sess types.Session, f gateway.Frame) {
		router.Handle(sess, f)
	}, metricsReg)

	engine := delivery.New(cfg, st, hub, delivery.WithMetrics(metricsReg))

	router = transpws.NewRouter(engine, cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	router.Hub = hub

	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	hub.Start(hubCtx)

	// ── 6. Start HTTP / WebSocket transport ──────────────────────────────────
	srv := transphttp.New(engine, router, cfg, metricsReg)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Serve in a background goroutine so we can handle signals.
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("chatcore ready", "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 7. Start dedicated Prometheus metrics listener ───────────────────────
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			slog.Info("metrics server listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsReg.Handler()); err != nil {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 8. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	// Give in-flight requests 5 seconds to complete.
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	hub.Stop()
	if err := engine.Close(); err != nil {
		slog.Warn("engine close error", "err", err)
	}
	if err := st.Close(); err != nil {
		slog.Warn("store close error", "err", err)
	}

	slog.Info("chatcore stopped")
	return nil
}
