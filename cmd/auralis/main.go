// Command auralis runs the Auralis live session server.
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
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/auralis-ai/auralis/internal/admission"
	"github.com/auralis-ai/auralis/internal/app"
	"github.com/auralis-ai/auralis/internal/capture"
	"github.com/auralis-ai/auralis/internal/config"
	"github.com/auralis-ai/auralis/internal/health"
	"github.com/auralis-ai/auralis/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	demo := flag.Bool("demo", false, "open a demo session streaming a synthetic tone")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "auralis: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "auralis: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("auralis starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"live_endpoint", cfg.Live.Endpoint,
		"model", cfg.Live.Model,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "auralis",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── HTTP endpoints ────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(healthCheckers(cfg, application)...).Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(application.Metrics())(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if *demo {
		g.Go(func() error { return runDemoSession(gctx, application) })
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := otelShutdown(flushCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

// healthCheckers builds the readiness checks for the configured dependencies.
func healthCheckers(cfg *config.Config, application *app.App) []health.Checker {
	checkers := []health.Checker{
		{
			Name: "live-endpoint",
			Check: func(context.Context) error {
				return admission.CheckSecureEndpoint(cfg.Live.Endpoint)
			},
		},
	}
	if store := application.UsageStore(); store != nil {
		checkers = append(checkers, health.Checker{
			Name:  "usage-db",
			Check: store.Ping,
		})
	}
	return checkers
}

// runDemoSession opens a session against the live endpoint and streams a
// synthetic 440 Hz tone until ctx is cancelled. Meant for smoke-testing a
// deployment without a real capture device.
func runDemoSession(ctx context.Context, application *app.App) error {
	s, err := application.Sessions().Open(ctx, "demo-local", "")
	if err != nil {
		return fmt.Errorf("demo session: %w", err)
	}
	defer application.Sessions().Close("demo-local")

	src := capture.NewSynthSource(16000, 440, 100)
	if err := s.StartCapture(ctx, src); err != nil {
		return fmt.Errorf("demo session: start capture: %w", err)
	}
	slog.Info("demo session streaming", "session_id", "demo-local")

	<-ctx.Done()
	return nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
