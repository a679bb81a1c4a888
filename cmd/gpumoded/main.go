package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/onkernel/gpumode/cmd/gpumoded/config"
	mw "github.com/onkernel/gpumode/lib/middleware"
	"github.com/onkernel/gpumode/lib/otel"
	"github.com/onkernel/gpumode/lib/rpc"
	"github.com/riandyrn/otelchi"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application terminated", "error", err)
		os.Exit(1)
	}
	slog.Info("main() exiting normally")
}

func run() error {
	cfg := config.Load()

	if !cfg.IsService {
		fmt.Fprintln(os.Stderr, "gpumoded should only be run by its systemd service (IS_SERVICE=1).")
		fmt.Fprintln(os.Stderr, "For logs use: journalctl -b -u gpumoded")
		return nil
	}

	// Initialize OpenTelemetry (before wire initialization)
	otelProvider, otelShutdown, err := otel.Init(context.Background(), otel.Config{
		Enabled:           cfg.OtelEnabled,
		Endpoint:          cfg.OtelEndpoint,
		ServiceName:       cfg.OtelServiceName,
		ServiceInstanceID: cfg.OtelServiceInstanceID,
		Insecure:          cfg.OtelInsecure,
		Version:           cfg.Version,
		Env:               cfg.Env,
	})
	if err != nil {
		// Log warning but don't fail - graceful degradation
		slog.Warn("failed to initialize OpenTelemetry, continuing without telemetry", "error", err)
		otelProvider, otelShutdown, _ = otel.Init(context.Background(), otel.Config{ServiceName: cfg.OtelServiceName})
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("error shutting down OpenTelemetry", "error", err)
		}
	}()

	if err := checkPrivileges(cfg); err != nil {
		return err
	}

	lock, err := acquireInstanceLock(cfg)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	app, cleanup, err := initializeApp(cfg, otelProvider)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer func() {
		slog.Info("cleaning up application resources")
		cleanup()
	}()

	ctx, stop := signal.NotifyContext(app.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := app.Logger
	logger.Info("starting gpumoded", "version", cfg.Version, "kernel", otel.KernelRelease())
	if cfg.OtelEnabled {
		logger.Info("OpenTelemetry enabled", "endpoint", cfg.OtelEndpoint, "service", cfg.OtelServiceName)
	}

	// Boot reconciliation: the mode on disk (or on the kernel command line)
	// is applied before clients can connect. A failure leaves the daemon up
	// so the user can still pick another mode.
	if err := app.Controller.Reload(ctx); err != nil {
		logger.Error("failed to apply boot mode", "error", err)
	}

	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = app.Paths.Socket()
	}
	ln, err := listenSocket(socketPath, cfg.SocketMode)
	if err != nil {
		return err
	}

	var httpMetricsMw func(http.Handler) http.Handler = mw.NoopHTTPMetrics()
	if cfg.OtelEnabled {
		if m, err := mw.NewHTTPMetrics(otelProvider.MeterFor("API")); err == nil {
			httpMetricsMw = m.Middleware
		}
	}
	accessLogger := mw.NewAccessLogger(otelProvider.LogHandler)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Websocket stream: no tracing or timeout, the connection is long-lived
	r.Group(func(r chi.Router) {
		r.Use(mw.InjectLogger(logger))
		r.Use(mw.AccessLogger(accessLogger))
		app.ApiService.StreamRoutes(r)
	})

	r.Group(func(r chi.Router) {
		// OpenTelemetry tracing middleware FIRST (creates span context)
		if cfg.OtelEnabled {
			r.Use(otelchi.Middleware(cfg.OtelServiceName, otelchi.WithChiRoutes(r)))
		}
		r.Use(mw.InjectLogger(logger))
		r.Use(mw.AccessLogger(accessLogger))
		r.Use(httpMetricsMw)
		r.Use(middleware.Timeout(rpc.DefaultTimeout))
		app.ApiService.Routes(r)
	})

	srv := &http.Server{
		Handler:           r,
		ConnContext:       mw.ConnContext,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Error group for coordinated shutdown
	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		logger.Info("listening on control socket", "path", socketPath)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			return err
		}
		return nil
	})

	grp.Go(func() error {
		app.Controller.WatchPower(gctx, cfg.PowerPollInterval)
		return nil
	})

	if !app.ModeConfig.NoLogind {
		grp.Go(func() error {
			err := app.Logind.WatchSleep(gctx, func(ctx context.Context, sleeping bool) {
				if !sleeping {
					logger.Info("system resumed")
					app.Controller.HandleResume(ctx)
				}
			})
			if err != nil {
				// Resume handling is best effort
				logger.Warn("stopped watching for sleep", "error", err)
			}
			return nil
		})
	}

	// Shutdown handler
	grp.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		// Use WithoutCancel to preserve context values while preventing cancellation
		shutdownCtx := context.WithoutCancel(gctx)
		shutdownCtx, cancel := context.WithTimeout(shutdownCtx, 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown http server", "error", err)
			return err
		}
		if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to remove control socket", "error", err)
		}
		logger.Info("http server shutdown complete")
		return nil
	})

	err = grp.Wait()
	slog.Info("all goroutines finished")
	return err
}

// checkPrivileges refuses to touch the real host without root. A relocated
// ROOT_DIR is a test tree and needs nothing special.
func checkPrivileges(cfg *config.Config) error {
	if cfg.RootDir != "/" {
		return nil
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("gpumoded must run as root to manage kernel modules and PCI devices")
	}
	return nil
}
