// Command agentvisord serves agent runs to WebSocket clients.
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

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentvisor"
	"github.com/hupe1980/agentvisor/config"
	"github.com/hupe1980/agentvisor/logging"
	"github.com/hupe1980/agentvisor/metrics"
	"github.com/hupe1980/agentvisor/router/ws"
	"github.com/hupe1980/agentvisor/supervisor"
	"github.com/hupe1980/agentvisor/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewSlogLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat, false).WithComponent("agentvisord")
	slog.SetDefault(logger.Slog())
	logger.Info("agentvisord starting", "version", version, "addr", cfg.Addr)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Settings{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	recorder, err := metrics.NewOTelRecorder(telemetry.MeterProvider())
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	hub := ws.NewHub(func(o *ws.HubOptions) {
		o.SendBuffer = cfg.SendBuffer
		o.Logger = logger.WithComponent("ws.hub")
	})

	av := agentvisor.New(hub, func(o *agentvisor.Options) {
		o.Limits = cfg.Limits()
		o.Metrics = recorder
		o.Logger = logger
		o.SupervisorOptions = []func(o *supervisor.Options){
			supervisor.WithWatchdogInterval(cfg.WatchdogInterval),
			supervisor.WithCancelGrace(cfg.CancelGrace),
			supervisor.WithTracerProvider(telemetry.TracerProvider()),
			supervisor.WithCallbacks(lifecycleCallbacks(logger.WithComponent("supervisor.hooks"))),
		}
	})

	if err := registerAgents(av, cfg, logger); err != nil {
		return fmt.Errorf("register agents: %w", err)
	}
	logger.Info("agent types registered", "types", av.AgentTypes())

	srv := ws.NewServer(hub, av, func(o *ws.ServerOptions) {
		o.WriteTimeout = cfg.WriteTimeout
		o.PingInterval = cfg.PingInterval
		o.ReadTimeout = cfg.ReadTimeout
		o.MaxMessageSize = cfg.MaxMessageSize
		o.Logger = logger.WithComponent("ws.server")
	})

	e := newHTTPServer(srv, hub, av)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := e.Start(cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("agentvisord shutting down", "active_runs", av.Active())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		srv.Close()
		errs := []error{e.Shutdown(shutdownCtx), av.Shutdown(shutdownCtx)}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("agentvisord stopped")
	return nil
}

func newHTTPServer(srv *ws.Server, hub *ws.Hub, av *agentvisor.Agentvisor) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/ws", srv.HandleWebSocket)
	e.GET("/healthz", healthHandler(hub, av))
	e.GET("/runs/:id", runStatusHandler(av))
	return e
}
