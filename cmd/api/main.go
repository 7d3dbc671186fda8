package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	httpadapter "github.com/kirillkom/hybrid-rag/internal/adapters/http"
	"github.com/kirillkom/hybrid-rag/internal/bootstrap"
	"github.com/kirillkom/hybrid-rag/internal/config"
	"github.com/kirillkom/hybrid-rag/internal/observability/logging"
)

const serviceName = "api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.New(serviceName, cfg.LogLevel, cfg.LogFormat))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, serviceName)
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	router, err := httpadapter.NewRouter(app.QueryUC, app.QueryUC, app.Snapshots, app.HTTPMetrics, httpadapter.RouterConfig{
		Service:          serviceName,
		RateLimitRPS:     cfg.HTTPRateLimitRPS,
		RateLimitBurst:   cfg.HTTPRateLimitBurst,
		MaxInFlight:      cfg.HTTPMaxInFlight,
		BackpressureWait: cfg.HTTPBackpressureWait,
	})
	if err != nil {
		slog.Error("router_init_failed", "error", err)
		os.Exit(1)
	}
	if app.Rebuilds != nil {
		router.WithRebuilder(app.Rebuilds)
	}

	// Streams may run for minutes, so there is no write timeout.
	server := &http.Server{
		Handler:           router.Handler(),
		ReadHeaderTimeout: cfg.HTTPReadHeaderTimeout,
		IdleTimeout:       120 * time.Second,
	}

	listener, err := net.Listen("tcp", ":"+cfg.APIPort)
	if err != nil {
		slog.Error("api_listen_failed", "port", cfg.APIPort, "error", err)
		os.Exit(1)
	}
	if cfg.HTTPMaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.HTTPMaxConnections)
	}

	go func() {
		if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("background_loop_failed", "error", err)
		}
	}()

	go func() {
		slog.Info("api_listening", "port", cfg.APIPort, "max_connections", cfg.HTTPMaxConnections)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("api_shutdown_failed", "error", err)
	}
	slog.Info("api_stopped")
}
