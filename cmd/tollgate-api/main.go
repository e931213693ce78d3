package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tollgate/pkg/api"
	"github.com/platinummonkey/tollgate/pkg/app"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/middleware"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tollgate-api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", "tollgate-api").
		WithField("environment", cfg.Environment)
	logger.WithField("version", version).Info("Starting Tollgate billing API")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, version, logger)
	if err != nil {
		return err
	}
	a.Run(ctx)

	deps := api.Dependencies{
		Subscriptions: a.Orchestrator,
		Reconciler:    a.Engine,
		Ledger:        a.Store,
		Catalog:       a.Prices,
		Redis:         a.Redis,
		RateLimit: &middleware.RateLimitConfig{
			RequestsPerWindow: cfg.Server.RateLimitPerMinute,
			WindowDuration:    time.Minute,
		},
		Health:       a.Health,
		Logger:       logger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}
	if cfg.Observability.MetricsEnabled {
		deps.Registry = a.Registry
		deps.Metrics = a.Metrics
	}

	var handler http.Handler = api.NewServer(deps)
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(handler, "tollgate-api")
	}

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	// Registered last so the listener drains before the pools close.
	a.Shutdown.Register("http", srv.Shutdown)

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", srv.Addr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()
	var listenErr error
	listenDone := make(chan struct{})
	go func() {
		defer close(listenDone)
		if err, ok := <-serveErr; ok {
			logger.WithError(err).Error("HTTP server failed")
			listenErr = err
			stopWaiting()
		}
	}()

	err = a.Shutdown.WaitForSignal(waitCtx)
	cancel()
	<-listenDone
	if listenErr != nil {
		return listenErr
	}
	logger.Info("Tollgate billing API stopped")
	return err
}
