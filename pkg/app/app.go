// Package app assembles the billing engine from configuration. Both the
// API server and the scheduler build the same component graph.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/tollgate/pkg/archive"
	"github.com/platinummonkey/tollgate/pkg/async"
	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/clients"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/customerlock"
	"github.com/platinummonkey/tollgate/pkg/notify"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/payments"
	"github.com/platinummonkey/tollgate/pkg/pricing"
	"github.com/platinummonkey/tollgate/pkg/reconcile"
	"github.com/platinummonkey/tollgate/pkg/retry"
	"github.com/platinummonkey/tollgate/pkg/store"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// App holds the wired components
type App struct {
	Config       *config.Config
	Logger       *observability.Logger
	Registry     *prometheus.Registry
	Metrics      *observability.Metrics
	OTel         *observability.OTelProviders
	DB           *store.ConnectionManager
	Store        *store.PostgresStore
	Redis        *redis.Client
	Prices       *pricing.Store
	Alerts       *notify.Dispatcher
	Orchestrator *subscriptions.Orchestrator
	Engine       *reconcile.Engine
	Archiver     *archive.Archiver
	Health       *observability.HealthChecker
	Shutdown     *observability.ShutdownManager

	pricingWatcher *pricing.Watcher
}

// New connects to every dependency and builds the component graph. On error
// the components opened so far are closed.
func New(ctx context.Context, cfg *config.Config, version string, logger *observability.Logger) (_ *App, err error) {
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		Shutdown: observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout),
	}
	defer func() {
		if err != nil {
			_ = a.Shutdown.Shutdown(context.Background())
		}
	}()

	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = observability.NewMetrics(a.Registry)

	if err := a.initOTel(ctx, version); err != nil {
		return nil, err
	}
	if err := a.initStore(ctx); err != nil {
		return nil, err
	}
	if err := a.initRedis(ctx); err != nil {
		return nil, err
	}

	a.Prices, err = pricing.NewStore(ctx, pricing.FileLoader{Path: cfg.Billing.PricingFile})
	if err != nil {
		return nil, fmt.Errorf("failed to load pricing catalog: %w", err)
	}
	logger.WithField("version", a.Prices.Current().Version()).Info("Pricing catalog loaded")
	if cfg.Billing.WatchPricingFile {
		a.pricingWatcher, err = pricing.NewWatcher(a.Prices, cfg.Billing.PricingFile, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to watch pricing catalog: %w", err)
		}
	}

	a.Alerts = a.buildAlerts()

	if err := a.initArchive(ctx); err != nil {
		return nil, err
	}

	a.Orchestrator = a.buildOrchestrator()
	a.Engine = a.buildEngine()

	checks := []observability.HealthCheck{observability.DatabaseCheck(a.DB.HealthCheck)}
	if a.Redis != nil {
		checks = append(checks, observability.RedisCheck(a.Redis))
	}
	a.Health = observability.NewHealthChecker(version, checks...)

	return a, nil
}

// Run starts background loops until ctx ends
func (a *App) Run(ctx context.Context) {
	if a.pricingWatcher != nil {
		go a.pricingWatcher.Run(ctx)
	}
	go a.collectDBStats(ctx, 15*time.Second)
}

func (a *App) initOTel(ctx context.Context, version string) error {
	otelCfg := a.Config.OTel()
	if otelCfg.ServiceVersion == "" {
		otelCfg.ServiceVersion = version
	}
	providers, err := observability.InitOTel(ctx, otelCfg, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	a.OTel = providers
	a.Shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, a.Logger)
	})

	if otelCfg.Enabled {
		otelMetrics, err := observability.NewOTelMetrics()
		if err != nil {
			return fmt.Errorf("failed to create OpenTelemetry instruments: %w", err)
		}
		a.Metrics = a.Metrics.WithOTel(otelMetrics)
	}
	return nil
}

func (a *App) initStore(ctx context.Context) error {
	db := a.Config.Database
	cm, err := store.NewConnectionManager(ctx, store.ConnectionConfig{
		PrimaryURL:  db.URL,
		ReplicaURLs: db.ReplicaURLs,
		MaxConns:    db.MaxConns,
		MinConns:    db.MinConns,
		Timeout:     db.Timeout,
		MaxLifetime: 30 * time.Minute,
		MaxIdleTime: 5 * time.Minute,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.DB = cm
	a.Shutdown.Register("database", func(ctx context.Context) error { return cm.Close() })

	if db.RunMigrations {
		if err := store.RunMigrations(ctx, cm.Primary()); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	a.Store = store.NewPostgresStore(cm.Primary(), cm.Replica())
	return nil
}

func (a *App) initRedis(ctx context.Context) error {
	if a.Config.Redis.URL == "" {
		return nil
	}
	opts, err := redis.ParseURL(a.Config.Redis.URL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	if a.Config.Redis.Password != "" {
		opts.Password = a.Config.Redis.Password
	}
	if a.Config.Redis.DB != 0 {
		opts.DB = a.Config.Redis.DB
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.Redis = client
	a.Shutdown.Register("redis", func(ctx context.Context) error { return client.Close() })
	return nil
}

func (a *App) buildAlerts() *notify.Dispatcher {
	n := a.Config.Notify
	sinks := []notify.Notifier{notify.NewLogNotifier(a.Logger)}
	if n.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookNotifier(notify.WebhookConfig{
			URL:        n.WebhookURL,
			Secret:     n.WebhookSecret,
			Timeout:    n.Timeout,
			Retry:      retry.DefaultDeliveryConfig(),
			MaxLogs:    1000,
			RateLimit:  30,
			RatePeriod: time.Minute,
		}, a.Logger))
	}
	if n.SlackURL != "" {
		sinks = append(sinks, notify.NewSlackNotifier(n.SlackURL, a.Logger))
	}
	return notify.NewDispatcher(a.Logger, a.Metrics, sinks...)
}

func (a *App) initArchive(ctx context.Context) error {
	ac := a.Config.Archive
	if ac.Bucket == "" {
		return nil
	}
	client, err := archive.NewS3Client(ctx, archive.Config{
		Bucket:       ac.Bucket,
		Region:       ac.Region,
		Endpoint:     ac.Endpoint,
		AccessKey:    ac.AccessKey,
		SecretKey:    ac.SecretKey,
		UsePathStyle: ac.UsePathStyle,
	})
	if err != nil {
		return fmt.Errorf("failed to create archive client: %w", err)
	}
	bucket := archive.NewBucket(client, ac.Bucket)
	if err := bucket.EnsureExists(ctx); err != nil {
		return fmt.Errorf("failed to prepare archive bucket: %w", err)
	}

	a.Archiver = archive.NewArchiver(ctx, bucket, async.PoolConfig{
		Workers: ac.Workers,
		Queue:   ac.Queue,
		Timeout: 30 * time.Second,
	}, archive.WithAlerts(a.Alerts), archive.WithLogger(a.Logger))
	a.Shutdown.Register("archive", func(ctx context.Context) error {
		timeout := 10 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		return a.Archiver.Shutdown(timeout)
	})
	return nil
}

func (a *App) buildChain() *payments.Chain {
	p := a.Config.Providers

	var escrow payments.Escrow
	if p.EscrowURL != "" {
		escrow = payments.NewEscrowClient(p.EscrowURL, p.EscrowAPIKey, p.Timeout)
	}
	var card payments.CardCharger
	if p.StripeSecretKey != "" {
		card = payments.NewStripeCardClient(p.StripeSecretKey, payments.WithActionURLBase(p.ActionURLBase))
	}

	opts := []payments.ChainOption{
		payments.WithMetrics(a.Metrics),
		payments.WithMaxRetries(a.Config.Billing.MaxChargeRetries),
	}
	if d := a.Config.Billing.ProviderDelay; d > 0 {
		a.Logger.WithField("delay", d.String()).Warn("Provider delay injection enabled")
		opts = append(opts, payments.WithDelayInjector(billing.FixedDelay{Duration: d}))
	}
	return payments.NewChain(escrow, card, a.Logger, opts...)
}

func (a *App) buildOrchestrator() *subscriptions.Orchestrator {
	p := a.Config.Providers
	locker := customerlock.NewPostgresLocker(a.DB.Primary(), a.Logger, customerlock.WithMetrics(a.Metrics))

	opts := []subscriptions.Option{
		subscriptions.WithConfig(a.Config.Subscriptions()),
		subscriptions.WithAlerts(a.Alerts),
		subscriptions.WithLogger(a.Logger),
	}
	if p.KeyServiceURL != "" {
		opts = append(opts, subscriptions.WithKeyIssuer(clients.NewKeyIssuerClient(p.KeyServiceURL, p.KeyServiceAPIKey, p.Timeout)))
	}
	if p.UsageURL != "" {
		var usage subscriptions.UsagePreview = clients.NewUsageClient(p.UsageURL, p.UsageAPIKey, p.Timeout)
		if a.Redis != nil {
			usage = clients.NewCachedUsagePreview(usage, a.Redis, a.Config.Redis.UsageTTL, a.Logger, a.Metrics)
		}
		opts = append(opts, subscriptions.WithUsagePreview(usage))
	}
	if a.Archiver != nil {
		opts = append(opts, subscriptions.WithPaidHook(a.Archiver))
	}
	return subscriptions.NewOrchestrator(locker, a.Prices, a.buildChain(), opts...)
}

func (a *App) buildEngine() *reconcile.Engine {
	p := a.Config.Providers
	var verifier reconcile.SignatureVerifier = reconcile.NewHMACVerifier(p.WebhookSecret, p.WebhookTolerance)
	if p.WebhookAcceptAll {
		a.Logger.Warn("Webhook signature verification disabled")
		verifier = reconcile.AcceptAllVerifier{}
	}
	return reconcile.NewEngine(a.Orchestrator, a.Store,
		reconcile.WithVerifier(verifier),
		reconcile.WithSweepConcurrency(a.Config.Scheduler.Concurrency),
		reconcile.WithProcessedCache(10000, time.Hour),
		reconcile.WithActionURLBase(p.ActionURLBase),
		reconcile.WithMetrics(a.Metrics),
		reconcile.WithLogger(a.Logger),
	)
}

func (a *App) collectDBStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Metrics.UpdateDBStats(a.DB.Stats().Primary)
			if removed := a.DB.RemoveUnhealthyReplicas(ctx); removed > 0 {
				a.Logger.WithField("removed", removed).Warn("Removed unhealthy read replicas")
			}
		}
	}
}
