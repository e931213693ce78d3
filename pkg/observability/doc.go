// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry export, health checks and graceful shutdown.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithCustomer(customerID, "subscribe").Info("Service subscribed")
//
// Handlers pull a request scoped logger carrying request, customer and trace
// ids from the context:
//
//	observability.FromContext(ctx).WithError(err).Error("Reconcile failed")
//
// # Metrics
//
// Billing metrics are registered on a caller supplied registry and may be
// mirrored to OpenTelemetry instruments:
//
//	metrics := observability.NewMetrics(registry).WithOTel(otelMetrics)
//	metrics.ChargeAttempt("escrow", "success", 1500)
//
// All recording methods are no-ops on a nil *Metrics.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version,
//		observability.DatabaseCheck(connections.HealthCheck),
//		observability.RedisCheck(redisClient))
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "tollgate-api",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
