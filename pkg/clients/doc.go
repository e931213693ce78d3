// Package clients implements the HTTP collaborators the orchestrator calls
// outside of money movement: API key issuance and usage charge previews.
//
// Usage previews are read on every draft recompute, so CachedUsagePreview
// keeps them in Redis for a short TTL:
//
//	usage := clients.NewUsageClient(cfg.UsageURL, cfg.UsageAPIKey, 5*time.Second)
//	cached := clients.NewCachedUsagePreview(usage, redisClient, time.Minute, logger, metrics)
//	orch := subscriptions.NewOrchestrator(locker, prices, chain,
//		subscriptions.WithUsagePreview(cached))
package clients
