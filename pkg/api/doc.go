// Package api provides the HTTP surface of the billing engine.
//
// The API is built on gorilla/mux and organized into handler groups:
//
//   - Webhooks: POST /payments/webhook receives signed payment provider events
//   - Billing: authenticated customer routes under /billing for service
//     lifecycle, funds, invoices and the draft preview
//   - Operations: /health/live, /health/ready and /metrics
//
// Customers are identified by the X-Customer-ID header set by the gateway
// and registered on first use. Mutating billing routes are rate limited per
// customer when Redis is configured.
//
// Errors are classified billing errors rendered by httputil.WriteServiceError:
//
//	{"error": "charge of $30.00 exceeds the remaining spending limit of $10.00", "code": "spending_limit_too_low"}
//
// Usage:
//
//	server := api.NewServer(api.Dependencies{
//		Subscriptions: orchestrator,
//		Reconciler:    engine,
//		Ledger:        store,
//		Catalog:       prices,
//		Redis:         redisClient,
//		Health:        checker,
//		Registry:      registry,
//		Metrics:       metrics,
//		Logger:        logger,
//	})
//	http.ListenAndServe(":8080", server)
package api
