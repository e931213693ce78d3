// Package config loads tollgate configuration from environment variables.
//
// Every setting has a default suitable for local development, so an empty
// environment produces a valid development configuration. Production
// deployments must provide a webhook signing secret.
//
// Server settings:
//
//	TOLLGATE_ENV="development"            # production, staging, development
//	TOLLGATE_HOST="0.0.0.0"
//	TOLLGATE_PORT="8080"
//	TOLLGATE_RATE_LIMIT_PER_MINUTE="60"
//
// Storage:
//
//	TOLLGATE_DATABASE_URL="postgres://tollgate@localhost/tollgate?sslmode=disable"
//	TOLLGATE_DATABASE_REPLICA_URLS="postgres://replica1/tollgate,postgres://replica2/tollgate"
//	TOLLGATE_REDIS_URL="redis://localhost:6379/0"
//	TOLLGATE_USAGE_CACHE_TTL="1m"
//
// Billing:
//
//	TOLLGATE_PRICING_FILE="pricing.yaml"
//	TOLLGATE_MIN_SPENDING_LIMIT_CENTS="1000"
//	TOLLGATE_RESUBSCRIBE_COOLDOWN="168h"
//	TOLLGATE_MAX_SUBSCRIPTIONS_PER_DAY="5"
//	TOLLGATE_GRACE_PERIOD_DAYS="14"
//	TOLLGATE_PRORATION_BASIS="original_start"   # or reconciliation_date
//	TOLLGATE_MAX_CHARGE_RETRIES="3"
//
// Providers:
//
//	TOLLGATE_ESCROW_URL, TOLLGATE_ESCROW_API_KEY
//	TOLLGATE_STRIPE_SECRET_KEY
//	TOLLGATE_PAYMENT_ACTION_URL
//	TOLLGATE_KEY_SERVICE_URL, TOLLGATE_USAGE_URL
//	TOLLGATE_WEBHOOK_SECRET, TOLLGATE_WEBHOOK_TOLERANCE="300s"
//
// Scheduler:
//
//	TOLLGATE_SWEEP_SCHEDULE="*/15 * * * *"
//	TOLLGATE_SCHEDULES_SCHEDULE="5 * * * *"
//	TOLLGATE_CLOSE_PERIOD_SCHEDULE="10 0 1 * *"
//	TOLLGATE_GRACE_SCHEDULE="20 * * * *"
//
// Archive and alerts:
//
//	TOLLGATE_ARCHIVE_BUCKET, TOLLGATE_ARCHIVE_REGION, TOLLGATE_ARCHIVE_ENDPOINT
//	TOLLGATE_ALERT_WEBHOOK_URL, TOLLGATE_ALERT_WEBHOOK_SECRET, TOLLGATE_ALERT_SLACK_URL
//
// Observability:
//
//	TOLLGATE_LOG_LEVEL="info"
//	TOLLGATE_OTEL_ENABLED="false"
//	TOLLGATE_OTEL_ENDPOINT="localhost:4317"
//
// Usage:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
