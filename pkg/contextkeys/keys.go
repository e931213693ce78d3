// Package contextkeys provides centralized context key definitions
//
// All context keys used across the application are defined here. This
// prevents collisions and makes key usage discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/tollgate/pkg/contextkeys"
//	ctx = context.WithValue(ctx, contextkeys.CustomerIDKey, customerID)
//	customerID, ok := ctx.Value(contextkeys.CustomerIDKey).(int64)
package contextkeys

// Key is the type for context keys to prevent collisions
type Key string

const (
	// RequestIDKey contains request ID string (UUID)
	// Set by: middleware.RequestID
	// Used by: Logger, alert payloads
	// Type: string
	RequestIDKey Key = "request_id"

	// CustomerIDKey contains the authenticated customer ID
	// Set by: middleware.CustomerAuth
	// Used by: Logger, billing API handlers, rate limiter
	// Type: int64
	CustomerIDKey Key = "customer_id"

	// LoggerKey contains *observability.Logger
	// Set by: middleware.RequestID
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"

	// CustomerLockKey marks a context that already holds a customer lock
	// Set by: customerlock.PostgresLocker, memstore.Store
	// Used by: lock implementations to reject nested acquisition
	// Type: int64
	CustomerLockKey Key = "customer_lock"
)
