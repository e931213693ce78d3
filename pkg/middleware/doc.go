// Package middleware provides the HTTP middleware in front of the billing API:
// request ids, customer authentication and per-customer rate limiting.
//
//	router.Use(middleware.RequestID(logger))
//	billingRoutes.Use(middleware.CustomerAuth(middleware.HeaderAuthenticator{}, store))
//	billingRoutes.Use(middleware.NewCustomerRateLimit(redisClient, nil, logger).Handler)
//
// The rate limiter is a fixed window counter in Redis shared by every API
// instance. Redis failures let the request through.
package middleware
