// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Errors
//
// Handlers return billing errors through WriteServiceError, which maps the
// error kind to a status:
//
//	validation               400
//	not_found                404
//	conflict                 409
//	payment_declined         402
//	payment_action_required  402, with payment_action_url
//	anything else            500, generic retryable message
//
// # Request Parsing
//
//	var req subscribeRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RecoveryMiddleware,
//		httputil.LoggingMiddleware,
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
