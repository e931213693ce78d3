// Package httputil provides HTTP handler utilities for consistent error handling,
// JSON encoding/decoding, and request parsing.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/platinummonkey/tollgate/pkg/billing"
)

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error            string `json:"error"`
	Code             string `json:"code,omitempty"`
	PaymentActionURL string `json:"payment_action_url,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes a successful creation response (201 Created) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	_ = WriteJSON(w, status, ErrorResponse{Error: message})
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteUnauthorized writes an unauthorized error (401)
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusUnauthorized, message)
}

// WriteTooManyRequests writes a rate limit error (429)
func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusTooManyRequests, message)
}

// WriteServiceUnavailable writes a service unavailable error (503)
func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusServiceUnavailable, message)
}

// StatusFor maps an error kind to its HTTP status
func StatusFor(kind billing.Kind) int {
	switch kind {
	case billing.KindValidation:
		return http.StatusBadRequest
	case billing.KindNotFound:
		return http.StatusNotFound
	case billing.KindConflict:
		return http.StatusConflict
	case billing.KindPaymentDeclined, billing.KindPaymentActionRequired:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// WriteServiceError writes a classified billing error. Unclassified and
// infrastructure errors get a generic message so internals never leak.
func WriteServiceError(w http.ResponseWriter, err error) {
	var be *billing.Error
	if !errors.As(err, &be) {
		if billing.KindOf(err) == billing.KindNotFound {
			WriteErrorMessage(w, http.StatusNotFound, "not found")
			return
		}
		WriteErrorMessage(w, http.StatusInternalServerError, "internal error, please retry")
		return
	}
	status := StatusFor(be.Kind)
	if status == http.StatusInternalServerError {
		_ = WriteJSON(w, status, ErrorResponse{Error: "internal error, please retry", Code: be.Code})
		return
	}
	_ = WriteJSON(w, status, ErrorResponse{
		Error:            be.Message,
		Code:             be.Code,
		PaymentActionURL: be.ActionURL,
	})
}
