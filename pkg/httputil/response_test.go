package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/billing"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	err := WriteJSON(w, http.StatusOK, map[string]string{"message": "success"})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "success")
}

func TestWriteCreated(t *testing.T) {
	w := httptest.NewRecorder()
	assert.NoError(t, WriteCreated(w, map[string]int{"id": 123}))
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "123")
}

func TestWriteNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	WriteNoContent(w)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestWriteErrorHelpers(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
	}{
		{"bad request", func(w http.ResponseWriter) { WriteBadRequest(w, "nope") }, http.StatusBadRequest},
		{"unauthorized", func(w http.ResponseWriter) { WriteUnauthorized(w, "nope") }, http.StatusUnauthorized},
		{"too many requests", func(w http.ResponseWriter) { WriteTooManyRequests(w, "nope") }, http.StatusTooManyRequests},
		{"unavailable", func(w http.ResponseWriter) { WriteServiceUnavailable(w, "nope") }, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)
			assert.Equal(t, tt.status, w.Code)
			assert.JSONEq(t, `{"error":"nope"}`, w.Body.String())
		})
	}
}

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		want   ErrorResponse
	}{
		{
			name:   "validation",
			err:    billing.Validation(billing.CodeUnknownTier, "unknown tier gold"),
			status: http.StatusBadRequest,
			want:   ErrorResponse{Error: "unknown tier gold", Code: billing.CodeUnknownTier},
		},
		{
			name:   "wrapped not found",
			err:    fmt.Errorf("failed to load: %w", billing.NotFound("service")),
			status: http.StatusNotFound,
			want:   ErrorResponse{Error: "service not found", Code: "not_found"},
		},
		{
			name:   "bare not found sentinel",
			err:    fmt.Errorf("failed to load: %w", billing.ErrNotFound),
			status: http.StatusNotFound,
			want:   ErrorResponse{Error: "not found"},
		},
		{
			name:   "conflict",
			err:    billing.Conflict("busy", "try later"),
			status: http.StatusConflict,
			want:   ErrorResponse{Error: "try later", Code: "busy"},
		},
		{
			name:   "declined",
			err:    billing.Declined("insufficient_funds"),
			status: http.StatusPaymentRequired,
		},
		{
			name:   "action required",
			err:    billing.ActionRequired("https://pay.example.com/3ds"),
			status: http.StatusPaymentRequired,
		},
		{
			name:   "integrity is hidden",
			err:    billing.Integrity("amount_mismatch", "secret detail"),
			status: http.StatusInternalServerError,
			want:   ErrorResponse{Error: "internal error, please retry", Code: "amount_mismatch"},
		},
		{
			name:   "unclassified is hidden",
			err:    errors.New("pq: connection refused"),
			status: http.StatusInternalServerError,
			want:   ErrorResponse{Error: "internal error, please retry"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteServiceError(w, tt.err)
			assert.Equal(t, tt.status, w.Code)

			var got ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			if tt.want != (ErrorResponse{}) {
				assert.Equal(t, tt.want, got)
			}
			if billing.IsKind(tt.err, billing.KindPaymentActionRequired) {
				assert.Equal(t, "https://pay.example.com/3ds", got.PaymentActionURL)
			}
		})
	}
}
