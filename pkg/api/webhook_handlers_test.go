package api

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/reconcile"
)

func TestHandleWebhook(t *testing.T) {
	tests := []struct {
		name       string
		result     *reconcile.WebhookResult
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "processed",
			result:     &reconcile.WebhookResult{EventID: "evt_1"},
			wantStatus: http.StatusOK,
			wantBody:   `{"received":true}`,
		},
		{
			name:       "duplicate",
			result:     &reconcile.WebhookResult{EventID: "evt_1", Duplicate: true},
			wantStatus: http.StatusOK,
			wantBody:   `{"received":true,"duplicate":true}`,
		},
		{
			name:       "bad signature",
			err:        &billing.Error{Kind: billing.KindValidation, Code: "invalid_signature", Message: "signature mismatch"},
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":"invalid_signature"}`,
		},
		{
			name:       "processing failure",
			err:        errors.New("database is down"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"error":"processing failed, retry later"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockServer(t)
			var got reconcile.WebhookRequest
			m.reconciler.webhookFunc = func(req reconcile.WebhookRequest) (*reconcile.WebhookResult, error) {
				got = req
				return tt.result, tt.err
			}

			req := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewBufferString(`{"id":"evt_1"}`))
			req.Header.Set(reconcile.TimestampHeader, "1707555600")
			req.Header.Set(reconcile.SignatureHeader, "v1=abc")
			w := httptest.NewRecorder()
			m.server.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.JSONEq(t, tt.wantBody, w.Body.String())
			require.Equal(t, `{"id":"evt_1"}`, string(got.Body))
			assert.Equal(t, "1707555600", got.Timestamp)
			assert.Equal(t, "v1=abc", got.Signature)
		})
	}
}

func TestHandleWebhook_NoCustomerHeaderNeeded(t *testing.T) {
	m := newMockServer(t)
	m.reconciler.webhookFunc = func(req reconcile.WebhookRequest) (*reconcile.WebhookResult, error) {
		return &reconcile.WebhookResult{}, nil
	}

	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	m.server.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
