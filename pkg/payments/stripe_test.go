package payments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"
)

func newStripeClient(t *testing.T, status int, body string) *StripeCardClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "true", r.PostForm.Get("off_session"))
		assert.Equal(t, "true", r.PostForm.Get("confirm"))
		assert.Equal(t, "42", r.PostForm.Get("metadata[billing_record_id]"))
		assert.Equal(t, "inv-42-0", r.Header.Get("Idempotency-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return NewStripeCardClient("sk_test_123", WithStripeBackend(backend), WithActionURLBase("https://billing.example/confirm/"))
}

// newCountingStripeClient answers every request with body and counts the hits
func newCountingStripeClient(t *testing.T, body string) (*StripeCardClient, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return NewStripeCardClient("sk_test_123", WithStripeBackend(backend)), &hits
}

func cardRequest() CardChargeRequest {
	return CardChargeRequest{
		CustomerRef:      "cus_1",
		PaymentMethodRef: "pm_1",
		AmountCents:      1500,
		Description:      "Pro tier",
		IdempotencyKey:   "inv-42-0",
		Metadata:         map[string]string{MetadataBillingRecordID: "42"},
	}
}

func TestStripeCardClient_ChargeOffSession(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeded", func(t *testing.T) {
		client := newStripeClient(t, http.StatusOK, `{"id":"pi_1","object":"payment_intent","status":"succeeded","amount":1500}`)
		res, err := client.ChargeOffSession(ctx, cardRequest())
		require.NoError(t, err)
		assert.Equal(t, CardSucceeded, res.Status)
		assert.Equal(t, "pi_1", res.IntentID)
	})

	t.Run("requires action with redirect", func(t *testing.T) {
		client := newStripeClient(t, http.StatusOK, `{"id":"pi_2","object":"payment_intent","status":"requires_action",
			"next_action":{"type":"redirect_to_url","redirect_to_url":{"url":"https://hooks.stripe.com/3ds"}}}`)
		res, err := client.ChargeOffSession(ctx, cardRequest())
		require.NoError(t, err)
		assert.Equal(t, CardRequiresAction, res.Status)
		assert.Equal(t, "https://hooks.stripe.com/3ds", res.ActionURL)
	})

	t.Run("card declined", func(t *testing.T) {
		client := newStripeClient(t, http.StatusPaymentRequired, `{"error":{"type":"card_error","code":"card_declined",
			"decline_code":"insufficient_funds","message":"Your card has insufficient funds."}}`)
		res, err := client.ChargeOffSession(ctx, cardRequest())
		require.NoError(t, err)
		assert.Equal(t, CardDeclined, res.Status)
		assert.Equal(t, "insufficient_funds", res.FailureReason)
	})

	t.Run("authentication required", func(t *testing.T) {
		client := newStripeClient(t, http.StatusPaymentRequired, `{"error":{"type":"card_error","code":"authentication_required",
			"message":"This payment requires authentication.",
			"payment_intent":{"id":"pi_3","object":"payment_intent","status":"requires_payment_method"}}}`)
		res, err := client.ChargeOffSession(ctx, cardRequest())
		require.NoError(t, err)
		assert.Equal(t, CardRequiresAction, res.Status)
		assert.Equal(t, "pi_3", res.IntentID)
		assert.Equal(t, "https://billing.example/confirm?payment_intent=pi_3", res.ActionURL)
	})

	t.Run("api error", func(t *testing.T) {
		client := newStripeClient(t, http.StatusInternalServerError, `{"error":{"type":"api_error","message":"boom"}}`)
		_, err := client.ChargeOffSession(ctx, cardRequest())
		require.Error(t, err)
	})
}

func TestStripeCardClient_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	t.Run("charge", func(t *testing.T) {
		client, hits := newCountingStripeClient(t, `{"id":"pi_1","object":"payment_intent","status":"succeeded"}`)
		res, err := client.ChargeOffSession(ctx, cardRequest())
		require.Error(t, err)
		assert.Nil(t, res)
		assert.Zero(t, hits.Load())
	})

	t.Run("cancel intent", func(t *testing.T) {
		client, hits := newCountingStripeClient(t, `{"id":"pi_1","object":"payment_intent","status":"canceled"}`)
		err := client.CancelIntent(ctx, "pi_1")
		require.Error(t, err)
		assert.Zero(t, hits.Load())
	})
}
