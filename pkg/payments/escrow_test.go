package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/billing"
)

func newEscrowServer(t *testing.T, handler http.HandlerFunc) *EscrowClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewEscrowClient(srv.URL, "secret", 0)
}

func TestEscrowClient_Charge(t *testing.T) {
	ctx := context.Background()

	t.Run("settled", func(t *testing.T) {
		client := newEscrowServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/accounts/acct%2F1/charges", r.URL.EscapedPath())
			assert.Equal(t, "inv-9-0", r.Header.Get("Idempotency-Key"))
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

			var body escrowAmount
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, int64(1200), body.AmountCents)
			_ = json.NewEncoder(w).Encode(EscrowCharge{Reference: "0xabc", BalanceCents: 800})
		})

		res, err := client.Charge(ctx, "acct/1", 1200, "Pro tier", "inv-9-0")
		require.NoError(t, err)
		assert.Equal(t, EscrowSettled, res.Status)
		assert.Equal(t, "0xabc", res.Reference)
	})

	t.Run("declined", func(t *testing.T) {
		client := newEscrowServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(EscrowCharge{BalanceCents: 5})
		})

		res, err := client.Charge(ctx, "acct", 1200, "", "k")
		require.NoError(t, err)
		assert.Equal(t, EscrowDeclined, res.Status)
		assert.Equal(t, "insufficient_escrow_balance", res.FailureReason)
	})

	t.Run("server error", func(t *testing.T) {
		client := newEscrowServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"code":"node_unavailable","message":"rpc down"}`))
		})

		_, err := client.Charge(ctx, "acct", 1200, "", "k")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
		assert.Contains(t, err.Error(), "node_unavailable")
	})
}

func TestEscrowClient_Balances(t *testing.T) {
	ctx := context.Background()
	client := newEscrowServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/accounts/acct/deposits":
			_, _ = w.Write([]byte(`{"balance_usd_cents":1500}`))
		case "/v1/accounts/acct/withdrawals":
			w.WriteHeader(http.StatusPaymentRequired)
		case "/v1/accounts/acct/balance":
			assert.Equal(t, http.MethodGet, r.Method)
			_, _ = w.Write([]byte(`{"balance_usd_cents":1500}`))
		case "/v1/accounts/acct/spending-limit":
			assert.Equal(t, http.MethodPut, r.Method)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})

	balance, err := client.Deposit(ctx, "acct", 500)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), balance)

	_, err = client.Withdraw(ctx, "acct", 5000)
	assert.True(t, billing.IsKind(err, billing.KindConflict))

	balance, err = client.Balance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), balance)

	assert.NoError(t, client.UpdateSpendingLimit(ctx, "acct", 2000))
}
