package api

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/reconcile"
)

// WebhookHandlers receives payment provider events
type WebhookHandlers struct {
	reconciler Reconciler
}

// NewWebhookHandlers creates a new WebhookHandlers
func NewWebhookHandlers(reconciler Reconciler) *WebhookHandlers {
	return &WebhookHandlers{reconciler: reconciler}
}

// RegisterRoutes registers webhook routes
func (h *WebhookHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/payments/webhook", h.HandleWebhook).Methods(http.MethodPost)
}

// HandleWebhook verifies and applies one delivery. Rejected deliveries get
// 400 and are not retried by the provider; processing failures get 500 so
// the provider redelivers.
func (h *WebhookHandlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	logger := observability.FromContext(r.Context())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, "unreadable body")
		return
	}

	res, err := h.reconciler.HandleWebhook(r.Context(), reconcile.WebhookRequest{
		Timestamp: r.Header.Get(reconcile.TimestampHeader),
		Signature: r.Header.Get(reconcile.SignatureHeader),
		Body:      body,
	})
	switch {
	case err == nil:
	case billing.IsKind(err, billing.KindValidation):
		logger.WithError(err).Warn("Webhook rejected")
		httputil.WriteBadRequest(w, billing.CodeOf(err))
		return
	default:
		logger.WithError(err).Error("Webhook processing failed")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "processing failed, retry later")
		return
	}

	httputil.WriteSuccess(w, WebhookResponse{Received: true, Duplicate: res.Duplicate})
}
