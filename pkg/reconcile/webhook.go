package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v83"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/notify"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/payments"
	"github.com/platinummonkey/tollgate/pkg/store"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// Provider event types with handlers
const (
	EventInvoicePaid           = "invoice.paid"
	EventPaymentSucceeded      = "payment_intent.succeeded"
	EventPaymentFailed         = "payment_intent.payment_failed"
	EventPaymentRequiresAction = "payment_intent.requires_action"
	EventSetupSucceeded        = "setup_intent.succeeded"
)

// WebhookRequest is one raw delivery
type WebhookRequest struct {
	Timestamp string
	Signature string
	Body      []byte
}

// WebhookResult describes how a verified delivery was handled
type WebhookResult struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Duplicate bool   `json:"duplicate"`
}

// route is a decoded event: who it belongs to and what it changes
type route struct {
	metadata map[string]string
	cardRef  string
	apply    func(ctx context.Context, tx *subscriptions.Tx) error
}

func rejected(code string, err error) error {
	return &billing.Error{Kind: billing.KindValidation, Code: code, Message: err.Error(), Err: err}
}

// HandleWebhook verifies and applies one provider event. Rejected
// deliveries return a validation error and leave no trace. Processing
// failures leave the event unprocessed so the provider's redelivery is safe.
func (e *Engine) HandleWebhook(ctx context.Context, req WebhookRequest) (result *WebhookResult, err error) {
	now := e.orch.Clock().Now()
	if err := e.verifier.Verify(req.Timestamp, req.Signature, req.Body, now); err != nil {
		e.metrics.WebhookEvent("unverified", "rejected")
		e.logger.WithError(err).Warn("Webhook rejected")
		return nil, rejected("invalid_webhook_signature", err)
	}

	var event stripe.Event
	if err := json.Unmarshal(req.Body, &event); err != nil {
		e.metrics.WebhookEvent("unparsed", "rejected")
		return nil, rejected("malformed_webhook", fmt.Errorf("failed to parse webhook event: %w", err))
	}
	if event.ID == "" {
		e.metrics.WebhookEvent("unparsed", "rejected")
		return nil, rejected("malformed_webhook", errors.New("webhook event has no id"))
	}
	eventType := string(event.Type)
	r, err := e.route(&event)
	if err != nil {
		e.metrics.WebhookEvent(eventType, "rejected")
		return nil, rejected("malformed_webhook", err)
	}

	ctx, span := observability.StartSpan(ctx, "reconcile.HandleWebhook",
		attribute.String("event.id", event.ID),
		attribute.String("event.type", eventType))
	defer func() { observability.EndSpan(span, err) }()

	result = &WebhookResult{EventID: event.ID, EventType: eventType}
	logger := e.logger.WithFields(map[string]interface{}{"event_id": event.ID, "event_type": eventType})

	done, err := e.isProcessed(ctx, event.ID)
	if err != nil {
		e.metrics.WebhookEvent(eventType, "error")
		return nil, err
	}
	if done {
		e.metrics.WebhookEvent(eventType, "duplicate")
		logger.Debug("Duplicate webhook ignored")
		result.Duplicate = true
		return result, nil
	}

	if _, err := e.store.InsertWebhookEvent(ctx, &billing.WebhookEvent{
		EventID:    event.ID,
		EventType:  eventType,
		Payload:    req.Body,
		ReceivedAt: now,
	}); err != nil {
		e.metrics.WebhookEvent(eventType, "error")
		return nil, err
	}

	duplicate, err := e.process(ctx, &event, r)
	if err != nil {
		e.metrics.WebhookEvent(eventType, "error")
		logger.WithError(err).Error("Webhook processing failed")
		return nil, err
	}
	e.processed.Add(event.ID, struct{}{})
	if duplicate {
		e.metrics.WebhookEvent(eventType, "duplicate")
		logger.Debug("Webhook processed concurrently by another delivery")
		result.Duplicate = true
		return result, nil
	}
	e.metrics.WebhookEvent(eventType, "processed")
	logger.Info("Webhook processed")
	return result, nil
}

func (e *Engine) isProcessed(ctx context.Context, eventID string) (bool, error) {
	if e.processed.Contains(eventID) {
		return true, nil
	}
	ev, err := e.store.GetWebhookEvent(ctx, eventID)
	if errors.Is(err, billing.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if ev.Processed {
		e.processed.Add(eventID, struct{}{})
	}
	return ev.Processed, nil
}

// route decodes the event object. Unhandled types route to nil.
func (e *Engine) route(event *stripe.Event) (*route, error) {
	decode := func(v interface{}) error {
		if event.Data == nil || len(event.Data.Raw) == 0 {
			return fmt.Errorf("webhook event %s has no data object", event.ID)
		}
		if err := json.Unmarshal(event.Data.Raw, v); err != nil {
			return fmt.Errorf("failed to decode %s object: %w", event.Type, err)
		}
		return nil
	}

	switch string(event.Type) {
	case EventInvoicePaid:
		var inv stripe.Invoice
		if err := decode(&inv); err != nil {
			return nil, err
		}
		return &route{metadata: inv.Metadata, cardRef: customerRef(inv.Customer), apply: func(ctx context.Context, tx *subscriptions.Tx) error {
			return e.settle(ctx, tx, inv.ID, inv.AmountPaid, inv.Metadata)
		}}, nil

	case EventPaymentSucceeded, EventPaymentFailed, EventPaymentRequiresAction:
		var pi stripe.PaymentIntent
		if err := decode(&pi); err != nil {
			return nil, err
		}
		r := &route{metadata: pi.Metadata, cardRef: customerRef(pi.Customer)}
		switch string(event.Type) {
		case EventPaymentSucceeded:
			r.apply = func(ctx context.Context, tx *subscriptions.Tx) error {
				return e.settle(ctx, tx, pi.ID, pi.AmountReceived, pi.Metadata)
			}
		case EventPaymentFailed:
			r.apply = func(ctx context.Context, tx *subscriptions.Tx) error { return e.paymentFailed(ctx, tx, &pi) }
		default:
			r.apply = func(ctx context.Context, tx *subscriptions.Tx) error { return e.requiresAction(ctx, tx, &pi) }
		}
		return r, nil

	case EventSetupSucceeded:
		var si stripe.SetupIntent
		if err := decode(&si); err != nil {
			return nil, err
		}
		return &route{metadata: si.Metadata, cardRef: customerRef(si.Customer), apply: func(ctx context.Context, tx *subscriptions.Tx) error {
			return e.setupSucceeded(ctx, tx, &si)
		}}, nil
	}
	return nil, nil
}

func customerRef(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

// process applies a routed event under the customer's lock and marks it
// processed in the same transaction. It reports true when another delivery
// of the event was processed first.
func (e *Engine) process(ctx context.Context, event *stripe.Event, r *route) (bool, error) {
	now := e.orch.Clock().Now()
	if r == nil {
		e.logger.WithField("event_type", string(event.Type)).Debug("Unhandled webhook type recorded")
		return false, e.store.MarkWebhookEventProcessed(ctx, event.ID, now)
	}

	customerID, ok, err := e.resolveCustomer(ctx, r)
	if err != nil {
		return false, err
	}
	if !ok {
		e.orch.Alerts().Raise(ctx, notify.NewAlert(notify.KindUnresolvedWebhookCustomer,
			"webhook event does not identify a known customer").
			With("event_id", event.ID).
			With("event_type", string(event.Type)).
			With("card_customer_ref", r.cardRef))
		return false, e.store.MarkWebhookEventProcessed(ctx, event.ID, now)
	}

	var duplicate bool
	err = e.orch.Locked(ctx, customerID, "webhook", func(ctx context.Context, tx *subscriptions.Tx) error {
		ev, err := tx.Repo.GetWebhookEvent(ctx, event.ID)
		if err != nil {
			return err
		}
		if ev.Processed {
			duplicate = true
			return nil
		}
		if err := r.apply(ctx, tx); err != nil {
			return err
		}
		return tx.Repo.MarkWebhookEventProcessed(ctx, event.ID, tx.Now)
	})
	if err != nil {
		return false, err
	}
	return duplicate, nil
}

func (e *Engine) resolveCustomer(ctx context.Context, r *route) (int64, bool, error) {
	if raw := r.metadata[payments.MetadataCustomerID]; raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			_, err := e.store.GetCustomer(ctx, id)
			switch {
			case err == nil:
				return id, true, nil
			case !errors.Is(err, billing.ErrNotFound):
				return 0, false, err
			}
		}
	}
	if r.cardRef == "" {
		return 0, false, nil
	}
	id, err := e.store.FindCustomerByCardRef(ctx, r.cardRef)
	if errors.Is(err, billing.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// recordFor loads the billing record an event names. Integrity problems
// raise an alert and report false so the event is closed without changes.
func (e *Engine) recordFor(ctx context.Context, tx *subscriptions.Tx, ref string, metadata map[string]string) (*billing.BillingRecord, bool, error) {
	unknown := func(msg string) {
		e.orch.Alerts().Raise(ctx, notify.NewAlert(notify.KindUnknownBillingRecord, msg).
			ForCustomer(tx.Customer.ID).
			With("provider_reference", ref).
			With(payments.MetadataBillingRecordID, metadata[payments.MetadataBillingRecordID]))
	}

	id, err := strconv.ParseInt(metadata[payments.MetadataBillingRecordID], 10, 64)
	if err != nil {
		unknown("provider event carries no billing record id")
		return nil, false, nil
	}
	rec, err := tx.Repo.GetRecord(ctx, id)
	if errors.Is(err, billing.ErrNotFound) {
		unknown("provider event references a billing record that does not exist")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if rec.CustomerID != tx.Customer.ID {
		unknown("provider event references another customer's billing record")
		return nil, false, nil
	}
	return rec, true, nil
}

// settle applies a provider-side payment. The provider amount is
// authoritative; a mismatch alerts but still settles.
func (e *Engine) settle(ctx context.Context, tx *subscriptions.Tx, ref string, amount int64, metadata map[string]string) error {
	rec, ok, err := e.recordFor(ctx, tx, ref, metadata)
	if err != nil || !ok {
		return err
	}
	logger := e.logger.WithCustomer(tx.Customer.ID, "webhook").WithFields(map[string]interface{}{
		"billing_record_id":  rec.ID,
		"provider_reference": ref,
	})
	if rec.IsSettled() {
		logger.WithField("status", string(rec.Status)).Info("Billing record already settled")
		return nil
	}
	exists, err := tx.Repo.PaymentExists(ctx, billing.PaymentSourceStripe, ref)
	if err != nil {
		return err
	}
	if exists {
		logger.Info("Provider payment already recorded")
		return nil
	}

	if amount != rec.RemainingCents() {
		e.orch.Alerts().Raise(ctx, notify.NewAlert(notify.KindAmountMismatch,
			fmt.Sprintf("provider settled %s, invoice expected %s", billing.FormatUSD(amount), billing.FormatUSD(rec.RemainingCents()))).
			ForCustomer(tx.Customer.ID).
			ForRecord(rec.ID).
			With("expected_cents", rec.RemainingCents()).
			With("received_cents", amount).
			With("provider_reference", ref))
	}

	if amount > 0 {
		if err := tx.Repo.AddPayment(ctx, &billing.InvoicePayment{
			BillingRecordID:     rec.ID,
			SourceType:          billing.PaymentSourceStripe,
			AmountCents:         amount,
			ProviderReferenceID: ref,
		}); err != nil {
			return err
		}
	}
	marked, err := tx.Repo.MarkPaid(ctx, rec.ID, rec.AmountPaidCents+amount, billing.PaymentSourceStripe, tx.Now)
	if err != nil {
		return err
	}
	if !marked {
		logger.Info("Billing record already paid, nothing to mark")
		return nil
	}
	tx.NoteExternalSettlement(billing.PaymentSourceStripe, ref)
	e.metrics.RecordSettled(string(rec.Type), "webhook")

	paid, err := tx.Repo.GetRecord(ctx, rec.ID)
	if err != nil {
		return err
	}
	logger.WithField("amount_cents", amount).Info("Billing record paid by provider")
	return e.orch.AfterPaid(ctx, tx, paid, true)
}

func (e *Engine) paymentFailed(ctx context.Context, tx *subscriptions.Tx, pi *stripe.PaymentIntent) error {
	rec, ok, err := e.recordFor(ctx, tx, pi.ID, pi.Metadata)
	if err != nil || !ok {
		return err
	}
	if rec.Status != billing.RecordStatusPending {
		return nil
	}
	if pi.ID != "" && rec.LastCardIntentID == pi.ID {
		e.logger.WithCustomer(tx.Customer.ID, "webhook").WithFields(map[string]interface{}{
			"billing_record_id": rec.ID,
			"intent_id":         pi.ID,
		}).Debug("Failed payment already counted for this intent")
		return nil
	}
	reason := "payment_failed"
	if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
		reason = pi.LastPaymentError.Msg
	}
	updated, err := tx.Repo.RecordChargeAttempt(ctx, rec.ID, store.ChargeAttempt{
		At:            tx.Now,
		FailureReason: reason,
		CardIntentID:  pi.ID,
		MaxRetries:    e.orch.Config().ChargeRetry.MaxAttempts,
	})
	if err != nil {
		return err
	}
	e.logger.WithCustomer(tx.Customer.ID, "webhook").WithFields(map[string]interface{}{
		"billing_record_id": rec.ID,
		"reason":            reason,
		"status":            string(updated.Status),
	}).Warn("Provider reported a failed payment")
	return nil
}

func (e *Engine) requiresAction(ctx context.Context, tx *subscriptions.Tx, pi *stripe.PaymentIntent) error {
	rec, ok, err := e.recordFor(ctx, tx, pi.ID, pi.Metadata)
	if err != nil || !ok {
		return err
	}
	url := payments.IntentActionURL(pi, e.actionURLBase)
	if rec.IsSettled() || url == "" {
		return nil
	}
	return tx.Repo.SetPaymentActionURL(ctx, rec.ID, url)
}

// setupSucceeded stores the new card and immediately retries everything
// the customer owes
func (e *Engine) setupSucceeded(ctx context.Context, tx *subscriptions.Tx, si *stripe.SetupIntent) error {
	if si.PaymentMethod == nil || si.PaymentMethod.ID == "" {
		e.logger.WithCustomer(tx.Customer.ID, "webhook").WithField("setup_intent", si.ID).
			Warn("Setup intent has no payment method")
		return nil
	}
	if err := tx.Repo.UpsertPaymentMethod(ctx, &billing.PaymentMethod{
		CustomerID:        tx.Customer.ID,
		ProviderType:      billing.PaymentSourceStripe,
		ProviderMethodRef: si.PaymentMethod.ID,
		Priority:          0,
		Status:            billing.PaymentMethodActive,
	}); err != nil {
		return err
	}
	if ref := customerRef(si.Customer); ref != "" && tx.Customer.CardCustomerRef == "" {
		tx.Customer.CardCustomerRef = ref
		if err := tx.Repo.UpdateCustomer(ctx, tx.Customer); err != nil {
			return err
		}
	}
	_, err := e.orch.ReconcileOutstanding(ctx, tx, "webhook", true)
	return err
}
