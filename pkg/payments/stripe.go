package payments

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/paymentintent"
)

// StripeCardClient charges saved cards off-session through PaymentIntents
type StripeCardClient struct {
	intents       *paymentintent.Client
	actionURLBase string
}

// StripeOption configures a StripeCardClient
type StripeOption func(*StripeCardClient)

// WithStripeBackend replaces the API backend, mainly for tests
func WithStripeBackend(b stripe.Backend) StripeOption {
	return func(c *StripeCardClient) { c.intents.B = b }
}

// WithActionURLBase sets the page where customers finish an intent that needs
// authentication but carries no redirect of its own
func WithActionURLBase(base string) StripeOption {
	return func(c *StripeCardClient) { c.actionURLBase = strings.TrimRight(base, "/") }
}

// NewStripeCardClient creates a card client for the given secret key
func NewStripeCardClient(apiKey string, opts ...StripeOption) *StripeCardClient {
	c := &StripeCardClient{
		intents: &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: apiKey},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChargeOffSession creates and confirms a PaymentIntent for a saved method
func (c *StripeCardClient) ChargeOffSession(ctx context.Context, req CardChargeRequest) (*CardCharge, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(string(stripe.CurrencyUSD)),
		Customer:      stripe.String(req.CustomerRef),
		PaymentMethod: stripe.String(req.PaymentMethodRef),
		Description:   stripe.String(req.Description),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := c.intents.New(params)
	if err != nil {
		return c.classifyError(err)
	}
	return c.fromIntent(pi), nil
}

// CancelIntent cancels an intent that was left waiting for customer action
func (c *StripeCardClient) CancelIntent(ctx context.Context, intentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := c.intents.Cancel(intentID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
			// already canceled or succeeded
			return nil
		}
		return fmt.Errorf("failed to cancel payment intent %s: %w", intentID, err)
	}
	return nil
}

func (c *StripeCardClient) fromIntent(pi *stripe.PaymentIntent) *CardCharge {
	res := &CardCharge{IntentID: pi.ID}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		res.Status = CardSucceeded
	case stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusRequiresConfirmation:
		res.Status = CardRequiresAction
		res.ActionURL = c.actionURL(pi)
	default:
		res.Status = CardDeclined
		res.FailureReason = string(pi.Status)
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			res.FailureReason = pi.LastPaymentError.Msg
		}
	}
	return res
}

func (c *StripeCardClient) actionURL(pi *stripe.PaymentIntent) string {
	return IntentActionURL(pi, c.actionURLBase)
}

// IntentActionURL returns where the customer completes an intent: the
// provider's redirect when present, otherwise base with the intent id.
func IntentActionURL(pi *stripe.PaymentIntent, base string) string {
	if pi.NextAction != nil && pi.NextAction.RedirectToURL != nil && pi.NextAction.RedirectToURL.URL != "" {
		return pi.NextAction.RedirectToURL.URL
	}
	if base == "" {
		return ""
	}
	return base + "?payment_intent=" + url.QueryEscape(pi.ID)
}

// classifyError turns card errors into declines and keeps the rest as errors
func (c *StripeCardClient) classifyError(err error) (*CardCharge, error) {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) || stripeErr.Type != stripe.ErrorTypeCard {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}

	res := &CardCharge{Status: CardDeclined, FailureReason: string(stripeErr.Code)}
	if stripeErr.DeclineCode != "" {
		res.FailureReason = string(stripeErr.DeclineCode)
	}
	if stripeErr.PaymentIntent != nil {
		res.IntentID = stripeErr.PaymentIntent.ID
	}
	if stripeErr.Code == stripe.ErrorCodeAuthenticationRequired && stripeErr.PaymentIntent != nil {
		res.Status = CardRequiresAction
		res.FailureReason = ReasonRequiresAction
		res.ActionURL = c.actionURL(stripeErr.PaymentIntent)
	}
	return res, nil
}
