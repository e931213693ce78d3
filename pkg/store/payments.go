package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/billing"
)

// AddPayment appends a settlement and grows the record's paid amount
func (r *PostgresRepository) AddPayment(ctx context.Context, p *billing.InvoicePayment) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE billing_records SET amount_paid_usd_cents = amount_paid_usd_cents + $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'failed')`, p.BillingRecordID, p.AmountCents)
	if err != nil {
		return fmt.Errorf("failed to update paid amount: %w", err)
	}
	if err := expectOneRow(res, billing.Conflict("record_not_payable", "payments can only be applied to pending or failed records")); err != nil {
		return err
	}
	err = r.q.QueryRowContext(ctx, `
		INSERT INTO invoice_payments (billing_record_id, source_type, amount_usd_cents, provider_reference_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		p.BillingRecordID, p.SourceType, p.AmountCents, nullString(p.ProviderReferenceID),
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert invoice payment: %w", err)
	}
	return nil
}

// ListPayments lists a record's settlements in order
func (r *PostgresRepository) ListPayments(ctx context.Context, recordID int64) ([]*billing.InvoicePayment, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, billing_record_id, source_type, amount_usd_cents, provider_reference_id, created_at
		FROM invoice_payments WHERE billing_record_id = $1 ORDER BY id`, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []*billing.InvoicePayment
	for rows.Next() {
		var p billing.InvoicePayment
		var ref sql.NullString
		if err := rows.Scan(&p.ID, &p.BillingRecordID, &p.SourceType, &p.AmountCents, &ref, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.ProviderReferenceID = ref.String
		payments = append(payments, &p)
	}
	return payments, rows.Err()
}

// PaymentExists reports whether a provider reference was already applied
func (r *PostgresRepository) PaymentExists(ctx context.Context, source billing.PaymentSource, providerRef string) (bool, error) {
	var exists bool
	err := r.q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM invoice_payments WHERE source_type = $1 AND provider_reference_id = $2)`,
		source, providerRef).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check payment: %w", err)
	}
	return exists, nil
}

// ListAvailableCredits lists unexpired credits with a balance, oldest first
func (r *PostgresRepository) ListAvailableCredits(ctx context.Context, customerID int64, asOf time.Time) ([]*billing.CustomerCredit, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, customer_id, reason, description, original_amount_usd_cents, remaining_amount_usd_cents,
			billing_record_id, expires_at, created_at
		FROM customer_credits
		WHERE customer_id = $1 AND remaining_amount_usd_cents > 0 AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY created_at, id`, customerID, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to list credits: %w", err)
	}
	defer rows.Close()

	var credits []*billing.CustomerCredit
	for rows.Next() {
		var c billing.CustomerCredit
		var recordID sql.NullInt64
		var expires sql.NullTime
		if err := rows.Scan(&c.ID, &c.CustomerID, &c.Reason, &c.Description, &c.OriginalAmountCents,
			&c.RemainingAmountCents, &recordID, &expires, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credit: %w", err)
		}
		c.BillingRecordID = int64Ptr(recordID)
		c.ExpiresAt = timePtr(expires)
		credits = append(credits, &c)
	}
	return credits, rows.Err()
}

// ConsumeCredit draws amountCents from a credit's remaining balance
func (r *PostgresRepository) ConsumeCredit(ctx context.Context, creditID, amountCents int64) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE customer_credits SET remaining_amount_usd_cents = remaining_amount_usd_cents - $2
		WHERE id = $1 AND remaining_amount_usd_cents >= $2`, creditID, amountCents)
	if err != nil {
		return fmt.Errorf("failed to consume credit: %w", err)
	}
	return expectOneRow(res, billing.Conflict("credit_insufficient", "credit balance is lower than the amount consumed"))
}

// IssueCredit grants a credit. Remaining defaults to the original amount.
func (r *PostgresRepository) IssueCredit(ctx context.Context, c *billing.CustomerCredit) error {
	if c.RemainingAmountCents == 0 {
		c.RemainingAmountCents = c.OriginalAmountCents
	}
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO customer_credits (
			customer_id, reason, description, original_amount_usd_cents, remaining_amount_usd_cents,
			billing_record_id, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		c.CustomerID, c.Reason, c.Description, c.OriginalAmountCents, c.RemainingAmountCents,
		nullInt64(c.BillingRecordID), nullTime(c.ExpiresAt),
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to issue credit: %w", err)
	}
	return nil
}

// ListPaymentMethods lists active methods by priority
func (r *PostgresRepository) ListPaymentMethods(ctx context.Context, customerID int64) ([]*billing.PaymentMethod, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, customer_id, provider_type, provider_method_ref, priority, status, created_at
		FROM customer_payment_methods
		WHERE customer_id = $1 AND status = 'active'
		ORDER BY priority, id`, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment methods: %w", err)
	}
	defer rows.Close()

	var methods []*billing.PaymentMethod
	for rows.Next() {
		var pm billing.PaymentMethod
		if err := rows.Scan(&pm.ID, &pm.CustomerID, &pm.ProviderType, &pm.ProviderMethodRef,
			&pm.Priority, &pm.Status, &pm.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment method: %w", err)
		}
		methods = append(methods, &pm)
	}
	return methods, rows.Err()
}

// UpsertPaymentMethod inserts a method or refreshes its priority and status
func (r *PostgresRepository) UpsertPaymentMethod(ctx context.Context, pm *billing.PaymentMethod) error {
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO customer_payment_methods (customer_id, provider_type, provider_method_ref, priority, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (customer_id, provider_type, provider_method_ref)
		DO UPDATE SET priority = EXCLUDED.priority, status = EXCLUDED.status
		RETURNING id, created_at`,
		pm.CustomerID, pm.ProviderType, pm.ProviderMethodRef, pm.Priority, pm.Status,
	).Scan(&pm.ID, &pm.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert payment method: %w", err)
	}
	return nil
}

// Webhook events

func getWebhookEvent(ctx context.Context, q Querier, eventID string) (*billing.WebhookEvent, error) {
	var ev billing.WebhookEvent
	var processedAt sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT event_id, event_type, processed, payload, received_at, processed_at
		FROM payment_webhook_events WHERE event_id = $1`, eventID,
	).Scan(&ev.EventID, &ev.EventType, &ev.Processed, &ev.Payload, &ev.ReceivedAt, &processedAt)
	if err != nil {
		return nil, notFoundOr(err, "webhook event")
	}
	ev.ProcessedAt = timePtr(processedAt)
	return &ev, nil
}

// GetWebhookEvent loads an event from the idempotency ledger
func (r *PostgresRepository) GetWebhookEvent(ctx context.Context, eventID string) (*billing.WebhookEvent, error) {
	return getWebhookEvent(ctx, r.q, eventID)
}

// MarkWebhookEventProcessed flags an event as fully handled
func (r *PostgresRepository) MarkWebhookEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	return markWebhookEventProcessed(ctx, r.q, eventID, at)
}

func markWebhookEventProcessed(ctx context.Context, q Querier, eventID string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE payment_webhook_events SET processed = TRUE, processed_at = $2 WHERE event_id = $1`, eventID, at)
	if err != nil {
		return fmt.Errorf("failed to mark webhook event processed: %w", err)
	}
	return expectOneRow(res, billing.NotFound("webhook event"))
}
