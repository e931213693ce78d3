package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/billing"
)

const recordColumns = `id, customer_id, type, status, amount_usd_cents, amount_paid_usd_cents,
	billing_period_start, billing_period_end, retry_count, last_retry_at, failure_reason,
	payment_action_url, invoice_number, paid_at, created_at, updated_at, attempt_count, last_card_intent_id`

func scanRecord(row rowScanner) (*billing.BillingRecord, error) {
	var (
		rec               billing.BillingRecord
		lastRetry, paidAt sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.CustomerID, &rec.Type, &rec.Status, &rec.AmountCents, &rec.AmountPaidCents,
		&rec.PeriodStart, &rec.PeriodEnd, &rec.RetryCount, &lastRetry, &rec.FailureReason,
		&rec.PaymentActionURL, &rec.InvoiceNumber, &paidAt, &rec.CreatedAt, &rec.UpdatedAt,
		&rec.AttemptCount, &rec.LastCardIntentID)
	if err != nil {
		return nil, err
	}
	rec.LastRetryAt = timePtr(lastRetry)
	rec.PaidAt = timePtr(paidAt)
	return &rec, nil
}

func queryRecords(ctx context.Context, q Querier, query string, args ...any) ([]*billing.BillingRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query billing records: %w", err)
	}
	defer rows.Close()

	var records []*billing.BillingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan billing record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func loadLineItems(ctx context.Context, q Querier, rec *billing.BillingRecord) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id, billing_record_id, kind, service_type, description, amount_usd_cents, created_at
		FROM invoice_line_items WHERE billing_record_id = $1 ORDER BY id`, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to query line items: %w", err)
	}
	defer rows.Close()

	rec.LineItems = nil
	for rows.Next() {
		var item billing.LineItem
		var serviceType sql.NullString
		if err := rows.Scan(&item.ID, &item.BillingRecordID, &item.Kind, &serviceType,
			&item.Description, &item.AmountCents, &item.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan line item: %w", err)
		}
		item.ServiceType = billing.ServiceType(serviceType.String)
		rec.LineItems = append(rec.LineItems, item)
	}
	return rows.Err()
}

func getDraft(ctx context.Context, q Querier, customerID int64) (*billing.BillingRecord, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM billing_records WHERE customer_id = $1 AND status = 'draft'`, customerID))
	if err != nil {
		return nil, notFoundOr(err, "draft")
	}
	if err := loadLineItems(ctx, q, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetRecord loads a billing record with its line items
func (r *PostgresRepository) GetRecord(ctx context.Context, id int64) (*billing.BillingRecord, error) {
	rec, err := scanRecord(r.q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM billing_records WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "billing record")
	}
	if err := loadLineItems(ctx, r.q, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetDraft loads the customer's open draft
func (r *PostgresRepository) GetDraft(ctx context.Context, customerID int64) (*billing.BillingRecord, error) {
	return getDraft(ctx, r.q, customerID)
}

// OpenOrGetDraft returns the customer's draft, creating one for the given
// period when none is open. An existing draft is returned as is, even when it
// belongs to an earlier period that has not been closed yet.
func (r *PostgresRepository) OpenOrGetDraft(ctx context.Context, customerID int64, periodStart, periodEnd time.Time) (*billing.BillingRecord, error) {
	draft, err := getDraft(ctx, r.q, customerID)
	if err == nil {
		return draft, nil
	}
	if !errors.Is(err, billing.ErrNotFound) {
		return nil, err
	}

	rec := &billing.BillingRecord{
		CustomerID:  customerID,
		Type:        billing.RecordTypeUsage,
		Status:      billing.RecordStatusDraft,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
	}
	if err := r.insertRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *PostgresRepository) insertRecord(ctx context.Context, rec *billing.BillingRecord) error {
	err := insertWithRetry(r.maxInsertAttempts, constraintInvoiceNumber, func(int) error {
		rec.InvoiceNumber = r.ids.InvoiceNumber(rec.PeriodStart)
		return r.Savepoint(ctx, "insert_billing_record", func() error {
			return r.q.QueryRowContext(ctx, `
				INSERT INTO billing_records (
					customer_id, type, status, amount_usd_cents, amount_paid_usd_cents,
					billing_period_start, billing_period_end, invoice_number
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				RETURNING id, created_at, updated_at`,
				rec.CustomerID, rec.Type, rec.Status, rec.AmountCents, rec.AmountPaidCents,
				rec.PeriodStart, rec.PeriodEnd, rec.InvoiceNumber,
			).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
		})
	})
	if err != nil {
		return fmt.Errorf("failed to insert billing record: %w", err)
	}
	return nil
}

func (r *PostgresRepository) insertLineItem(ctx context.Context, recordID int64, item *billing.LineItem) error {
	item.BillingRecordID = recordID
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO invoice_line_items (billing_record_id, kind, service_type, description, amount_usd_cents)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		recordID, item.Kind, nullString(string(item.ServiceType)), item.Description, item.AmountCents,
	).Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert line item: %w", err)
	}
	return nil
}

// AppendLineItem adds a line to a draft and grows its amount
func (r *PostgresRepository) AppendLineItem(ctx context.Context, recordID int64, item *billing.LineItem) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE billing_records SET amount_usd_cents = amount_usd_cents + $2, updated_at = NOW()
		WHERE id = $1 AND status = 'draft'`, recordID, item.AmountCents)
	if err != nil {
		return fmt.Errorf("failed to update draft amount: %w", err)
	}
	if err := expectOneRow(res, billing.Conflict("record_not_draft", "line items can only be added to a draft")); err != nil {
		return err
	}
	return r.insertLineItem(ctx, recordID, item)
}

// ReplaceLineItems swaps a draft's lines and sets its amount to their sum
func (r *PostgresRepository) ReplaceLineItems(ctx context.Context, recordID int64, items []billing.LineItem) error {
	var total int64
	for _, item := range items {
		total += item.AmountCents
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE billing_records SET amount_usd_cents = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'draft'`, recordID, total)
	if err != nil {
		return fmt.Errorf("failed to update draft amount: %w", err)
	}
	if err := expectOneRow(res, billing.Conflict("record_not_draft", "line items can only be replaced on a draft")); err != nil {
		return err
	}
	if _, err := r.q.ExecContext(ctx, `DELETE FROM invoice_line_items WHERE billing_record_id = $1`, recordID); err != nil {
		return fmt.Errorf("failed to clear line items: %w", err)
	}
	for i := range items {
		if err := r.insertLineItem(ctx, recordID, &items[i]); err != nil {
			return err
		}
	}
	return nil
}

// CreatePendingRecord writes an immediate charge with its line items. A zero
// amount is replaced by the line item total.
func (r *PostgresRepository) CreatePendingRecord(ctx context.Context, rec *billing.BillingRecord) error {
	rec.Status = billing.RecordStatusPending
	if rec.AmountCents == 0 {
		rec.AmountCents = rec.LineItemsTotal()
	}
	if err := r.insertRecord(ctx, rec); err != nil {
		return err
	}
	for i := range rec.LineItems {
		if err := r.insertLineItem(ctx, rec.ID, &rec.LineItems[i]); err != nil {
			return err
		}
	}
	return nil
}

// FinalizeDraft closes a draft to pending
func (r *PostgresRepository) FinalizeDraft(ctx context.Context, recordID int64) (*billing.BillingRecord, error) {
	rec, err := scanRecord(r.q.QueryRowContext(ctx, `
		UPDATE billing_records SET status = 'pending', updated_at = NOW()
		WHERE id = $1 AND status = 'draft'
		RETURNING `+recordColumns, recordID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.Conflict("record_not_draft", "only a draft can be finalized")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to finalize draft: %w", err)
	}
	if err := loadLineItems(ctx, r.q, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkPaid settles a pending or failed record. It reports false without
// error when the record is already paid.
func (r *PostgresRepository) MarkPaid(ctx context.Context, recordID, amountPaidCents int64, source billing.PaymentSource, at time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE billing_records SET
			status = 'paid', amount_paid_usd_cents = $2, paid_via = $3, paid_at = $4,
			failure_reason = '', payment_action_url = '', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'failed')`,
		recordID, amountPaidCents, source, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark record paid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	var status billing.RecordStatus
	err = r.q.QueryRowContext(ctx, `SELECT status FROM billing_records WHERE id = $1`, recordID).Scan(&status)
	if err != nil {
		return false, notFoundOr(err, "billing record")
	}
	if status == billing.RecordStatusPaid {
		return false, nil
	}
	return false, billing.Conflict("invalid_transition", fmt.Sprintf("cannot mark a %s record paid", status))
}

// MarkFailed moves a pending record to failed
func (r *PostgresRepository) MarkFailed(ctx context.Context, recordID int64, reason string) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE billing_records SET status = 'failed', failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, recordID, reason)
	if err != nil {
		return fmt.Errorf("failed to mark record failed: %w", err)
	}
	return expectOneRow(res, billing.Conflict("invalid_transition", "only a pending record can fail"))
}

// RecordChargeAttempt stores retry metadata for an unsuccessful charge and
// moves the record to failed once the retry cap is reached. attempt_count
// grows with every attempt and survives ReopenRecord.
func (r *PostgresRepository) RecordChargeAttempt(ctx context.Context, recordID int64, attempt ChargeAttempt) (*billing.BillingRecord, error) {
	maxRetries := attempt.MaxRetries
	if maxRetries <= 0 {
		maxRetries = int(^uint32(0) >> 1)
	}
	rec, err := scanRecord(r.q.QueryRowContext(ctx, `
		UPDATE billing_records SET
			retry_count = retry_count + 1, attempt_count = attempt_count + 1,
			last_retry_at = $2, failure_reason = $3, payment_action_url = $4,
			last_card_intent_id = COALESCE(NULLIF($6, ''), last_card_intent_id),
			status = CASE WHEN retry_count + 1 >= $5 THEN 'failed' ELSE status END,
			updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+recordColumns,
		recordID, attempt.At, attempt.FailureReason, attempt.ActionURL, maxRetries, attempt.CardIntentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.Conflict("invalid_transition", "charge attempts are only recorded on pending records")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record charge attempt: %w", err)
	}
	return rec, nil
}

// SetPaymentActionURL stores the link a customer must visit to finish paying
func (r *PostgresRepository) SetPaymentActionURL(ctx context.Context, recordID int64, url string) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE billing_records SET payment_action_url = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'failed')`, recordID, url)
	if err != nil {
		return fmt.Errorf("failed to set payment action url: %w", err)
	}
	return expectOneRow(res, billing.Conflict("invalid_transition", "record is not awaiting payment"))
}

// ReopenRecord moves a failed record back to pending with a fresh retry
// budget. attempt_count is kept so provider idempotency keys stay unique.
func (r *PostgresRepository) ReopenRecord(ctx context.Context, recordID int64) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE billing_records SET status = 'pending', retry_count = 0, updated_at = NOW()
		WHERE id = $1 AND status = 'failed'`, recordID)
	if err != nil {
		return fmt.Errorf("failed to reopen record: %w", err)
	}
	return expectOneRow(res, billing.Conflict("invalid_transition", "only a failed record can be reopened"))
}

// Void cancels any record that is not paid
func (r *PostgresRepository) Void(ctx context.Context, recordID int64) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE billing_records SET status = 'voided', updated_at = NOW()
		WHERE id = $1 AND status IN ('draft', 'pending', 'failed')`, recordID)
	if err != nil {
		return fmt.Errorf("failed to void record: %w", err)
	}
	return expectOneRow(res, billing.Conflict("invalid_transition", "paid or voided records cannot be voided"))
}

// ListOutstandingRecords lists pending and failed records, oldest first
func (r *PostgresRepository) ListOutstandingRecords(ctx context.Context, customerID int64) ([]*billing.BillingRecord, error) {
	return queryRecords(ctx, r.q, `
		SELECT `+recordColumns+` FROM billing_records
		WHERE customer_id = $1 AND status IN ('pending', 'failed')
		ORDER BY created_at, id`, customerID)
}
