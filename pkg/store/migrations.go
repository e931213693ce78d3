package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the billing schema migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create customers table",
			SQL: `
				CREATE TABLE IF NOT EXISTS customers (
					id BIGINT PRIMARY KEY,
					wallet_address TEXT NOT NULL,
					escrow_account TEXT,
					card_customer_ref TEXT,
					current_balance_usd_cents BIGINT NOT NULL DEFAULT 0,
					spending_limit_usd_cents BIGINT NOT NULL DEFAULT 0,
					current_period_charged_usd_cents BIGINT NOT NULL DEFAULT 0,
					current_period_start TIMESTAMPTZ NOT NULL,
					paid_once BOOLEAN NOT NULL DEFAULT FALSE,
					grace_period_started_at TIMESTAMPTZ,
					grace_notified_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CONSTRAINT customers_wallet_address_key UNIQUE (wallet_address)
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_customers_card_ref
					ON customers(card_customer_ref) WHERE card_customer_ref IS NOT NULL;
				CREATE INDEX IF NOT EXISTS idx_customers_grace
					ON customers(grace_period_started_at) WHERE grace_period_started_at IS NOT NULL;
			`,
		},
		{
			Version:     2,
			Description: "Create billing records and line items",
			SQL: `
				CREATE TABLE IF NOT EXISTS billing_records (
					id BIGSERIAL PRIMARY KEY,
					customer_id BIGINT NOT NULL REFERENCES customers(id),
					type VARCHAR(32) NOT NULL,
					status VARCHAR(16) NOT NULL,
					amount_usd_cents BIGINT NOT NULL DEFAULT 0,
					amount_paid_usd_cents BIGINT NOT NULL DEFAULT 0,
					billing_period_start TIMESTAMPTZ NOT NULL,
					billing_period_end TIMESTAMPTZ NOT NULL,
					retry_count INT NOT NULL DEFAULT 0,
					last_retry_at TIMESTAMPTZ,
					failure_reason TEXT NOT NULL DEFAULT '',
					payment_action_url TEXT NOT NULL DEFAULT '',
					invoice_number VARCHAR(32) NOT NULL,
					paid_via VARCHAR(16),
					paid_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CONSTRAINT billing_records_invoice_number_key UNIQUE (invoice_number),
					CONSTRAINT billing_records_status_check
						CHECK (status IN ('draft', 'pending', 'paid', 'failed', 'voided')),
					CONSTRAINT billing_records_amounts_check
						CHECK (amount_usd_cents >= 0 AND amount_paid_usd_cents >= 0)
				);

				CREATE UNIQUE INDEX IF NOT EXISTS billing_records_one_draft_per_customer
					ON billing_records(customer_id) WHERE status = 'draft';
				CREATE INDEX IF NOT EXISTS idx_billing_records_customer
					ON billing_records(customer_id, created_at);
				CREATE INDEX IF NOT EXISTS idx_billing_records_outstanding
					ON billing_records(customer_id) WHERE status IN ('pending', 'failed');

				CREATE TABLE IF NOT EXISTS invoice_line_items (
					id BIGSERIAL PRIMARY KEY,
					billing_record_id BIGINT NOT NULL REFERENCES billing_records(id) ON DELETE CASCADE,
					kind VARCHAR(32) NOT NULL,
					service_type VARCHAR(64),
					description TEXT NOT NULL,
					amount_usd_cents BIGINT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_invoice_line_items_record ON invoice_line_items(billing_record_id);
			`,
		},
		{
			Version:     3,
			Description: "Create service instances",
			SQL: `
				CREATE TABLE IF NOT EXISTS service_instances (
					id BIGSERIAL PRIMARY KEY,
					customer_id BIGINT NOT NULL REFERENCES customers(id),
					service_type VARCHAR(64) NOT NULL,
					tier VARCHAR(64) NOT NULL,
					state VARCHAR(16) NOT NULL,
					is_user_enabled BOOLEAN NOT NULL DEFAULT FALSE,
					sub_pending_invoice_id BIGINT REFERENCES billing_records(id),
					paid_once BOOLEAN NOT NULL DEFAULT FALSE,
					scheduled_tier VARCHAR(64),
					scheduled_effective_date TIMESTAMPTZ,
					cancellation_scheduled_for TIMESTAMPTZ,
					cancelled_at TIMESTAMPTZ,
					api_key_fingerprint VARCHAR(128) NOT NULL DEFAULT '',
					config JSONB NOT NULL DEFAULT '{}',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CONSTRAINT service_instances_customer_type_key UNIQUE (customer_id, service_type),
					CONSTRAINT service_instances_pending_not_enabled
						CHECK (NOT (is_user_enabled AND sub_pending_invoice_id IS NOT NULL))
				);

				CREATE INDEX IF NOT EXISTS idx_service_instances_schedules
					ON service_instances(scheduled_effective_date, cancellation_scheduled_for)
					WHERE state <> 'cancelled';
			`,
		},
		{
			Version:     4,
			Description: "Create payments, credits and payment methods",
			SQL: `
				CREATE TABLE IF NOT EXISTS invoice_payments (
					id BIGSERIAL PRIMARY KEY,
					billing_record_id BIGINT NOT NULL REFERENCES billing_records(id),
					source_type VARCHAR(16) NOT NULL,
					amount_usd_cents BIGINT NOT NULL CHECK (amount_usd_cents > 0),
					provider_reference_id TEXT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_invoice_payments_record ON invoice_payments(billing_record_id);
				CREATE UNIQUE INDEX IF NOT EXISTS invoice_payments_provider_ref_key
					ON invoice_payments(source_type, provider_reference_id) WHERE provider_reference_id IS NOT NULL;

				CREATE TABLE IF NOT EXISTS customer_credits (
					id BIGSERIAL PRIMARY KEY,
					customer_id BIGINT NOT NULL REFERENCES customers(id),
					reason VARCHAR(32) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					original_amount_usd_cents BIGINT NOT NULL CHECK (original_amount_usd_cents > 0),
					remaining_amount_usd_cents BIGINT NOT NULL CHECK (remaining_amount_usd_cents >= 0),
					billing_record_id BIGINT REFERENCES billing_records(id),
					expires_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_customer_credits_available
					ON customer_credits(customer_id, created_at) WHERE remaining_amount_usd_cents > 0;
				CREATE UNIQUE INDEX IF NOT EXISTS customer_credits_record_reason_key
					ON customer_credits(billing_record_id, reason) WHERE billing_record_id IS NOT NULL;

				CREATE TABLE IF NOT EXISTS customer_payment_methods (
					id BIGSERIAL PRIMARY KEY,
					customer_id BIGINT NOT NULL REFERENCES customers(id),
					provider_type VARCHAR(16) NOT NULL,
					provider_method_ref TEXT NOT NULL,
					priority INT NOT NULL DEFAULT 0,
					status VARCHAR(16) NOT NULL DEFAULT 'active',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (customer_id, provider_type, provider_method_ref)
				);
			`,
		},
		{
			Version:     5,
			Description: "Create payment webhook event ledger",
			SQL: `
				CREATE TABLE IF NOT EXISTS payment_webhook_events (
					event_id TEXT PRIMARY KEY,
					event_type VARCHAR(128) NOT NULL,
					processed BOOLEAN NOT NULL DEFAULT FALSE,
					payload JSONB NOT NULL,
					received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					processed_at TIMESTAMPTZ
				);

				CREATE INDEX IF NOT EXISTS idx_payment_webhook_events_unprocessed
					ON payment_webhook_events(received_at) WHERE NOT processed;
			`,
		},
		{
			Version:     6,
			Description: "Track charge attempts and card intents on billing records",
			SQL: `
				ALTER TABLE billing_records
					ADD COLUMN IF NOT EXISTS attempt_count INT NOT NULL DEFAULT 0,
					ADD COLUMN IF NOT EXISTS last_card_intent_id TEXT NOT NULL DEFAULT '';

				UPDATE billing_records SET attempt_count = retry_count WHERE attempt_count < retry_count;
			`,
		},
	}
}

// RunMigrations applies pending migrations, each in its own transaction
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS billing_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM billing_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}
	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}
		if err := applyMigration(ctx, db, migration); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, migration Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
		return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO billing_migrations (version, description) VALUES ($1, $2)",
		migration.Version, migration.Description,
	); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
	}
	return nil
}
