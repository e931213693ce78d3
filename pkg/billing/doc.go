// Package billing holds the data model and the pure arithmetic of the tollgate
// subscription billing engine.
//
// # Overview
//
// Customers subscribe to services at a named tier. Every money-affecting change
// is recorded against a BillingRecord (an invoice) whose lifecycle is:
//
//	draft -> pending -> paid
//	              \--> failed -> pending (retry)
//	any non-paid state -> voided
//
// A customer has at most one open draft. The draft accumulates usage for the
// current calendar month plus next month's subscription renewals and is
// finalized at the period boundary. Immediate charges (subscribe, tier upgrade)
// are written as pending records of type subscription.
//
// # Amounts
//
// All amounts are integer US cents. FormatUSD renders cents for humans.
//
// # Proration
//
// Prorate computes a day-weighted credit from the UTC calendar month of a
// billing period start:
//
//	p := billing.Prorate(3000, time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC), now)
//	// p.DaysUsed == 20, p.DaysInMonth == 29, p.CreditCents == 931
//
// # Errors
//
// Errors returned to callers carry a Kind (validation, payment_declined,
// integrity, ...) so transports can map them without string matching:
//
//	if billing.IsKind(err, billing.KindValidation) {
//		// 400
//	}
package billing
