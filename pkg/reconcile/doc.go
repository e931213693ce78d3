// Package reconcile converges billing records with what payment providers
// actually did.
//
// Three paths lead here:
//
//   - customer driven reconciliation (explicit request, deposit, new card)
//     reopens failed records and charges every outstanding one
//   - the periodic sweep retries pending records whose backoff has elapsed
//   - provider webhooks settle, annotate or fail records asynchronously
//
// Webhooks are verified before anything is read, recorded in the event
// ledger on first sight and marked processed in the same transaction that
// applies them, so a redelivered event is a no-op.
//
// Usage:
//
//	engine := reconcile.NewEngine(orch, st,
//	    reconcile.WithVerifier(reconcile.NewHMACVerifier(secret, 5*time.Minute)),
//	)
//	result, err := engine.HandleWebhook(ctx, reconcile.WebhookRequest{
//	    Timestamp: r.Header.Get(reconcile.TimestampHeader),
//	    Signature: r.Header.Get(reconcile.SignatureHeader),
//	    Body:      body,
//	})
package reconcile
