// Package notify delivers operator alerts.
//
// Alerts are raised for conditions that need a human but must not block
// billing: webhook payloads that contradict the ledger, secondary effects
// that failed after a settlement, and settlements whose local commit failed
// after money already moved. A Dispatcher always logs the alert, counts it
// and fans it out to the configured sinks. Sink failures are logged and
// swallowed.
//
// WebhookNotifier posts the alert as JSON signed with
// X-Tollgate-Signature: sha256=<hex HMAC of the body>, retries with
// exponential backoff and keeps a bounded delivery log. SlackNotifier posts a
// formatted attachment to an incoming-webhook URL.
package notify
