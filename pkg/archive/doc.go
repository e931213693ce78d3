// Package archive writes paid invoices to S3-compatible object storage.
//
// Archiver implements subscriptions.PaidHook. Uploads run on a worker pool
// after the settling transaction has committed; a failed upload raises an
// operator alert and never touches billing state.
//
// Objects are JSON documents keyed by customer and billing month:
//
//	invoices/<customerId>/<YYYY-MM>/<invoiceNumber>.json
package archive
