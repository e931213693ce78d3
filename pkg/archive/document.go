package archive

import (
	"fmt"
	"net/url"
	"time"

	"github.com/platinummonkey/tollgate/pkg/billing"
)

// Document is the archived form of a paid invoice
type Document struct {
	InvoiceNumber   string             `json:"invoice_number"`
	BillingRecordID int64              `json:"billing_record_id"`
	CustomerID      int64              `json:"customer_id"`
	Type            billing.RecordType `json:"type"`
	PeriodStart     time.Time          `json:"billing_period_start"`
	PeriodEnd       time.Time          `json:"billing_period_end"`
	AmountCents     int64              `json:"amount_usd_cents"`
	Amount          string             `json:"amount"`
	AmountPaidCents int64              `json:"amount_paid_usd_cents"`
	AmountPaid      string             `json:"amount_paid"`
	PaidAt          *time.Time         `json:"paid_at,omitempty"`
	LineItems       []DocumentLineItem `json:"line_items"`
	Payments        []DocumentPayment  `json:"payments"`
	ArchivedAt      time.Time          `json:"archived_at"`
}

// DocumentLineItem is one archived charge line
type DocumentLineItem struct {
	Kind        billing.LineItemKind `json:"kind"`
	ServiceType billing.ServiceType  `json:"service_type,omitempty"`
	Description string               `json:"description"`
	AmountCents int64                `json:"amount_usd_cents"`
	Amount      string               `json:"amount"`
}

// DocumentPayment is one archived settlement
type DocumentPayment struct {
	Source      billing.PaymentSource `json:"source"`
	Reference   string                `json:"reference,omitempty"`
	AmountCents int64                 `json:"amount_usd_cents"`
	Amount      string                `json:"amount"`
	At          time.Time             `json:"at"`
}

// NewDocument renders a paid invoice
func NewDocument(inv billing.PaidInvoice, archivedAt time.Time) *Document {
	rec := inv.Record
	doc := &Document{
		InvoiceNumber:   rec.InvoiceNumber,
		BillingRecordID: rec.ID,
		CustomerID:      rec.CustomerID,
		Type:            rec.Type,
		PeriodStart:     rec.PeriodStart,
		PeriodEnd:       rec.PeriodEnd,
		AmountCents:     rec.AmountCents,
		Amount:          billing.FormatUSD(rec.AmountCents),
		AmountPaidCents: rec.AmountPaidCents,
		AmountPaid:      billing.FormatUSD(rec.AmountPaidCents),
		PaidAt:          rec.PaidAt,
		LineItems:       make([]DocumentLineItem, 0, len(rec.LineItems)),
		Payments:        make([]DocumentPayment, 0, len(inv.Payments)),
		ArchivedAt:      archivedAt.UTC(),
	}
	for _, item := range rec.LineItems {
		doc.LineItems = append(doc.LineItems, DocumentLineItem{
			Kind:        item.Kind,
			ServiceType: item.ServiceType,
			Description: item.Description,
			AmountCents: item.AmountCents,
			Amount:      billing.FormatUSD(item.AmountCents),
		})
	}
	for _, p := range inv.Payments {
		doc.Payments = append(doc.Payments, DocumentPayment{
			Source:      p.SourceType,
			Reference:   p.ProviderReferenceID,
			AmountCents: p.AmountCents,
			Amount:      billing.FormatUSD(p.AmountCents),
			At:          p.CreatedAt,
		})
	}
	return doc
}

// Key is the object key of a record's archive document
func Key(rec *billing.BillingRecord) string {
	month := rec.PeriodStart
	if month.IsZero() {
		month = rec.CreatedAt
	}
	number := rec.InvoiceNumber
	if number == "" {
		number = fmt.Sprintf("record-%d", rec.ID)
	}
	return fmt.Sprintf("invoices/%d/%s/%s.json", rec.CustomerID, month.UTC().Format("2006-01"), url.PathEscape(number))
}
