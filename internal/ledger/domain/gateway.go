package domain

import (
	"context"
	"time"
)

// Gateway is the boundary to the external billing ledger. The ledger is
// the source of truth for subscriptions and invoices; this service only
// reads, pushes usage, and marks out-of-band settlements through it.
type Gateway interface {
	// PushUsage reports a usage delta against the customer's meter. The
	// record's idempotency key deduplicates retries on the ledger side.
	PushUsage(ctx context.Context, record UsageRecord) error

	// GetSubscription returns the customer's most relevant subscription,
	// preferring an active one.
	GetSubscription(ctx context.Context, customerID string) (*Subscription, error)

	GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error)

	// MarkInvoicePaidOutOfBand settles an invoice that was paid outside
	// the ledger's own collection, recording the external reference.
	MarkInvoicePaidOutOfBand(ctx context.Context, invoiceID, reference string) error

	// FindInvoiceByOrderReference resolves the invoice linked to an
	// external order reference written at checkout time.
	FindInvoiceByOrderReference(ctx context.Context, reference string) (*Invoice, error)

	ListOverdueInvoices(ctx context.Context, limit int) ([]Invoice, error)

	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*Subscription, error)

	// GetUsageSummary aggregates reported usage per meter for the period.
	GetUsageSummary(ctx context.Context, customerID string, meters []string, periodStart, periodEnd time.Time) ([]MeterSummary, error)

	// VerifyWebhook authenticates a raw webhook delivery and returns the
	// parsed event stamped with the verified-provenance marker.
	VerifyWebhook(payload []byte, sigHeader string) (*Event, error)
}
