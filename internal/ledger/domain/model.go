package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Subscription is the ledger's view of a workspace plan, flattened to the
// fields the billing processors act on.
type Subscription struct {
	ID                string             `json:"id"`
	CustomerID        string             `json:"customer_id"`
	WorkspaceID       string             `json:"workspace_id,omitempty"`
	Status            string             `json:"status"`
	Tier              string             `json:"tier"`
	Features          []string           `json:"features,omitempty"`
	Limits            map[string]float64 `json:"limits,omitempty"`
	PeriodStart       time.Time          `json:"period_start"`
	PeriodEnd         time.Time          `json:"period_end"`
	CancelAtPeriodEnd bool               `json:"cancel_at_period_end"`
}

// Active reports whether the subscription grants access.
func (s Subscription) Active() bool {
	switch s.Status {
	case "active", "trialing", "past_due":
		return true
	default:
		return false
	}
}

// Invoice is the ledger invoice view used by reconciliation.
type Invoice struct {
	ID             string          `json:"id"`
	CustomerID     string          `json:"customer_id"`
	WorkspaceID    string          `json:"workspace_id,omitempty"`
	Status         string          `json:"status"`
	Currency       string          `json:"currency"`
	AmountDue      decimal.Decimal `json:"amount_due"`
	AmountPaid     decimal.Decimal `json:"amount_paid"`
	DueDate        time.Time       `json:"due_date,omitempty"`
	OrderReference string          `json:"order_reference,omitempty"`
}

// Settled reports whether the invoice needs no further payment.
func (i Invoice) Settled() bool {
	return i.Status == "paid" || i.Status == "void"
}

// UsageRecord is a metered usage delta pushed to the ledger.
type UsageRecord struct {
	WorkspaceID    string
	CustomerID     string
	Meter          string
	IdempotencyKey string
	Value          decimal.Decimal
	OccurredAt     time.Time
}

// MeterSummary aggregates reported usage for one meter over a period.
type MeterSummary struct {
	Meter       string          `json:"meter"`
	Total       decimal.Decimal `json:"total"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
}

// CheckoutRequest describes a checkout session to open against the ledger.
type CheckoutRequest struct {
	WorkspaceID    string
	CustomerID     string
	CustomerEmail  string
	PriceID        string
	OrderReference string
	SuccessURL     string
	CancelURL      string
}

// CheckoutSession is the created hosted checkout handle.
type CheckoutSession struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SourceVerifiedWebhook marks events that passed signature verification at
// the HTTP receiver. The consumer refuses events without it.
const SourceVerifiedWebhook = "ledger-webhook"

// Event is a verified ledger webhook event as enqueued for processing.
type Event struct {
	ID                 string          `json:"id"`
	Type               string          `json:"type"`
	Data               json.RawMessage `json:"data"`
	PreviousAttributes json.RawMessage `json:"previous_attributes,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	Source             string          `json:"source"`
}

// Verified reports whether the event carries the receiver's provenance marker.
func (e Event) Verified() bool {
	return e.Source == SourceVerifiedWebhook
}
