package domain

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Payment channels a capture or manual command can arrive from.
const (
	GatewayCardNetwork    = "card_network"
	GatewayRegional       = "regional_gateway"
	GatewayManualTransfer = "manual_transfer"
)

// Record lifecycle. Settled and failed are terminal.
const (
	StatusPending = "pending"
	StatusMatched = "matched"
	StatusSettled = "settled"
	StatusFailed  = "failed"
)

var (
	ErrInvalidTask       = errors.New("reconciliation: invalid task")
	ErrAmountMismatch    = errors.New("reconciliation: captured amount does not match invoice")
	ErrInvoiceNotFound   = errors.New("reconciliation: no invoice matches the reference")
	ErrAttemptsExhausted = errors.New("reconciliation: retry attempts exhausted")
	ErrStoreUnavailable  = errors.New("reconciliation: record store unavailable")
)

// Record is the durable trail of one external payment being matched
// against a ledger invoice. One row per (gateway, external reference);
// redeliveries load the existing row instead of inserting a second one.
type Record struct {
	ID                snowflake.ID    `json:"id" gorm:"primaryKey"`
	Gateway           string          `json:"gateway" gorm:"type:text;not null;uniqueIndex:idx_gateway_ref"`
	ExternalReference string          `json:"external_reference" gorm:"type:text;not null;uniqueIndex:idx_gateway_ref"`
	LedgerInvoiceID   string          `json:"ledger_invoice_id" gorm:"type:text"`
	WorkspaceID       string          `json:"workspace_id" gorm:"type:text;index"`
	Amount            decimal.Decimal `json:"amount" gorm:"type:numeric;not null"`
	Currency          string          `json:"currency" gorm:"type:text;not null"`
	Status            string          `json:"status" gorm:"type:text;not null;index"`
	Attempts          int             `json:"attempts" gorm:"not null"`
	LastError         string          `json:"last_error" gorm:"type:text"`
	RawPayload        datatypes.JSON  `json:"raw_payload" gorm:"type:jsonb"`
	ReceivedAt        time.Time       `json:"received_at" gorm:"not null"`
	UpdatedAt         time.Time       `json:"updated_at" gorm:"not null"`
	SettledAt         *time.Time      `json:"settled_at"`
}

func (Record) TableName() string { return "reconciliation_records" }

// Terminal reports whether the record needs no further processing.
func (r Record) Terminal() bool {
	return r.Status == StatusSettled || r.Status == StatusFailed
}

// Task is one reconciliation request: a gateway capture event or a
// manual operator command. The invoice is located either directly by
// InvoiceID or through the order reference written at checkout time.
type Task struct {
	Gateway           string          `json:"gateway"`
	ExternalReference string          `json:"external_reference"`
	InvoiceID         string          `json:"invoice_id,omitempty"`
	OrderReference    string          `json:"order_reference,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	OccurredAt        time.Time       `json:"occurred_at"`
	RawPayload        json.RawMessage `json:"raw_payload,omitempty"`
}

func (t Task) Validate() error {
	switch t.Gateway {
	case GatewayCardNetwork, GatewayRegional, GatewayManualTransfer:
	default:
		return ErrInvalidTask
	}
	if strings.TrimSpace(t.ExternalReference) == "" {
		return ErrInvalidTask
	}
	if strings.TrimSpace(t.InvoiceID) == "" && strings.TrimSpace(t.OrderReference) == "" {
		return ErrInvalidTask
	}
	if !t.Amount.IsPositive() {
		return ErrInvalidTask
	}
	if strings.TrimSpace(t.Currency) == "" {
		return ErrInvalidTask
	}
	return nil
}

type Repository interface {
	// Insert writes the record unless one already exists for its
	// (gateway, external reference). Returns whether the row was inserted.
	Insert(ctx context.Context, db *gorm.DB, record *Record) (bool, error)

	Find(ctx context.Context, db *gorm.DB, gateway, externalReference string) (*Record, error)

	// RecordAttempt bumps the attempt counter and stores the failure text.
	RecordAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, attempts int, lastError string) error

	MarkMatched(ctx context.Context, db *gorm.DB, id snowflake.ID, invoiceID, workspaceID string) error

	MarkSettled(ctx context.Context, db *gorm.DB, id snowflake.ID, settledAt time.Time) error

	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string) error

	ListFailed(ctx context.Context, db *gorm.DB, limit int) ([]Record, error)
}
