package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EventType identifies the product action being metered.
type EventType string

const (
	EventTypeAICredits       EventType = "ai_credits"
	EventTypeWhatsAppMessage EventType = "whatsapp_message"
	EventTypeEmailSend       EventType = "email_send"
	EventTypeSMSSend         EventType = "sms_send"
)

var (
	ErrUnknownEventType      = errors.New("unknown usage event type")
	ErrInvalidValue          = errors.New("usage value must be a positive finite number")
	ErrMissingWorkspace      = errors.New("workspace id is required")
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")
)

// Event is one metered usage delta as submitted by product services.
type Event struct {
	WorkspaceID    string            `json:"workspace_id"`
	Type           EventType         `json:"type"`
	Value          decimal.Decimal   `json:"value"`
	IdempotencyKey string            `json:"idempotency_key"`
	OccurredAt     time.Time         `json:"occurred_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.WorkspaceID) == "" {
		return ErrMissingWorkspace
	}
	if strings.TrimSpace(e.IdempotencyKey) == "" {
		return ErrMissingIdempotencyKey
	}
	switch e.Type {
	case EventTypeAICredits, EventTypeWhatsAppMessage, EventTypeEmailSend, EventTypeSMSSend:
	default:
		return ErrUnknownEventType
	}
	if !e.Value.IsPositive() {
		return ErrInvalidValue
	}
	return nil
}

// Outcome is the terminal state of one pipeline pass over an event.
type Outcome string

const (
	OutcomeDeduplicated Outcome = "deduplicated"
	OutcomeCommitted    Outcome = "committed"
	OutcomeFailed       Outcome = "failed"
)
