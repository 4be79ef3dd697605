package razorpay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sagepilot/billing-engine/internal/gateway/adapters"
	"github.com/sagepilot/billing-engine/internal/reconciliation/domain"
)

// Adapter handles the regional gateway's webhook scheme: an
// HMAC-SHA256 hex digest of the raw body in X-Razorpay-Signature.
type Adapter struct {
	webhookSecret string
}

func New(webhookSecret string) *Adapter {
	return &Adapter{webhookSecret: strings.TrimSpace(webhookSecret)}
}

func (a *Adapter) Provider() string { return "razorpay" }

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	_ = ctx
	if a.webhookSecret == "" {
		return adapters.ErrInvalidSignature
	}
	signature := strings.TrimSpace(headers.Get("X-Razorpay-Signature"))
	if signature == "" {
		return adapters.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return adapters.ErrInvalidSignature
	}
	return nil
}

type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
	CreatedAt int64 `json:"created_at"`
}

type paymentEntity struct {
	ID        string            `json:"id"`
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	Status    string            `json:"status"`
	Notes     map[string]string `json:"notes"`
	CreatedAt int64             `json:"created_at"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.Task, error) {
	_ = ctx
	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, adapters.ErrInvalidPayload
	}

	if strings.TrimSpace(envelope.Event) != "payment.captured" {
		return nil, adapters.ErrEventIgnored
	}

	entity := envelope.Payload.Payment.Entity
	if strings.TrimSpace(entity.ID) == "" || entity.Amount <= 0 {
		return nil, adapters.ErrInvalidPayload
	}

	occurredAt := time.Unix(entity.CreatedAt, 0).UTC()
	if entity.CreatedAt == 0 {
		occurredAt = time.Unix(envelope.CreatedAt, 0).UTC()
	}

	// Checkout writes the invoice linkage into the payment notes; a
	// capture without it cannot be matched and fails validation upstream.
	task := &domain.Task{
		Gateway:           domain.GatewayRegional,
		ExternalReference: entity.ID,
		InvoiceID:         strings.TrimSpace(entity.Notes["invoice_id"]),
		OrderReference:    strings.TrimSpace(entity.Notes["order_reference"]),
		Amount:            decimal.NewFromInt(entity.Amount),
		Currency:          strings.ToLower(strings.TrimSpace(entity.Currency)),
		OccurredAt:        occurredAt,
		RawPayload:        json.RawMessage(payload),
	}
	return task, nil
}
