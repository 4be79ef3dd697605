package razorpay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagepilot/billing-engine/internal/gateway/adapters"
	"github.com/sagepilot/billing-engine/internal/reconciliation/domain"
)

const capturePayload = `{
	"event": "payment.captured",
	"created_at": 1755691200,
	"payload": {
		"payment": {
			"entity": {
				"id": "pay_abc123",
				"amount": 499900,
				"currency": "INR",
				"status": "captured",
				"created_at": 1755691100,
				"notes": {
					"order_reference": "order-77",
					"invoice_id": "in_1"
				}
			}
		}
	}
}`

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	secret := "rzp_whsec_test"
	body := []byte(capturePayload)
	adapter := New(secret)

	headers := http.Header{}
	headers.Set("X-Razorpay-Signature", signBody(secret, body))
	require.NoError(t, adapter.Verify(context.Background(), body, headers))

	headers.Set("X-Razorpay-Signature", signBody("wrong-secret", body))
	assert.ErrorIs(t, adapter.Verify(context.Background(), body, headers), adapters.ErrInvalidSignature)

	headers.Del("X-Razorpay-Signature")
	assert.ErrorIs(t, adapter.Verify(context.Background(), body, headers), adapters.ErrInvalidSignature)
}

func TestVerifyRequiresConfiguredSecret(t *testing.T) {
	adapter := New("")
	headers := http.Header{}
	headers.Set("X-Razorpay-Signature", signBody("anything", []byte("{}")))
	assert.ErrorIs(t, adapter.Verify(context.Background(), []byte("{}"), headers), adapters.ErrInvalidSignature)
}

func TestParseCaptureEvent(t *testing.T) {
	adapter := New("secret")

	task, err := adapter.Parse(context.Background(), []byte(capturePayload))
	require.NoError(t, err)

	assert.Equal(t, domain.GatewayRegional, task.Gateway)
	assert.Equal(t, "pay_abc123", task.ExternalReference)
	assert.Equal(t, "in_1", task.InvoiceID)
	assert.Equal(t, "order-77", task.OrderReference)
	assert.Equal(t, "inr", task.Currency)
	assert.Equal(t, "499900", task.Amount.String())
	assert.Equal(t, int64(1755691100), task.OccurredAt.Unix())
	assert.NoError(t, task.Validate())
}

func TestParseIgnoresNonCaptureEvents(t *testing.T) {
	adapter := New("secret")

	_, err := adapter.Parse(context.Background(), []byte(`{"event":"payment.authorized","payload":{"payment":{"entity":{"id":"pay_1","amount":100,"currency":"INR"}}}}`))
	assert.ErrorIs(t, err, adapters.ErrEventIgnored)
}

func TestParseRejectsMalformedPayloads(t *testing.T) {
	adapter := New("secret")

	_, err := adapter.Parse(context.Background(), []byte(`not json`))
	assert.ErrorIs(t, err, adapters.ErrInvalidPayload)

	_, err = adapter.Parse(context.Background(), []byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"","amount":0}}}}`))
	assert.ErrorIs(t, err, adapters.ErrInvalidPayload)
}
