package stripe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	stripe "github.com/stripe/stripe-go/v82"
)

func TestMapSubscriptionFlattensProductMetadata(t *testing.T) {
	periodStart := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)

	sub := &stripe.Subscription{
		ID:       "sub_123",
		Status:   stripe.SubscriptionStatusActive,
		Customer: &stripe.Customer{ID: "cus_123"},
		Metadata: map[string]string{"workspace_id": "ws-1"},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{
					CurrentPeriodStart: periodStart.Unix(),
					CurrentPeriodEnd:   periodEnd.Unix(),
					Price: &stripe.Price{
						Product: &stripe.Product{
							Metadata: map[string]string{
								"tier":                    "Growth",
								"features":                "ai_chat, whatsapp,automations",
								"limit_ai_credits":        "10000",
								"limit_whatsapp_messages": "5000",
								"limit_bogus":             "not-a-number",
							},
						},
					},
				},
			},
		},
	}

	got := mapSubscription(sub)

	assert.Equal(t, "sub_123", got.ID)
	assert.Equal(t, "cus_123", got.CustomerID)
	assert.Equal(t, "ws-1", got.WorkspaceID)
	assert.Equal(t, "growth", got.Tier)
	assert.True(t, got.Active())
	assert.Equal(t, []string{"ai_chat", "whatsapp", "automations"}, got.Features)
	assert.Equal(t, float64(10000), got.Limits["ai_credits"])
	assert.Equal(t, float64(5000), got.Limits["whatsapp_messages"])
	assert.NotContains(t, got.Limits, "bogus")
	assert.Equal(t, periodStart, got.PeriodStart)
	assert.Equal(t, periodEnd, got.PeriodEnd)
}

func TestMapSubscriptionWithoutItems(t *testing.T) {
	got := mapSubscription(&stripe.Subscription{
		ID:     "sub_bare",
		Status: stripe.SubscriptionStatusCanceled,
	})

	assert.Equal(t, "sub_bare", got.ID)
	assert.False(t, got.Active())
	assert.True(t, got.PeriodStart.IsZero())
}

func TestMapInvoice(t *testing.T) {
	due := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)

	inv := &stripe.Invoice{
		ID:        "in_123",
		Status:    stripe.InvoiceStatusOpen,
		Currency:  stripe.CurrencyINR,
		AmountDue: 250000,
		Customer:  &stripe.Customer{ID: "cus_123"},
		DueDate:   due.Unix(),
		Metadata: map[string]string{
			"workspace_id":    "ws-1",
			"order_reference": "order_789",
		},
	}

	got := mapInvoice(inv)

	assert.Equal(t, "in_123", got.ID)
	assert.Equal(t, "open", got.Status)
	assert.Equal(t, "INR", got.Currency)
	assert.Equal(t, "250000", got.AmountDue.String())
	assert.Equal(t, "order_789", got.OrderReference)
	assert.Equal(t, due, got.DueDate)
	assert.False(t, got.Settled())
}
