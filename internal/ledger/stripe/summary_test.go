package stripe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"

	"github.com/sagepilot/billing-engine/internal/config"
)

func stubLedgerBackend(t *testing.T, handler http.Handler) *Gateway {
	t.Helper()

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	prev := stripe.GetBackend(stripe.APIBackend)
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL: stripe.String(ts.URL),
	}))
	t.Cleanup(func() { stripe.SetBackend(stripe.APIBackend, prev) })

	gw, err := NewGateway(config.Config{LedgerSecretKey: "sk_test_summary"}, zap.NewNop())
	require.NoError(t, err)
	return gw
}

func writeList(t *testing.T, w http.ResponseWriter, url string, data []map[string]any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
		"object":   "list",
		"url":      url,
		"has_more": false,
		"data":     data,
	}))
}

func TestGetUsageSummarySumsMeterTotals(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/billing/meters", func(w http.ResponseWriter, r *http.Request) {
		writeList(t, w, "/v1/billing/meters", []map[string]any{
			{"id": "mtr_ai", "object": "billing.meter", "event_name": "ai_credits"},
			{"id": "mtr_wa", "object": "billing.meter", "event_name": "whatsapp_message"},
		})
	})
	mux.HandleFunc("/v1/billing/meters/mtr_ai/event_summaries", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "cus_1", q.Get("customer"))
		assert.NotEmpty(t, q.Get("start_time"))
		assert.NotEmpty(t, q.Get("end_time"))
		writeList(t, w, "/v1/billing/meters/mtr_ai/event_summaries", []map[string]any{
			{"id": "sum_1", "object": "billing.meter_event_summary", "aggregated_value": 12.5},
			{"id": "sum_2", "object": "billing.meter_event_summary", "aggregated_value": 2.5},
		})
	})
	gw := stubLedgerBackend(t, mux)

	periodStart := time.Date(2026, 8, 1, 0, 0, 17, 0, time.UTC)
	periodEnd := time.Date(2026, 9, 1, 0, 0, 43, 0, time.UTC)

	summaries, err := gw.GetUsageSummary(context.Background(), "cus_1", []string{"ai_credits"}, periodStart, periodEnd)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "ai_credits", summaries[0].Meter)
	assert.Equal(t, "15", summaries[0].Total.String())
	assert.Equal(t, periodStart.Truncate(time.Minute), summaries[0].PeriodStart)
	assert.Equal(t, periodEnd.Truncate(time.Minute), summaries[0].PeriodEnd)
}

func TestGetUsageSummarySkipsUnknownMeters(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/billing/meters", func(w http.ResponseWriter, r *http.Request) {
		writeList(t, w, "/v1/billing/meters", []map[string]any{
			{"id": "mtr_ai", "object": "billing.meter", "event_name": "ai_credits"},
		})
	})
	mux.HandleFunc("/v1/billing/meters/mtr_ai/event_summaries", func(w http.ResponseWriter, r *http.Request) {
		writeList(t, w, "/v1/billing/meters/mtr_ai/event_summaries", []map[string]any{})
	})
	gw := stubLedgerBackend(t, mux)

	summaries, err := gw.GetUsageSummary(context.Background(), "cus_1",
		[]string{"ai_credits", "email_send"}, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "ai_credits", summaries[0].Meter)
	assert.True(t, summaries[0].Total.IsZero())
}
