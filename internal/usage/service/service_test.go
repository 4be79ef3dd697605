package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/sagepilot/billing-engine/internal/cache"
	"github.com/sagepilot/billing-engine/internal/clock"
	"github.com/sagepilot/billing-engine/internal/config"
	entitlementservice "github.com/sagepilot/billing-engine/internal/entitlement/service"
	"github.com/sagepilot/billing-engine/internal/idempotency"
	ledgerdomain "github.com/sagepilot/billing-engine/internal/ledger/domain"
	"github.com/sagepilot/billing-engine/internal/queue"
	usagedomain "github.com/sagepilot/billing-engine/internal/usage/domain"
	"github.com/sagepilot/billing-engine/internal/workspace"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) PushUsage(ctx context.Context, record ledgerdomain.UsageRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *mockGateway) GetSubscription(ctx context.Context, customerID string) (*ledgerdomain.Subscription, error) {
	args := m.Called(ctx, customerID)
	if sub := args.Get(0); sub != nil {
		return sub.(*ledgerdomain.Subscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) GetInvoice(ctx context.Context, invoiceID string) (*ledgerdomain.Invoice, error) {
	args := m.Called(ctx, invoiceID)
	if inv := args.Get(0); inv != nil {
		return inv.(*ledgerdomain.Invoice), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) MarkInvoicePaidOutOfBand(ctx context.Context, invoiceID, reference string) error {
	args := m.Called(ctx, invoiceID, reference)
	return args.Error(0)
}

func (m *mockGateway) FindInvoiceByOrderReference(ctx context.Context, reference string) (*ledgerdomain.Invoice, error) {
	args := m.Called(ctx, reference)
	if inv := args.Get(0); inv != nil {
		return inv.(*ledgerdomain.Invoice), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) ListOverdueInvoices(ctx context.Context, limit int) ([]ledgerdomain.Invoice, error) {
	args := m.Called(ctx, limit)
	if invs := args.Get(0); invs != nil {
		return invs.([]ledgerdomain.Invoice), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) CreateCheckoutSession(ctx context.Context, req ledgerdomain.CheckoutRequest) (*ledgerdomain.CheckoutSession, error) {
	args := m.Called(ctx, req)
	if sess := args.Get(0); sess != nil {
		return sess.(*ledgerdomain.CheckoutSession), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*ledgerdomain.Subscription, error) {
	args := m.Called(ctx, subscriptionID, atPeriodEnd)
	if sub := args.Get(0); sub != nil {
		return sub.(*ledgerdomain.Subscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) GetUsageSummary(ctx context.Context, customerID string, meters []string, periodStart, periodEnd time.Time) ([]ledgerdomain.MeterSummary, error) {
	args := m.Called(ctx, customerID, meters, periodStart, periodEnd)
	if summaries := args.Get(0); summaries != nil {
		return summaries.([]ledgerdomain.MeterSummary), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) VerifyWebhook(payload []byte, sigHeader string) (*ledgerdomain.Event, error) {
	args := m.Called(payload, sigHeader)
	if event := args.Get(0); event != nil {
		return event.(*ledgerdomain.Event), args.Error(1)
	}
	return nil, args.Error(1)
}

var testPeriodStart = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	service *Service
	gateway *mockGateway
	mirror  *cache.Mirror
	queue   *queue.InMemory
}

func newFixture(t *testing.T, withQueue bool) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		MeterAICredits:        "ai_credits",
		MeterWhatsAppMessages: "whatsapp_messages",
		MeterEmailSends:       "email_sends",
		MeterSMSSends:         "sms_sends",
		EntitlementCacheTTL:   120 * time.Second,
		CounterRetention:      35 * 24 * time.Hour,
		IdempotencyTTL:        time.Hour,
	}

	mirror := cache.NewMirror(client, cfg, zap.NewNop())
	gateway := &mockGateway{}

	entitlements := entitlementservice.New(entitlementservice.Params{
		Mirror:    mirror,
		Gateway:   gateway,
		Directory: workspace.NewStatic(map[string]string{"ws-1": "cus_1"}),
		Catalog:   config.NewStaticPlanCatalogHolder(config.DefaultPlanCatalog()),
		Clock:     clock.NewFakeClock(time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)),
		Log:       zap.NewNop(),
	})

	queues := queue.Queues{}
	var inmem *queue.InMemory
	if withQueue {
		inmem = queue.NewInMemory("usage-events")
		queues.UsageEvents = inmem
	}

	svc := New(Params{
		Config:       cfg,
		Guard:        idempotency.NewGuard(client, cfg),
		Mirror:       mirror,
		Gateway:      gateway,
		Entitlements: entitlements,
		Queues:       queues,
		Log:          zap.NewNop(),
	})

	gateway.On("GetSubscription", mock.Anything, "cus_1").Return(&ledgerdomain.Subscription{
		ID:          "sub_1",
		CustomerID:  "cus_1",
		WorkspaceID: "ws-1",
		Status:      "active",
		Tier:        "growth",
		PeriodStart: testPeriodStart,
		PeriodEnd:   testPeriodStart.AddDate(0, 1, 0),
	}, nil).Maybe()

	return &fixture{service: svc, gateway: gateway, mirror: mirror, queue: inmem}
}

func testEvent(key string) usagedomain.Event {
	return usagedomain.Event{
		WorkspaceID:    "ws-1",
		Type:           usagedomain.EventTypeAICredits,
		Value:          decimal.NewFromInt(3),
		IdempotencyKey: key,
	}
}

func TestRecordCommitsAndMirrorsCounter(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	f.gateway.On("PushUsage", mock.Anything, mock.MatchedBy(func(r ledgerdomain.UsageRecord) bool {
		return r.CustomerID == "cus_1" && r.Meter == "ai_credits" && r.IdempotencyKey == "evt-1"
	})).Return(nil).Once()

	outcome, err := f.service.Record(ctx, testEvent("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, usagedomain.OutcomeCommitted, outcome)

	total, err := f.mirror.GetCounter(ctx, "ws-1", "ai_credits", testPeriodStart)
	require.NoError(t, err)
	assert.InDelta(t, 3, total, 1e-9)
	f.gateway.AssertExpectations(t)
}

func TestRecordDeduplicatesRetries(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	f.gateway.On("PushUsage", mock.Anything, mock.Anything).Return(nil).Once()

	outcome, err := f.service.Record(ctx, testEvent("evt-1"))
	require.NoError(t, err)
	require.Equal(t, usagedomain.OutcomeCommitted, outcome)

	outcome, err = f.service.Record(ctx, testEvent("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, usagedomain.OutcomeDeduplicated, outcome)

	// Counter unchanged by the duplicate.
	total, err := f.mirror.GetCounter(ctx, "ws-1", "ai_credits", testPeriodStart)
	require.NoError(t, err)
	assert.InDelta(t, 3, total, 1e-9)
	f.gateway.AssertExpectations(t)
}

func TestRecordTransientFailureReleasesAdmission(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	transient := ledgerdomain.NewGatewayError(ledgerdomain.ClassTransient, "push_usage", errors.New("timeout"))
	f.gateway.On("PushUsage", mock.Anything, mock.Anything).Return(transient).Once()
	f.gateway.On("PushUsage", mock.Anything, mock.Anything).Return(nil).Once()

	_, err := f.service.Record(ctx, testEvent("evt-1"))
	require.Error(t, err)
	assert.True(t, ledgerdomain.IsTransient(err))

	// Counter untouched by the failed attempt.
	total, err := f.mirror.GetCounter(ctx, "ws-1", "ai_credits", testPeriodStart)
	require.NoError(t, err)
	assert.Zero(t, total)

	// Redelivery is admitted again and succeeds.
	outcome, err := f.service.Record(ctx, testEvent("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, usagedomain.OutcomeCommitted, outcome)
	f.gateway.AssertExpectations(t)
}

func TestRecordPermanentFailureCommitsFailed(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	permanent := ledgerdomain.NewGatewayError(ledgerdomain.ClassPermanent, "push_usage", errors.New("unknown meter"))
	f.gateway.On("PushUsage", mock.Anything, mock.Anything).Return(permanent).Once()

	outcome, err := f.service.Record(ctx, testEvent("evt-1"))
	require.Error(t, err)
	assert.Equal(t, usagedomain.OutcomeFailed, outcome)

	// The failure is terminal; the retry deduplicates instead of re-pushing.
	outcome, err = f.service.Record(ctx, testEvent("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, usagedomain.OutcomeDeduplicated, outcome)
	f.gateway.AssertExpectations(t)
}

func TestRecordRejectsInvalidEvents(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	event := testEvent("evt-1")
	event.Value = decimal.Zero
	_, err := f.service.Record(ctx, event)
	assert.ErrorIs(t, err, usagedomain.ErrInvalidValue)

	event = testEvent("")
	_, err = f.service.Record(ctx, event)
	assert.ErrorIs(t, err, usagedomain.ErrMissingIdempotencyKey)

	event = testEvent("evt-1")
	event.Type = "carrier_pigeons"
	_, err = f.service.Record(ctx, event)
	assert.ErrorIs(t, err, usagedomain.ErrUnknownEventType)
}

func TestPublishEnqueues(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	require.NoError(t, f.service.Publish(ctx, testEvent("evt-1")))

	batch, err := f.queue.Receive(ctx, 1, 0, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	var event usagedomain.Event
	require.NoError(t, json.Unmarshal(batch[0].Body, &event))
	assert.Equal(t, "evt-1", event.IdempotencyKey)
	assert.Equal(t, string(usagedomain.EventTypeAICredits), batch[0].Attributes["type"])
}

func TestPublishRecordsInlineWithoutQueue(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	f.gateway.On("PushUsage", mock.Anything, mock.Anything).Return(nil).Once()

	require.NoError(t, f.service.Publish(ctx, testEvent("evt-1")))
	f.gateway.AssertExpectations(t)
}

func TestReportPullsLedgerSummaries(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	summaries := []ledgerdomain.MeterSummary{
		{Meter: "ai_credits", Total: decimal.NewFromInt(42)},
	}
	f.gateway.On("GetUsageSummary", mock.Anything, "cus_1", mock.Anything, mock.Anything, mock.Anything).
		Return(summaries, nil).Once()

	got, err := f.service.Report(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ai_credits", got[0].Meter)
	f.gateway.AssertExpectations(t)
}

func TestConcurrentDuplicatesPushExactlyOnce(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	f.gateway.On("PushUsage", mock.Anything, mock.Anything).Return(nil)

	const submissions = 8
	outcomes := make(chan usagedomain.Outcome, submissions)
	var wg sync.WaitGroup
	for i := 0; i < submissions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := f.service.Record(ctx, testEvent("evt-race"))
			assert.NoError(t, err)
			outcomes <- outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	committed := 0
	for outcome := range outcomes {
		switch outcome {
		case usagedomain.OutcomeCommitted:
			committed++
		default:
			assert.Equal(t, usagedomain.OutcomeDeduplicated, outcome)
		}
	}
	assert.Equal(t, 1, committed)
	f.gateway.AssertNumberOfCalls(t, "PushUsage", 1)

	total, err := f.mirror.GetCounter(ctx, "ws-1", "ai_credits", testPeriodStart)
	require.NoError(t, err)
	assert.InDelta(t, 3, total, 1e-9)
}
