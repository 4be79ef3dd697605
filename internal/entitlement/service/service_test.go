package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/sagepilot/billing-engine/internal/cache"
	"github.com/sagepilot/billing-engine/internal/clock"
	"github.com/sagepilot/billing-engine/internal/config"
	ledgerdomain "github.com/sagepilot/billing-engine/internal/ledger/domain"
	"github.com/sagepilot/billing-engine/internal/workspace"
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

type fixture struct {
	service *Service
	gateway *mockGateway
	mirror  *cache.Mirror
	clk     *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		EntitlementCacheTTL: 120 * time.Second,
		CounterRetention:    35 * 24 * time.Hour,
	}
	mirror := cache.NewMirror(client, cfg, zap.NewNop())
	gateway := &mockGateway{}
	clk := clock.NewFakeClock(time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC))

	svc := New(Params{
		Mirror:    mirror,
		Gateway:   gateway,
		Directory: workspace.NewStatic(map[string]string{"ws-1": "cus_1"}),
		Catalog:   config.NewStaticPlanCatalogHolder(config.DefaultPlanCatalog()),
		Clock:     clk,
		Log:       zap.NewNop(),
	})
	return &fixture{service: svc, gateway: gateway, mirror: mirror, clk: clk}
}

func growthSubscription() *ledgerdomain.Subscription {
	return &ledgerdomain.Subscription{
		ID:          "sub_1",
		CustomerID:  "cus_1",
		WorkspaceID: "ws-1",
		Status:      "active",
		Tier:        "growth",
		PeriodStart: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestResolveComputesOnMissAndCaches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.gateway.On("GetSubscription", mock.Anything, "cus_1").Return(growthSubscription(), nil).Once()

	snapshot, err := f.service.Resolve(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, "growth", snapshot.Tier)
	assert.True(t, snapshot.HasFeature("automations"))
	assert.Equal(t, float64(10000), snapshot.Limits["ai_credits"])

	// Second read is served from the mirror, gateway not called again.
	snapshot, err = f.service.Resolve(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, "growth", snapshot.Tier)
	f.gateway.AssertExpectations(t)
}

func TestResolveLedgerLimitsOverrideCatalog(t *testing.T) {
	f := newFixture(t)

	sub := growthSubscription()
	sub.Limits = map[string]float64{"ai_credits": 99999}
	f.gateway.On("GetSubscription", mock.Anything, "cus_1").Return(sub, nil).Once()

	snapshot, err := f.service.Resolve(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, float64(99999), snapshot.Limits["ai_credits"])
	assert.Equal(t, float64(5000), snapshot.Limits["whatsapp_messages"])
}

func TestResolveNoSubscriptionFallsBackToFree(t *testing.T) {
	f := newFixture(t)

	notFound := ledgerdomain.NewGatewayError(ledgerdomain.ClassNotFound, "get_subscription", errors.New("none"))
	f.gateway.On("GetSubscription", mock.Anything, "cus_1").Return(nil, notFound).Once()

	snapshot, err := f.service.Resolve(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, "free", snapshot.Tier)
	assert.True(t, snapshot.HasFeature("ai_chat"))
	assert.Equal(t, float64(50), snapshot.Limits["ai_credits"])
}

func TestResolveUnknownWorkspaceFallsBackToFree(t *testing.T) {
	f := newFixture(t)

	snapshot, err := f.service.Resolve(context.Background(), "ws-unknown")
	require.NoError(t, err)
	assert.Equal(t, "free", snapshot.Tier)
}

func TestResolvePropagatesTransientLedgerFailure(t *testing.T) {
	f := newFixture(t)

	transient := ledgerdomain.NewGatewayError(ledgerdomain.ClassTransient, "get_subscription", errors.New("timeout"))
	f.gateway.On("GetSubscription", mock.Anything, "cus_1").Return(nil, transient).Once()

	_, err := f.service.Resolve(context.Background(), "ws-1")
	require.Error(t, err)
	assert.Equal(t, ledgerdomain.ClassTransient, ledgerdomain.Classify(err))
}

func TestCheckFeature(t *testing.T) {
	f := newFixture(t)

	f.gateway.On("GetSubscription", mock.Anything, "cus_1").Return(growthSubscription(), nil).Once()

	ok, err := f.service.CheckFeature(context.Background(), "ws-1", "automations")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.service.CheckFeature(context.Background(), "ws-1", "dedicated_support")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckFeatureInactiveSubscription(t *testing.T) {
	f := newFixture(t)

	sub := growthSubscription()
	sub.Status = "canceled"
	f.gateway.On("GetSubscription", mock.Anything, "cus_1").Return(sub, nil).Once()

	ok, err := f.service.CheckFeature(context.Background(), "ws-1", "automations")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckUsageLimitAgainstLiveCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub := growthSubscription()
	f.gateway.On("GetSubscription", mock.Anything, "cus_1").Return(sub, nil).Once()

	_, err := f.mirror.IncrementCounter(ctx, "ws-1", "ai_credits", sub.PeriodStart, 9999)
	require.NoError(t, err)

	check, err := f.service.CheckUsageLimit(ctx, "ws-1", "ai_credits")
	require.NoError(t, err)
	assert.True(t, check.Limited)
	assert.True(t, check.Allowed)
	assert.InDelta(t, 1, check.Remaining, 1e-9)

	_, err = f.mirror.IncrementCounter(ctx, "ws-1", "ai_credits", sub.PeriodStart, 1)
	require.NoError(t, err)

	check, err = f.service.CheckUsageLimit(ctx, "ws-1", "ai_credits")
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Zero(t, check.Remaining)
}

func TestCheckUsageLimitUnlimitedMeter(t *testing.T) {
	f := newFixture(t)

	sub := growthSubscription()
	f.gateway.On("GetSubscription", mock.Anything, "cus_1").Return(sub, nil).Once()

	check, err := f.service.CheckUsageLimit(context.Background(), "ws-1", "api_calls")
	require.NoError(t, err)
	assert.False(t, check.Limited)
	assert.True(t, check.Allowed)
}

func TestInvalidateForcesRecompute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.gateway.On("GetSubscription", mock.Anything, "cus_1").Return(growthSubscription(), nil).Twice()

	_, err := f.service.Resolve(ctx, "ws-1")
	require.NoError(t, err)

	require.NoError(t, f.service.Invalidate(ctx, "ws-1"))

	_, err = f.service.Resolve(ctx, "ws-1")
	require.NoError(t, err)
	f.gateway.AssertExpectations(t)
}
