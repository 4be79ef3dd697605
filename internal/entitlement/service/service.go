package service

import (
	"context"
	"errors"

	"github.com/sagepilot/billing-engine/internal/cache"
	"github.com/sagepilot/billing-engine/internal/clock"
	"github.com/sagepilot/billing-engine/internal/config"
	entitlementdomain "github.com/sagepilot/billing-engine/internal/entitlement/domain"
	ledgerdomain "github.com/sagepilot/billing-engine/internal/ledger/domain"
	"github.com/sagepilot/billing-engine/internal/observability/metrics"
	"github.com/sagepilot/billing-engine/internal/workspace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Service answers "what can this workspace do right now". Reads go through
// the mirror; a miss recomputes from the ledger and writes back. An absent
// snapshot is never treated as "no entitlement".
type Service struct {
	mirror    *cache.Mirror
	gateway   ledgerdomain.Gateway
	directory workspace.Directory
	catalog   *config.PlanCatalogHolder
	clk       clock.Clock
	metrics   *metrics.Metrics
	log       *zap.Logger
}

type Params struct {
	fx.In

	Mirror    *cache.Mirror
	Gateway   ledgerdomain.Gateway
	Directory workspace.Directory
	Catalog   *config.PlanCatalogHolder
	Clock     clock.Clock
	Metrics   *metrics.Metrics `optional:"true"`
	Log       *zap.Logger
}

func New(p Params) *Service {
	return &Service{
		mirror:    p.Mirror,
		gateway:   p.Gateway,
		directory: p.Directory,
		catalog:   p.Catalog,
		clk:       p.Clock,
		metrics:   p.Metrics,
		log:       p.Log.Named("entitlement.service"),
	}
}

// Resolve returns the workspace's entitlement snapshot, cache-aside.
func (s *Service) Resolve(ctx context.Context, workspaceID string) (*entitlementdomain.Snapshot, error) {
	snapshot, err := s.mirror.GetSnapshot(ctx, workspaceID)
	if err != nil {
		// Mirror trouble degrades to a ledger read, not an outage.
		s.log.Warn("entitlement cache read failed", zap.String("workspace_id", workspaceID), zap.Error(err))
	}
	if snapshot != nil {
		s.metrics.RecordCacheLookup(ctx, "hit")
		return snapshot, nil
	}
	s.metrics.RecordCacheLookup(ctx, "miss")

	computed, err := s.compute(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	if err := s.mirror.PutSnapshot(ctx, *computed); err != nil {
		s.log.Warn("entitlement cache write failed", zap.String("workspace_id", workspaceID), zap.Error(err))
	}
	return computed, nil
}

// CheckFeature reports whether the workspace's plan includes the feature.
func (s *Service) CheckFeature(ctx context.Context, workspaceID, feature string) (bool, error) {
	snapshot, err := s.Resolve(ctx, workspaceID)
	if err != nil {
		return false, err
	}
	return snapshot.Active() && snapshot.HasFeature(feature), nil
}

// CheckUsageLimit compares the live counter against the plan limit for a
// meter. Meters without a limit are unlimited.
func (s *Service) CheckUsageLimit(ctx context.Context, workspaceID, meter string) (entitlementdomain.UsageCheck, error) {
	snapshot, err := s.Resolve(ctx, workspaceID)
	if err != nil {
		return entitlementdomain.UsageCheck{}, err
	}

	check := entitlementdomain.UsageCheck{Meter: meter}
	limit, limited := snapshot.LimitFor(meter)
	if !limited {
		check.Allowed = snapshot.Active()
		return check, nil
	}

	used, err := s.mirror.GetCounter(ctx, workspaceID, meter, snapshot.PeriodStart)
	if err != nil {
		return entitlementdomain.UsageCheck{}, err
	}

	check.Limited = true
	check.Limit = limit
	check.Used = used
	if remaining := limit - used; remaining > 0 {
		check.Remaining = remaining
	}
	check.Allowed = snapshot.Active() && used < limit
	return check, nil
}

// Invalidate drops the cached snapshot after a billing state change.
func (s *Service) Invalidate(ctx context.Context, workspaceID string) error {
	return s.mirror.InvalidateSnapshot(ctx, workspaceID)
}

func (s *Service) compute(ctx context.Context, workspaceID string) (*entitlementdomain.Snapshot, error) {
	customerID, err := s.directory.CustomerID(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			return s.freeSnapshot(workspaceID, ""), nil
		}
		return nil, err
	}

	sub, err := s.gateway.GetSubscription(ctx, customerID)
	if err != nil {
		if ledgerdomain.Classify(err) == ledgerdomain.ClassNotFound {
			return s.freeSnapshot(workspaceID, customerID), nil
		}
		return nil, err
	}

	catalog := s.catalog.Get()
	features := sub.Features
	if len(features) == 0 {
		features = catalog.FeaturesForTier(sub.Tier)
	}

	limits := map[string]float64{}
	for meter, limit := range catalog.LimitsForTier(sub.Tier) {
		limits[meter] = limit
	}
	for meter, limit := range sub.Limits {
		limits[meter] = limit
	}

	return &entitlementdomain.Snapshot{
		WorkspaceID:    workspaceID,
		CustomerID:     customerID,
		SubscriptionID: sub.ID,
		Tier:           sub.Tier,
		Status:         sub.Status,
		Features:       features,
		Limits:         limits,
		PeriodStart:    sub.PeriodStart,
		PeriodEnd:      sub.PeriodEnd,
		ResolvedAt:     s.clk.Now(),
	}, nil
}

func (s *Service) freeSnapshot(workspaceID, customerID string) *entitlementdomain.Snapshot {
	catalog := s.catalog.Get()
	return &entitlementdomain.Snapshot{
		WorkspaceID: workspaceID,
		CustomerID:  customerID,
		Tier:        "free",
		Status:      "active",
		Features:    catalog.FeaturesForTier("free"),
		Limits:      catalog.LimitsForTier("free"),
		ResolvedAt:  s.clk.Now(),
	}
}
