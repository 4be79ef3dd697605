package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sagepilot/billing-engine/internal/cache"
	"github.com/sagepilot/billing-engine/internal/config"
	entitlementservice "github.com/sagepilot/billing-engine/internal/entitlement/service"
	"github.com/sagepilot/billing-engine/internal/idempotency"
	ledgerdomain "github.com/sagepilot/billing-engine/internal/ledger/domain"
	"github.com/sagepilot/billing-engine/internal/observability/metrics"
	"github.com/sagepilot/billing-engine/internal/queue"
	usagedomain "github.com/sagepilot/billing-engine/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const guardScope = "usage"

// Service runs the usage ingestion pipeline: admit, push to the ledger,
// mirror the counter, commit. The ledger is always written before the
// counter so the mirror can undercount briefly but never overcount.
type Service struct {
	guard        *idempotency.Guard
	mirror       *cache.Mirror
	gateway      ledgerdomain.Gateway
	entitlements *entitlementservice.Service
	queues       queue.Queues
	meters       map[usagedomain.EventType]string
	metrics      *metrics.Metrics
	log          *zap.Logger
}

type Params struct {
	fx.In

	Config       config.Config
	Guard        *idempotency.Guard
	Mirror       *cache.Mirror
	Gateway      ledgerdomain.Gateway
	Entitlements *entitlementservice.Service
	Queues       queue.Queues
	Metrics      *metrics.Metrics `optional:"true"`
	Log          *zap.Logger
}

func New(p Params) *Service {
	return &Service{
		guard:        p.Guard,
		mirror:       p.Mirror,
		gateway:      p.Gateway,
		entitlements: p.Entitlements,
		queues:       p.Queues,
		meters:       meterNames(p.Config),
		metrics:      p.Metrics,
		log:          p.Log.Named("usage.service"),
	}
}

func meterNames(cfg config.Config) map[usagedomain.EventType]string {
	return map[usagedomain.EventType]string{
		usagedomain.EventTypeAICredits:       cfg.MeterAICredits,
		usagedomain.EventTypeWhatsAppMessage: cfg.MeterWhatsAppMessages,
		usagedomain.EventTypeEmailSend:       cfg.MeterEmailSends,
		usagedomain.EventTypeSMSSend:         cfg.MeterSMSSends,
	}
}

// Record processes one usage event synchronously. A transient failure
// releases the admission and returns the error so the delivery retries;
// a permanent failure is committed as failed and surfaced.
func (s *Service) Record(ctx context.Context, event usagedomain.Event) (usagedomain.Outcome, error) {
	if err := event.Validate(); err != nil {
		return "", err
	}
	meter := s.meters[event.Type]

	guardKey := fmt.Sprintf("%s:%s", event.WorkspaceID, event.IdempotencyKey)
	decision, err := s.guard.Admit(ctx, guardScope, guardKey)
	if err != nil {
		return "", err
	}
	if !decision.Admitted {
		s.metrics.RecordUsageEvent(ctx, meter, string(usagedomain.OutcomeDeduplicated))
		s.log.Debug("duplicate usage event dropped",
			zap.String("workspace_id", event.WorkspaceID),
			zap.String("idempotency_key", event.IdempotencyKey),
		)
		return usagedomain.OutcomeDeduplicated, nil
	}

	outcome, err := s.process(ctx, event, meter)
	switch {
	case err == nil:
		if commitErr := s.guard.Commit(ctx, guardScope, guardKey, string(outcome)); commitErr != nil {
			// The work is done; a lost commit only risks one extra dedup miss.
			s.log.Warn("usage commit failed", zap.String("workspace_id", event.WorkspaceID), zap.Error(commitErr))
		}
	case ledgerdomain.IsTransient(err):
		if releaseErr := s.guard.Release(ctx, guardScope, guardKey, decision.Token); releaseErr != nil {
			s.log.Warn("usage admission release failed", zap.String("workspace_id", event.WorkspaceID), zap.Error(releaseErr))
		}
	default:
		outcome = usagedomain.OutcomeFailed
		if commitErr := s.guard.Commit(ctx, guardScope, guardKey, string(outcome)); commitErr != nil {
			s.log.Warn("usage commit failed", zap.String("workspace_id", event.WorkspaceID), zap.Error(commitErr))
		}
	}

	if outcome != "" {
		s.metrics.RecordUsageEvent(ctx, meter, string(outcome))
	}
	return outcome, err
}

func (s *Service) process(ctx context.Context, event usagedomain.Event, meter string) (usagedomain.Outcome, error) {
	snapshot, err := s.entitlements.Resolve(ctx, event.WorkspaceID)
	if err != nil {
		return "", err
	}
	if snapshot.CustomerID == "" {
		return "", fmt.Errorf("workspace %s has no ledger customer", event.WorkspaceID)
	}

	err = s.gateway.PushUsage(ctx, ledgerdomain.UsageRecord{
		WorkspaceID:    event.WorkspaceID,
		CustomerID:     snapshot.CustomerID,
		Meter:          meter,
		IdempotencyKey: event.IdempotencyKey,
		Value:          event.Value,
		OccurredAt:     event.OccurredAt,
	})
	if err != nil {
		return "", err
	}

	// The ledger dedupes pushes by identifier, so a retry after a counter
	// failure cannot double count there.
	_, err = s.mirror.IncrementCounter(ctx, event.WorkspaceID, meter, snapshot.PeriodStart, valueOf(event))
	if err != nil {
		return "", ledgerdomain.NewGatewayError(ledgerdomain.ClassTransient, "counter_increment", err)
	}

	return usagedomain.OutcomeCommitted, nil
}

// Publish enqueues the event for asynchronous processing. Without a
// configured queue it records inline, as dev setups run single-process.
func (s *Service) Publish(ctx context.Context, event usagedomain.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	if s.queues.UsageEvents == nil {
		_, err := s.Record(ctx, event)
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := s.queues.UsageEvents.Send(ctx, body, map[string]string{"type": string(event.Type)}); err != nil {
		s.metrics.RecordQueueMessage(ctx, s.queues.UsageEvents.Name(), "send_failed")
		return err
	}
	s.metrics.RecordQueueMessage(ctx, s.queues.UsageEvents.Name(), "sent")
	return nil
}

// Report summarizes the workspace's reported usage for the current
// billing period, straight from the ledger.
func (s *Service) Report(ctx context.Context, workspaceID string) ([]ledgerdomain.MeterSummary, error) {
	snapshot, err := s.entitlements.Resolve(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if snapshot.CustomerID == "" || snapshot.PeriodStart.IsZero() {
		return nil, errors.New("workspace has no active billing period")
	}

	names := make([]string, 0, len(s.meters))
	for _, name := range s.meters {
		names = append(names, name)
	}
	return s.gateway.GetUsageSummary(ctx, snapshot.CustomerID, names, snapshot.PeriodStart, snapshot.PeriodEnd)
}

func valueOf(event usagedomain.Event) float64 {
	f, _ := event.Value.Float64()
	return f
}
