package ledgerevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sagepilot/billing-engine/internal/cache"
	"github.com/sagepilot/billing-engine/internal/config"
	entitlementservice "github.com/sagepilot/billing-engine/internal/entitlement/service"
	"github.com/sagepilot/billing-engine/internal/idempotency"
	ledgerdomain "github.com/sagepilot/billing-engine/internal/ledger/domain"
	"github.com/sagepilot/billing-engine/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const guardScope = "ledger"

// ErrUnverifiedEvent rejects events that did not pass through the
// signature-verifying receiver.
var ErrUnverifiedEvent = errors.New("ledger event missing verified provenance")

type handler func(ctx context.Context, event ledgerdomain.Event) error

// Processor applies verified ledger events to the local read models. Every
// event type the ledger sends has an explicit row in the dispatch table;
// an unknown type is an error to fix, never a silent no-op.
type Processor struct {
	guard        *idempotency.Guard
	mirror       *cache.Mirror
	entitlements *entitlementservice.Service
	meters       []string
	handlers     map[string]handler
	metrics      *metrics.Metrics
	log          *zap.Logger
}

type Params struct {
	fx.In

	Config       config.Config
	Guard        *idempotency.Guard
	Mirror       *cache.Mirror
	Entitlements *entitlementservice.Service
	Metrics      *metrics.Metrics `optional:"true"`
	Log          *zap.Logger
}

func NewProcessor(p Params) *Processor {
	proc := &Processor{
		guard:        p.Guard,
		mirror:       p.Mirror,
		entitlements: p.Entitlements,
		meters: []string{
			p.Config.MeterAICredits,
			p.Config.MeterWhatsAppMessages,
			p.Config.MeterEmailSends,
			p.Config.MeterSMSSends,
		},
		metrics: p.Metrics,
		log:     p.Log.Named("ledgerevents.processor"),
	}

	proc.handlers = map[string]handler{
		"customer.subscription.created":        proc.invalidateEntitlement,
		"customer.subscription.updated":        proc.subscriptionUpdated,
		"customer.subscription.deleted":        proc.invalidateEntitlement,
		"customer.subscription.trial_will_end": proc.logOnly,
		"invoice.paid":                         proc.invalidateEntitlement,
		"invoice.payment_failed":               proc.invalidateEntitlement,
		"invoice.upcoming":                     proc.logOnly,
		"billing.meter.usage_reported":         proc.logOnly,
	}
	return proc
}

// Process runs one event through the guard and its handler. The returned
// error is transient-classified when the delivery should be retried.
func (p *Processor) Process(ctx context.Context, event ledgerdomain.Event) error {
	if !event.Verified() {
		p.metrics.RecordLedgerEvent(ctx, event.Type, "unverified")
		p.log.Error("refusing unverified ledger event", zap.String("event_id", event.ID))
		return ErrUnverifiedEvent
	}

	decision, err := p.guard.Admit(ctx, guardScope, event.ID)
	if err != nil {
		return err
	}
	if !decision.Admitted {
		p.metrics.RecordLedgerEvent(ctx, event.Type, "deduplicated")
		return nil
	}

	h, known := p.handlers[event.Type]
	if !known {
		// Acked after commit so the unknown type does not loop forever,
		// but loudly: this means the dispatch table is out of date.
		p.metrics.RecordLedgerEvent(ctx, event.Type, "unknown")
		p.log.Error("unknown ledger event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
		)
		p.commit(ctx, event, "unknown")
		return nil
	}

	if err := h(ctx, event); err != nil {
		if ledgerdomain.IsTransient(err) {
			if releaseErr := p.guard.Release(ctx, guardScope, event.ID, decision.Token); releaseErr != nil {
				p.log.Warn("ledger event release failed", zap.String("event_id", event.ID), zap.Error(releaseErr))
			}
			return err
		}
		p.metrics.RecordLedgerEvent(ctx, event.Type, "failed")
		p.log.Error("ledger event handler failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
		p.commit(ctx, event, "failed")
		return err
	}

	p.metrics.RecordLedgerEvent(ctx, event.Type, "processed")
	p.commit(ctx, event, "processed")
	return nil
}

func (p *Processor) commit(ctx context.Context, event ledgerdomain.Event, outcome string) {
	if err := p.guard.Commit(ctx, guardScope, event.ID, outcome); err != nil {
		p.log.Warn("ledger event commit failed", zap.String("event_id", event.ID), zap.Error(err))
	}
}

type subscriptionPayload struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
	Items    struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
		} `json:"data"`
	} `json:"items"`
}

func (s subscriptionPayload) workspaceID() string {
	return s.Metadata["workspace_id"]
}

func (s subscriptionPayload) periodStart() (time.Time, bool) {
	if len(s.Items.Data) == 0 || s.Items.Data[0].CurrentPeriodStart == 0 {
		return time.Time{}, false
	}
	return time.Unix(s.Items.Data[0].CurrentPeriodStart, 0).UTC(), true
}

type invoicePayload struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Metadata map[string]string `json:"metadata"`
}

type subscriptionPrevious struct {
	CurrentPeriodStart *int64 `json:"current_period_start"`
	Items              *struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
		} `json:"data"`
	} `json:"items"`
}

// renewed reports whether the update moved the billing period forward.
func (prev subscriptionPrevious) renewed() bool {
	if prev.CurrentPeriodStart != nil {
		return true
	}
	return prev.Items != nil && len(prev.Items.Data) > 0 && prev.Items.Data[0].CurrentPeriodStart != 0
}

func (p *Processor) subscriptionUpdated(ctx context.Context, event ledgerdomain.Event) error {
	var sub subscriptionPayload
	if err := json.Unmarshal(event.Data, &sub); err != nil {
		return fmt.Errorf("malformed subscription payload: %w", err)
	}

	workspaceID := sub.workspaceID()
	if workspaceID == "" {
		p.log.Warn("subscription event without workspace metadata",
			zap.String("event_id", event.ID),
			zap.String("subscription_id", sub.ID),
		)
		return nil
	}

	var prev subscriptionPrevious
	if len(event.PreviousAttributes) > 0 {
		if err := json.Unmarshal(event.PreviousAttributes, &prev); err != nil {
			return fmt.Errorf("malformed previous attributes: %w", err)
		}
	}

	if prev.renewed() {
		return p.renew(ctx, event, sub, workspaceID)
	}
	return p.invalidate(ctx, workspaceID)
}

func (p *Processor) renew(ctx context.Context, event ledgerdomain.Event, sub subscriptionPayload, workspaceID string) error {
	periodStart, ok := sub.periodStart()
	if !ok {
		p.log.Warn("renewal without a current period start",
			zap.String("event_id", event.ID),
			zap.String("subscription_id", sub.ID),
		)
		return p.invalidate(ctx, workspaceID)
	}

	p.log.Info("billing period renewed, resetting counters",
		zap.String("workspace_id", workspaceID),
		zap.String("subscription_id", sub.ID),
		zap.Time("period_start", periodStart),
	)
	if err := p.mirror.ResetCounters(ctx, workspaceID, p.meters, periodStart); err != nil {
		return ledgerdomain.NewGatewayError(ledgerdomain.ClassTransient, "reset_counters", err)
	}
	return p.invalidate(ctx, workspaceID)
}

func (p *Processor) invalidateEntitlement(ctx context.Context, event ledgerdomain.Event) error {
	workspaceID, err := workspaceFromEvent(event)
	if err != nil {
		return err
	}
	if workspaceID == "" {
		p.log.Warn("ledger event without workspace metadata",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
		)
		return nil
	}
	return p.invalidate(ctx, workspaceID)
}

func (p *Processor) invalidate(ctx context.Context, workspaceID string) error {
	if err := p.entitlements.Invalidate(ctx, workspaceID); err != nil {
		return ledgerdomain.NewGatewayError(ledgerdomain.ClassTransient, "invalidate_entitlement", err)
	}
	return nil
}

func (p *Processor) logOnly(ctx context.Context, event ledgerdomain.Event) error {
	_ = ctx
	p.log.Info("ledger event acknowledged",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
	)
	return nil
}

func workspaceFromEvent(event ledgerdomain.Event) (string, error) {
	var payload struct {
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return "", fmt.Errorf("malformed event payload: %w", err)
	}
	return payload.Metadata["workspace_id"], nil
}
