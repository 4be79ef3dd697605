package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/sagepilot/billing-engine/internal/clock"
	"github.com/sagepilot/billing-engine/internal/config"
	entitlementservice "github.com/sagepilot/billing-engine/internal/entitlement/service"
	ledgerdomain "github.com/sagepilot/billing-engine/internal/ledger/domain"
	"github.com/sagepilot/billing-engine/internal/observability/metrics"
	"github.com/sagepilot/billing-engine/internal/queue"
	"github.com/sagepilot/billing-engine/internal/reconciliation/domain"
)

type Params struct {
	fx.In

	Config       config.Config
	DB           *gorm.DB
	GenID        *snowflake.Node
	Repo         domain.Repository
	Gateway      ledgerdomain.Gateway
	Entitlements *entitlementservice.Service
	Queues       queue.Queues
	Clock        clock.Clock
	Metrics      *metrics.Metrics `optional:"true"`
	Log          *zap.Logger
}

// Service matches external payment captures against ledger invoices and
// settles them out of band. The ledger stays the source of truth; this
// service only records the trail and pushes the settlement.
type Service struct {
	db           *gorm.DB
	genID        *snowflake.Node
	repo         domain.Repository
	gateway      ledgerdomain.Gateway
	entitlements *entitlementservice.Service
	queues       queue.Queues
	clk          clock.Clock
	maxAttempts  int
	metrics      *metrics.Metrics
	log          *zap.Logger
}

func New(p Params) *Service {
	maxAttempts := p.Config.ReconcileMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Service{
		db:           p.DB,
		genID:        p.GenID,
		repo:         p.Repo,
		gateway:      p.Gateway,
		entitlements: p.Entitlements,
		queues:       p.Queues,
		clk:          p.Clock,
		maxAttempts:  maxAttempts,
		metrics:      p.Metrics,
		log:          p.Log.Named("reconciliation.service"),
	}
}

// Submit hands a task to the payment events queue, or processes it inline
// when no queue is configured.
func (s *Service) Submit(ctx context.Context, task domain.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	if s.queues.PaymentEvents == nil {
		return s.Process(ctx, task)
	}

	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := s.queues.PaymentEvents.Send(ctx, body, map[string]string{"gateway": task.Gateway}); err != nil {
		s.metrics.RecordQueueMessage(ctx, s.queues.PaymentEvents.Name(), "send_failed")
		return err
	}
	s.metrics.RecordQueueMessage(ctx, s.queues.PaymentEvents.Name(), "sent")
	return nil
}

// Process runs one reconciliation attempt to completion. Transient
// failures leave the record pending and return an error the consumer
// treats as a redelivery signal; terminal outcomes are persisted.
func (s *Service) Process(ctx context.Context, task domain.Task) error {
	if err := task.Validate(); err != nil {
		s.metrics.RecordReconciliation(ctx, task.Gateway, "invalid")
		return err
	}

	record, err := s.admit(ctx, task)
	if err != nil {
		return err
	}
	if record == nil {
		// Terminal record already exists for this reference.
		s.metrics.RecordReconciliation(ctx, task.Gateway, "deduplicated")
		return nil
	}

	attempts := record.Attempts + 1

	invoice, err := s.resolveInvoice(ctx, task, record)
	if err != nil {
		return s.attemptFailed(ctx, record, attempts, err)
	}

	if invoice.Settled() {
		return s.settle(ctx, record, invoice)
	}

	if !record.Amount.Equal(invoice.AmountDue) || !strings.EqualFold(record.Currency, invoice.Currency) {
		detail := fmt.Sprintf("captured %s %s, invoice due %s %s",
			record.Amount, strings.ToLower(record.Currency),
			invoice.AmountDue, strings.ToLower(invoice.Currency),
		)
		s.log.Error("reconciliation amount mismatch",
			zap.String("gateway", record.Gateway),
			zap.String("external_reference", record.ExternalReference),
			zap.String("invoice_id", invoice.ID),
			zap.String("detail", detail),
		)
		if err := s.repo.MarkFailed(ctx, s.db, record.ID, "amount mismatch: "+detail); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		s.metrics.RecordReconciliation(ctx, record.Gateway, "mismatch")
		return fmt.Errorf("%w: %s", domain.ErrAmountMismatch, detail)
	}

	if err := s.repo.MarkMatched(ctx, s.db, record.ID, invoice.ID, invoice.WorkspaceID); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	record.LedgerInvoiceID = invoice.ID
	record.WorkspaceID = invoice.WorkspaceID

	if err := s.gateway.MarkInvoicePaidOutOfBand(ctx, invoice.ID, record.ExternalReference); err != nil {
		if ledgerdomain.Classify(err) == ledgerdomain.ClassAlreadySettled {
			return s.settle(ctx, record, invoice)
		}
		return s.attemptFailed(ctx, record, attempts, err)
	}

	return s.settle(ctx, record, invoice)
}

// ListFailed returns the most recently failed records for operator review.
func (s *Service) ListFailed(ctx context.Context, limit int) ([]domain.Record, error) {
	return s.repo.ListFailed(ctx, s.db, limit)
}

// admit inserts the record or loads the existing one for this reference.
// A nil record with nil error means the work already reached a terminal
// state.
func (s *Service) admit(ctx context.Context, task domain.Task) (*domain.Record, error) {
	now := s.clk.Now()
	record := &domain.Record{
		ID:                s.genID.Generate(),
		Gateway:           task.Gateway,
		ExternalReference: strings.TrimSpace(task.ExternalReference),
		LedgerInvoiceID:   strings.TrimSpace(task.InvoiceID),
		Amount:            task.Amount,
		Currency:          strings.ToLower(strings.TrimSpace(task.Currency)),
		Status:            domain.StatusPending,
		RawPayload:        datatypes.JSON(task.RawPayload),
		ReceivedAt:        now,
		UpdatedAt:         now,
	}

	inserted, err := s.repo.Insert(ctx, s.db, record)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if inserted {
		return record, nil
	}

	existing, err := s.repo.Find(ctx, s.db, record.Gateway, record.ExternalReference)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if existing == nil {
		return nil, fmt.Errorf("%w: record vanished after conflicting insert", domain.ErrStoreUnavailable)
	}
	if existing.Terminal() {
		s.log.Info("reconciliation already resolved",
			zap.String("gateway", existing.Gateway),
			zap.String("external_reference", existing.ExternalReference),
			zap.String("status", existing.Status),
		)
		return nil, nil
	}
	return existing, nil
}

func (s *Service) resolveInvoice(ctx context.Context, task domain.Task, record *domain.Record) (*ledgerdomain.Invoice, error) {
	if record.LedgerInvoiceID != "" {
		return s.gateway.GetInvoice(ctx, record.LedgerInvoiceID)
	}
	reference := strings.TrimSpace(task.OrderReference)
	if reference == "" {
		reference = record.ExternalReference
	}
	return s.gateway.FindInvoiceByOrderReference(ctx, reference)
}

// attemptFailed records the failed attempt and decides between retry and
// terminal failure. Transient errors under the attempt budget propagate
// unchanged so the consumer leaves the message for redelivery.
func (s *Service) attemptFailed(ctx context.Context, record *domain.Record, attempts int, cause error) error {
	if ledgerdomain.IsTransient(cause) && attempts < s.maxAttempts {
		if err := s.repo.RecordAttempt(ctx, s.db, record.ID, attempts, cause.Error()); err != nil {
			s.log.Warn("reconciliation attempt bookkeeping failed", zap.Error(err))
		}
		s.log.Warn("reconciliation attempt deferred",
			zap.String("gateway", record.Gateway),
			zap.String("external_reference", record.ExternalReference),
			zap.Int("attempt", attempts),
			zap.Error(cause),
		)
		s.metrics.RecordReconciliation(ctx, record.Gateway, "retried")
		return cause
	}

	detail := cause.Error()
	terminal := cause
	if ledgerdomain.IsTransient(cause) {
		detail = fmt.Sprintf("retry attempts exhausted after %d: %v", attempts, cause)
		terminal = fmt.Errorf("%w: %v", domain.ErrAttemptsExhausted, cause)
	} else if ledgerdomain.Classify(cause) == ledgerdomain.ClassNotFound {
		terminal = fmt.Errorf("%w: %v", domain.ErrInvoiceNotFound, cause)
	}

	if err := s.repo.MarkFailed(ctx, s.db, record.ID, detail); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	s.log.Error("reconciliation failed",
		zap.String("gateway", record.Gateway),
		zap.String("external_reference", record.ExternalReference),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)
	s.metrics.RecordReconciliation(ctx, record.Gateway, "failed")
	return terminal
}

func (s *Service) settle(ctx context.Context, record *domain.Record, invoice *ledgerdomain.Invoice) error {
	if record.Status != domain.StatusMatched {
		if err := s.repo.MarkMatched(ctx, s.db, record.ID, invoice.ID, invoice.WorkspaceID); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		record.WorkspaceID = invoice.WorkspaceID
	}
	if err := s.repo.MarkSettled(ctx, s.db, record.ID, s.clk.Now()); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	if record.WorkspaceID != "" {
		if err := s.entitlements.Invalidate(ctx, record.WorkspaceID); err != nil {
			// Snapshot TTL ages the stale entry out regardless.
			s.log.Warn("entitlement invalidation after settlement failed",
				zap.String("workspace_id", record.WorkspaceID),
				zap.Error(err),
			)
		}
	}

	s.log.Info("invoice settled out of band",
		zap.String("gateway", record.Gateway),
		zap.String("external_reference", record.ExternalReference),
		zap.String("invoice_id", invoice.ID),
	)
	s.metrics.RecordReconciliation(ctx, record.Gateway, "settled")
	return nil
}
