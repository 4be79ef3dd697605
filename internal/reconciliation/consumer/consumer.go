package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sagepilot/billing-engine/internal/config"
	ledgerdomain "github.com/sagepilot/billing-engine/internal/ledger/domain"
	"github.com/sagepilot/billing-engine/internal/observability/metrics"
	"github.com/sagepilot/billing-engine/internal/queue"
	"github.com/sagepilot/billing-engine/internal/reconciliation/domain"
	"github.com/sagepilot/billing-engine/internal/reconciliation/service"
)

// Consumer drains the payment events queue through the reconciliation
// service.
type Consumer struct {
	queue   queue.Queue
	service *service.Service

	sem          *semaphore.Weighted
	visibility   time.Duration
	waitTime     time.Duration
	msgTimeout   time.Duration
	retryBackoff time.Duration
	metrics      *metrics.Metrics
	log          *zap.Logger
}

type Params struct {
	fx.In

	Config  config.Config
	Queues  queue.Queues
	Service *service.Service
	Metrics *metrics.Metrics `optional:"true"`
	Log     *zap.Logger
}

func New(p Params) *Consumer {
	concurrency := p.Config.ConsumerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	backoff := p.Config.ReconcileRetryBackoff
	if backoff <= 0 {
		backoff = 30 * time.Second
	}
	return &Consumer{
		queue:        p.Queues.PaymentEvents,
		service:      p.Service,
		sem:          semaphore.NewWeighted(int64(concurrency)),
		visibility:   p.Config.ConsumerVisibility,
		waitTime:     p.Config.ConsumerWaitTime,
		msgTimeout:   p.Config.MessageTimeout,
		retryBackoff: backoff,
		metrics:      p.Metrics,
		log:          p.Log.Named("reconciliation.consumer"),
	}
}

func (c *Consumer) RunForever(ctx context.Context) {
	if c.queue == nil {
		c.log.Info("payment events queue not configured, consumer idle")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := c.queue.Receive(ctx, 10, c.waitTime, c.visibility)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("payment events receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range batch {
			if err := c.sem.Acquire(ctx, 1); err != nil {
				return
			}
			go func(msg queue.Message) {
				defer c.sem.Release(1)
				c.handle(ctx, msg)
			}(msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg queue.Message) {
	ctx, cancel := context.WithTimeout(ctx, c.msgTimeout)
	defer cancel()

	var task domain.Task
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		c.log.Error("dropping malformed payment event message", zap.String("message_id", msg.ID), zap.Error(err))
		c.metrics.RecordQueueMessage(ctx, c.queue.Name(), "malformed")
		c.ack(ctx, msg)
		return
	}

	err := c.service.Process(ctx, task)
	if err != nil && c.shouldRedeliver(err) {
		c.log.Warn("payment event deferred for redelivery",
			zap.String("message_id", msg.ID),
			zap.String("external_reference", task.ExternalReference),
			zap.Duration("retry_backoff", c.retryBackoff),
			zap.Error(err),
		)
		c.metrics.RecordQueueMessage(ctx, c.queue.Name(), "redelivered")
		if nackErr := c.queue.Nack(ctx, msg.ReceiptHandle, c.retryBackoff); nackErr != nil {
			c.log.Warn("payment event nack failed", zap.String("message_id", msg.ID), zap.Error(nackErr))
		}
		return
	}

	c.metrics.RecordQueueMessage(ctx, c.queue.Name(), "acked")
	c.ack(ctx, msg)
}

func (c *Consumer) shouldRedeliver(err error) bool {
	return ledgerdomain.IsTransient(err) || errors.Is(err, domain.ErrStoreUnavailable)
}

func (c *Consumer) ack(ctx context.Context, msg queue.Message) {
	if err := c.queue.Ack(ctx, msg.ReceiptHandle); err != nil {
		c.log.Warn("payment event ack failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}
