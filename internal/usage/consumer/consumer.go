package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sagepilot/billing-engine/internal/config"
	"github.com/sagepilot/billing-engine/internal/idempotency"
	ledgerdomain "github.com/sagepilot/billing-engine/internal/ledger/domain"
	"github.com/sagepilot/billing-engine/internal/observability/metrics"
	"github.com/sagepilot/billing-engine/internal/queue"
	usagedomain "github.com/sagepilot/billing-engine/internal/usage/domain"
	usageservice "github.com/sagepilot/billing-engine/internal/usage/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Consumer drains the usage events queue through the ingestion pipeline.
// Messages are acked on any terminal outcome; transient failures leave
// the message unacked for redelivery after the visibility timeout.
type Consumer struct {
	queue   queue.Queue
	service *usageservice.Service

	sem        *semaphore.Weighted
	visibility time.Duration
	waitTime   time.Duration
	msgTimeout time.Duration
	metrics    *metrics.Metrics
	log        *zap.Logger
}

type Params struct {
	fx.In

	Config  config.Config
	Queues  queue.Queues
	Service *usageservice.Service
	Metrics *metrics.Metrics `optional:"true"`
	Log     *zap.Logger
}

func New(p Params) *Consumer {
	concurrency := p.Config.ConsumerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Consumer{
		queue:      p.Queues.UsageEvents,
		service:    p.Service,
		sem:        semaphore.NewWeighted(int64(concurrency)),
		visibility: p.Config.ConsumerVisibility,
		waitTime:   p.Config.ConsumerWaitTime,
		msgTimeout: p.Config.MessageTimeout,
		metrics:    p.Metrics,
		log:        p.Log.Named("usage.consumer"),
	}
}

func (c *Consumer) RunForever(ctx context.Context) {
	if c.queue == nil {
		c.log.Info("usage events queue not configured, consumer idle")
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
			c.log.Warn("usage receive failed", zap.Error(err))
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

	var event usagedomain.Event
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		// Malformed payloads never become processable; ack them out.
		c.log.Error("dropping malformed usage message", zap.String("message_id", msg.ID), zap.Error(err))
		c.metrics.RecordQueueMessage(ctx, c.queue.Name(), "malformed")
		c.ack(ctx, msg)
		return
	}

	outcome, err := c.service.Record(ctx, event)
	if err != nil && c.shouldRedeliver(err) {
		c.log.Warn("usage event deferred for redelivery",
			zap.String("message_id", msg.ID),
			zap.String("workspace_id", event.WorkspaceID),
			zap.Error(err),
		)
		c.metrics.RecordQueueMessage(ctx, c.queue.Name(), "redelivered")
		return
	}
	if err != nil {
		c.log.Error("usage event failed permanently",
			zap.String("message_id", msg.ID),
			zap.String("workspace_id", event.WorkspaceID),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
	}

	c.metrics.RecordQueueMessage(ctx, c.queue.Name(), "acked")
	c.ack(ctx, msg)
}

func (c *Consumer) shouldRedeliver(err error) bool {
	return ledgerdomain.IsTransient(err) || errors.Is(err, idempotency.ErrUnavailable)
}

func (c *Consumer) ack(ctx context.Context, msg queue.Message) {
	if err := c.queue.Ack(ctx, msg.ReceiptHandle); err != nil {
		c.log.Warn("usage ack failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}
