package ledgerevents

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
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Consumer drains the ledger events queue through the processor.
type Consumer struct {
	queue     queue.Queue
	processor *Processor

	sem        *semaphore.Weighted
	visibility time.Duration
	waitTime   time.Duration
	msgTimeout time.Duration
	metrics    *metrics.Metrics
	log        *zap.Logger
}

type ConsumerParams struct {
	fx.In

	Config    config.Config
	Queues    queue.Queues
	Processor *Processor
	Metrics   *metrics.Metrics `optional:"true"`
	Log       *zap.Logger
}

func NewConsumer(p ConsumerParams) *Consumer {
	concurrency := p.Config.ConsumerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Consumer{
		queue:      p.Queues.LedgerEvents,
		processor:  p.Processor,
		sem:        semaphore.NewWeighted(int64(concurrency)),
		visibility: p.Config.ConsumerVisibility,
		waitTime:   p.Config.ConsumerWaitTime,
		msgTimeout: p.Config.MessageTimeout,
		metrics:    p.Metrics,
		log:        p.Log.Named("ledgerevents.consumer"),
	}
}

func (c *Consumer) RunForever(ctx context.Context) {
	if c.queue == nil {
		c.log.Info("ledger events queue not configured, consumer idle")
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
			c.log.Warn("ledger events receive failed", zap.Error(err))
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

	var event ledgerdomain.Event
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		c.log.Error("dropping malformed ledger event message", zap.String("message_id", msg.ID), zap.Error(err))
		c.metrics.RecordQueueMessage(ctx, c.queue.Name(), "malformed")
		c.ack(ctx, msg)
		return
	}

	err := c.processor.Process(ctx, event)
	if err != nil && c.shouldRedeliver(err) {
		c.log.Warn("ledger event deferred for redelivery",
			zap.String("message_id", msg.ID),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
		c.metrics.RecordQueueMessage(ctx, c.queue.Name(), "redelivered")
		return
	}

	c.metrics.RecordQueueMessage(ctx, c.queue.Name(), "acked")
	c.ack(ctx, msg)
}

func (c *Consumer) shouldRedeliver(err error) bool {
	return ledgerdomain.IsTransient(err) || errors.Is(err, idempotency.ErrUnavailable)
}

func (c *Consumer) ack(ctx context.Context, msg queue.Message) {
	if err := c.queue.Ack(ctx, msg.ReceiptHandle); err != nil {
		c.log.Warn("ledger event ack failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}
