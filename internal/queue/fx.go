package queue

import (
	"context"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/sagepilot/billing-engine/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Queues holds the three pipeline queues. A nil entry means the queue is
// unconfigured and the HTTP surface processes that flow inline (dev mode).
type Queues struct {
	UsageEvents   Queue
	LedgerEvents  Queue
	PaymentEvents Queue
}

func NewQueues(cfg config.Config, log *zap.Logger) (Queues, error) {
	urls := map[string]string{
		"usage-events":   strings.TrimSpace(cfg.UsageEventsQueueURL),
		"ledger-events":  strings.TrimSpace(cfg.LedgerEventsQueueURL),
		"payment-events": strings.TrimSpace(cfg.PaymentEventsQueueURL),
	}

	anyConfigured := false
	for _, url := range urls {
		if url != "" {
			anyConfigured = true
		}
	}

	var queues Queues
	if !anyConfigured {
		log.Warn("no queue urls configured, webhook and usage flows run inline")
		return queues, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return queues, err
	}
	client := awssqs.NewFromConfig(awsCfg)

	build := func(name, url string) Queue {
		if url == "" {
			log.Warn("queue not configured, flow runs inline", zap.String("queue", name))
			return nil
		}
		return newSQSQueue(client, name, url)
	}

	queues.UsageEvents = build("usage-events", urls["usage-events"])
	queues.LedgerEvents = build("ledger-events", urls["ledger-events"])
	queues.PaymentEvents = build("payment-events", urls["payment-events"])
	return queues, nil
}

var Module = fx.Module("queue",
	fx.Provide(NewQueues),
)
