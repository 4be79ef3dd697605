package queue

import (
	"context"
	"time"
)

// Message is one delivery from a queue. ReceiptHandle acknowledges this
// delivery specifically; redeliveries of the same message carry new handles.
type Message struct {
	ID            string
	Body          []byte
	Attributes    map[string]string
	ReceiptHandle string
}

// Queue is an at-least-once message queue. Unacked messages become
// visible again after the receive's visibility timeout. Nack shortens or
// stretches that window so a consumer can pace the next redelivery.
type Queue interface {
	Name() string
	Send(ctx context.Context, body []byte, attributes map[string]string) error
	Receive(ctx context.Context, max int, wait, visibility time.Duration) ([]Message, error)
	Ack(ctx context.Context, receiptHandle string) error
	Nack(ctx context.Context, receiptHandle string, delay time.Duration) error
}
