package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type inmemMessage struct {
	id         string
	body       []byte
	attributes map[string]string

	visibleAt time.Time
	receipt   string
}

// InMemory is a process-local queue with at-least-once semantics. Unacked
// receives return to the pool after their visibility timeout. Used by
// tests and by single-process dev setups.
type InMemory struct {
	name string

	mu       sync.Mutex
	messages []*inmemMessage
}

func NewInMemory(name string) *InMemory {
	return &InMemory{name: name}
}

func (q *InMemory) Name() string {
	return q.name
}

func (q *InMemory) Send(ctx context.Context, body []byte, attributes map[string]string) error {
	_ = ctx
	q.mu.Lock()
	defer q.mu.Unlock()

	copied := make([]byte, len(body))
	copy(copied, body)
	q.messages = append(q.messages, &inmemMessage{
		id:         uuid.NewString(),
		body:       copied,
		attributes: attributes,
	})
	return nil
}

func (q *InMemory) Receive(ctx context.Context, max int, wait, visibility time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)

	for {
		batch := q.takeVisible(max, visibility)
		if len(batch) > 0 {
			return batch, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (q *InMemory) takeVisible(max int, visibility time.Duration) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var batch []Message
	for _, msg := range q.messages {
		if len(batch) >= max {
			break
		}
		if msg.visibleAt.After(now) {
			continue
		}
		msg.visibleAt = now.Add(visibility)
		msg.receipt = uuid.NewString()
		batch = append(batch, Message{
			ID:            msg.id,
			Body:          msg.body,
			Attributes:    msg.attributes,
			ReceiptHandle: msg.receipt,
		})
	}
	return batch
}

func (q *InMemory) Ack(ctx context.Context, receiptHandle string) error {
	_ = ctx
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, msg := range q.messages {
		if msg.receipt == receiptHandle {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return nil
		}
	}
	// Stale receipts are a normal consequence of redelivery.
	return nil
}

func (q *InMemory) Nack(ctx context.Context, receiptHandle string, delay time.Duration) error {
	_ = ctx
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, msg := range q.messages {
		if msg.receipt == receiptHandle {
			msg.visibleAt = time.Now().Add(delay)
			return nil
		}
	}
	return nil
}

// Len reports the number of messages still held, visible or not.
func (q *InMemory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}
