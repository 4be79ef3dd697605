package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemorySendReceiveAck(t *testing.T) {
	q := NewInMemory("test")
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, []byte(`{"n":1}`), map[string]string{"kind": "usage"}))

	batch, err := q.Receive(ctx, 10, 0, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, []byte(`{"n":1}`), batch[0].Body)
	assert.Equal(t, "usage", batch[0].Attributes["kind"])
	assert.NotEmpty(t, batch[0].ReceiptHandle)

	require.NoError(t, q.Ack(ctx, batch[0].ReceiptHandle))
	assert.Zero(t, q.Len())
}

func TestInMemoryInvisibleUntilTimeout(t *testing.T) {
	q := NewInMemory("test")
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, []byte("a"), nil))

	first, err := q.Receive(ctx, 1, 0, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Still in flight, nothing to receive.
	second, err := q.Receive(ctx, 1, 0, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, second)

	// Visibility expired without an ack, message comes back.
	time.Sleep(60 * time.Millisecond)
	third, err := q.Receive(ctx, 1, 0, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, first[0].ID, third[0].ID)
	assert.NotEqual(t, first[0].ReceiptHandle, third[0].ReceiptHandle)
}

func TestInMemoryStaleReceiptDoesNotDelete(t *testing.T) {
	q := NewInMemory("test")
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, []byte("a"), nil))

	first, err := q.Receive(ctx, 1, 0, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, first, 1)

	time.Sleep(20 * time.Millisecond)
	second, err := q.Receive(ctx, 1, 0, time.Minute)
	require.NoError(t, err)
	require.Len(t, second, 1)

	// Acking with the first delivery's handle must not drop the redelivery.
	require.NoError(t, q.Ack(ctx, first[0].ReceiptHandle))
	assert.Equal(t, 1, q.Len())

	require.NoError(t, q.Ack(ctx, second[0].ReceiptHandle))
	assert.Zero(t, q.Len())
}

func TestInMemoryNackReschedulesDelivery(t *testing.T) {
	q := NewInMemory("test")
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, []byte("a"), nil))

	first, err := q.Receive(ctx, 1, 0, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Nack overrides the minute-long lease with a short redelivery delay.
	require.NoError(t, q.Nack(ctx, first[0].ReceiptHandle, 30*time.Millisecond))

	early, err := q.Receive(ctx, 1, 0, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, early)

	time.Sleep(40 * time.Millisecond)
	second, err := q.Receive(ctx, 1, 0, time.Minute)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)

	// Nacking a stale receipt is a no-op.
	require.NoError(t, q.Nack(ctx, first[0].ReceiptHandle, time.Hour))
	require.NoError(t, q.Ack(ctx, second[0].ReceiptHandle))
	assert.Zero(t, q.Len())
}

func TestInMemoryReceiveWaits(t *testing.T) {
	q := NewInMemory("test")
	ctx := context.Background()

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = q.Send(context.Background(), []byte("late"), nil)
	}()

	batch, err := q.Receive(ctx, 1, 200*time.Millisecond, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, []byte("late"), batch[0].Body)
}

func TestInMemoryReceiveHonorsContext(t *testing.T) {
	q := NewInMemory("test")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Receive(ctx, 1, time.Minute, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
