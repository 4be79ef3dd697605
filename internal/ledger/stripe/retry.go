package stripe

import (
	"context"
	"math/rand"
	"time"

	"github.com/sagepilot/billing-engine/internal/ledger/domain"
	"go.uber.org/zap"
)

type retryPolicy struct {
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		attempts:  3,
		baseDelay: 200 * time.Millisecond,
		maxDelay:  5 * time.Second,
	}
}

// withRetry runs fn, retrying transient failures with jittered exponential
// backoff. Permanent, auth and not-found failures return immediately.
func (g *Gateway) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < g.retry.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return wrap(op, ctx.Err())
			case <-time.After(g.retry.delay(attempt)):
			}
			g.log.Warn("retrying ledger call",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
		}

		err = fn()
		if err == nil || !domain.IsTransient(err) {
			return err
		}
	}
	return err
}

func (p retryPolicy) delay(attempt int) time.Duration {
	backoff := p.baseDelay << (attempt - 1)
	if backoff > p.maxDelay {
		backoff = p.maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(backoff)/2 + 1))
	return backoff + jitter
}
