package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/sagepilot/billing-engine/internal/config"
	"go.uber.org/fx"
)

// ErrUnavailable is returned when the backing store cannot answer. Callers
// must treat it as "not admitted" so a redelivery retries later.
var ErrUnavailable = errors.New("idempotency store unavailable")

const (
	keyPrefix      = "idem"
	pendingPrefix  = "pending:"
	outcomePrefix  = "done:"
	defaultOutcome = "processed"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Decision is the result of an admission attempt. Duplicates of a
// committed key carry the outcome the first processing stored.
type Decision struct {
	Admitted bool
	Token    string
	Outcome  string
}

// Guard reserves processing slots for at-least-once deliveries. Admit wins
// exactly one reservation per key; Commit pins the key with its terminal
// outcome for the retention window; Release frees a reservation whose work
// failed transiently.
type Guard struct {
	client *redis.Client
	script *redis.Script
	ttl    time.Duration
}

func NewGuard(client *redis.Client, cfg config.Config) *Guard {
	return &Guard{
		client: client,
		script: redis.NewScript(releaseScript),
		ttl:    cfg.IdempotencyTTL,
	}
}

// Admit attempts to reserve the key. The returned token belongs to the
// caller that won the reservation and is required to Release it.
func (g *Guard) Admit(ctx context.Context, scope, key string) (Decision, error) {
	redisKey, err := buildKey(scope, key)
	if err != nil {
		return Decision{}, err
	}

	token := uuid.NewString()
	ok, err := g.client.SetNX(ctx, redisKey, pendingPrefix+token, g.ttl).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ok {
		return Decision{Admitted: true, Token: token}, nil
	}

	stored, err := g.client.Get(ctx, redisKey).Result()
	if errors.Is(err, redis.Nil) {
		// Reservation expired between SETNX and GET; the next delivery wins.
		return Decision{}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	decision := Decision{}
	if outcome, found := strings.CutPrefix(stored, outcomePrefix); found {
		decision.Outcome = outcome
	}
	return decision, nil
}

// Commit marks the key as fully processed with its terminal outcome. The
// reservation token is overwritten so a later Release cannot free it.
func (g *Guard) Commit(ctx context.Context, scope, key, outcome string) error {
	redisKey, err := buildKey(scope, key)
	if err != nil {
		return err
	}
	if strings.TrimSpace(outcome) == "" {
		outcome = defaultOutcome
	}
	if err := g.client.Set(ctx, redisKey, outcomePrefix+outcome, g.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Release frees a reservation so the message can be reprocessed. Only the
// holder of the admission token can release; a committed key is untouched.
func (g *Guard) Release(ctx context.Context, scope, key, token string) error {
	if token == "" {
		return nil
	}
	redisKey, err := buildKey(scope, key)
	if err != nil {
		return err
	}
	if err := g.script.Run(ctx, g.client, []string{redisKey}, pendingPrefix+token).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func buildKey(scope, key string) (string, error) {
	scope = strings.TrimSpace(scope)
	key = strings.TrimSpace(key)
	if scope == "" || key == "" {
		return "", errors.New("idempotency scope and key are required")
	}
	return fmt.Sprintf("%s:%s:%s", keyPrefix, scope, key), nil
}

var Module = fx.Module("idempotency",
	fx.Provide(NewGuard),
)
