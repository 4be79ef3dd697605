package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sagepilot/billing-engine/internal/config"
	entitlementdomain "github.com/sagepilot/billing-engine/internal/entitlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyEntitlements = "entitlements:%s"
	keyUsageCounter = "usage:%s:%s:%d"
)

// Mirror maintains the redis read models the processors keep in sync with
// the ledger: entitlement snapshots and per-period usage counters. It is a
// cache, not a source of truth; every value carries a TTL so stale state
// ages out on its own.
type Mirror struct {
	client      *redis.Client
	snapshotTTL time.Duration
	counterTTL  time.Duration
	log         *zap.Logger
}

func NewMirror(client *redis.Client, cfg config.Config, log *zap.Logger) *Mirror {
	return &Mirror{
		client:      client,
		snapshotTTL: cfg.EntitlementCacheTTL,
		counterTTL:  cfg.CounterRetention,
		log:         log.Named("cache.mirror"),
	}
}

// GetSnapshot returns the cached entitlement snapshot for a workspace.
// A miss is (nil, nil); callers fall back to the ledger.
func (m *Mirror) GetSnapshot(ctx context.Context, workspaceID string) (*entitlementdomain.Snapshot, error) {
	key, err := snapshotKey(workspaceID)
	if err != nil {
		return nil, err
	}

	raw, err := m.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snapshot entitlementdomain.Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		// Corrupt entries are dropped so the next read repopulates.
		m.log.Warn("dropping corrupt entitlement snapshot", zap.String("workspace_id", workspaceID), zap.Error(err))
		_ = m.client.Del(ctx, key).Err()
		return nil, nil
	}
	return &snapshot, nil
}

// PutSnapshot stores the entitlement snapshot with the short mirror TTL.
func (m *Mirror) PutSnapshot(ctx context.Context, snapshot entitlementdomain.Snapshot) error {
	key, err := snapshotKey(snapshot.WorkspaceID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return m.client.Set(ctx, key, raw, m.snapshotTTL).Err()
}

// InvalidateSnapshot drops the cached snapshot after a billing state change.
func (m *Mirror) InvalidateSnapshot(ctx context.Context, workspaceID string) error {
	key, err := snapshotKey(workspaceID)
	if err != nil {
		return err
	}
	return m.client.Del(ctx, key).Err()
}

// IncrementCounter adds value to the workspace meter counter for the given
// billing period and refreshes its retention TTL.
func (m *Mirror) IncrementCounter(ctx context.Context, workspaceID, meter string, periodStart time.Time, value float64) (float64, error) {
	key, err := counterKey(workspaceID, meter, periodStart)
	if err != nil {
		return 0, err
	}

	total, err := m.client.IncrByFloat(ctx, key, value).Result()
	if err != nil {
		return 0, err
	}
	if err := m.client.Expire(ctx, key, m.counterTTL).Err(); err != nil {
		return total, err
	}
	return total, nil
}

// GetCounter returns the accumulated usage for a workspace meter in the
// given billing period. Missing counters read as zero.
func (m *Mirror) GetCounter(ctx context.Context, workspaceID, meter string, periodStart time.Time) (float64, error) {
	key, err := counterKey(workspaceID, meter, periodStart)
	if err != nil {
		return 0, err
	}

	value, err := m.client.Get(ctx, key).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return value, nil
}

// ResetCounters zeroes the given meters for a fresh billing period. The
// zero value is written, not deleted, so a read right after renewal still
// resolves to an owned key with the retention TTL applied.
func (m *Mirror) ResetCounters(ctx context.Context, workspaceID string, meters []string, periodStart time.Time) error {
	for _, meter := range meters {
		key, err := counterKey(workspaceID, meter, periodStart)
		if err != nil {
			return err
		}
		if err := m.client.Set(ctx, key, "0", m.counterTTL).Err(); err != nil {
			return err
		}
	}
	return nil
}

func snapshotKey(workspaceID string) (string, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return "", errors.New("workspace id is required")
	}
	return fmt.Sprintf(keyEntitlements, workspaceID), nil
}

func counterKey(workspaceID, meter string, periodStart time.Time) (string, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	meter = strings.TrimSpace(meter)
	if workspaceID == "" || meter == "" {
		return "", errors.New("workspace id and meter are required")
	}
	return fmt.Sprintf(keyUsageCounter, workspaceID, meter, periodStart.UTC().Unix()), nil
}

var Module = fx.Module("cache",
	fx.Provide(NewMirror),
)
