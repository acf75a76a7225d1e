package fairness

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Registry tracks which source runs are currently active, per tenant, across
// all worker processes. Active returns a tenant's runs ordered by
// registration time, oldest first, which is the order slots are handed out
// in when demand exceeds supply.
type Registry interface {
	Register(ctx context.Context, tenantID, runID uuid.UUID) error
	Heartbeat(ctx context.Context, tenantID, runID uuid.UUID) error
	Deregister(ctx context.Context, tenantID, runID uuid.UUID) error
	Active(ctx context.Context, tenantID uuid.UUID) ([]uuid.UUID, error)
}

// A run whose worker stops heartbeating is treated as gone after this long,
// so a crashed worker cannot hold slots forever.
const staleAfter = 2 * time.Minute

// RedisRegistry stores each tenant's active runs in a sorted set scored by
// registration time, with last-heartbeat timestamps in a companion hash.
type RedisRegistry struct {
	rdb *redis.Client
}

func NewRedisRegistry(rdb *redis.Client) *RedisRegistry {
	return &RedisRegistry{rdb: rdb}
}

func activeKey(tenantID uuid.UUID) string {
	return "kbq:fairness:" + tenantID.String() + ":active"
}

func beatsKey(tenantID uuid.UUID) string {
	return "kbq:fairness:" + tenantID.String() + ":heartbeats"
}

func (r *RedisRegistry) Register(ctx context.Context, tenantID, runID uuid.UUID) error {
	now := time.Now()
	pipe := r.rdb.TxPipeline()
	// NX keeps the original registration time if the run is already present.
	pipe.ZAddNX(ctx, activeKey(tenantID), redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: runID.String(),
	})
	pipe.HSet(ctx, beatsKey(tenantID), runID.String(), now.UnixMilli())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register run: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Heartbeat(ctx context.Context, tenantID, runID uuid.UUID) error {
	err := r.rdb.HSet(ctx, beatsKey(tenantID), runID.String(), time.Now().UnixMilli()).Err()
	if err != nil {
		return fmt.Errorf("heartbeat run: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Deregister(ctx context.Context, tenantID, runID uuid.UUID) error {
	pipe := r.rdb.TxPipeline()
	pipe.ZRem(ctx, activeKey(tenantID), runID.String())
	pipe.HDel(ctx, beatsKey(tenantID), runID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deregister run: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Active(ctx context.Context, tenantID uuid.UUID) ([]uuid.UUID, error) {
	members, err := r.rdb.ZRange(ctx, activeKey(tenantID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	beats, err := r.rdb.HGetAll(ctx, beatsKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read heartbeats: %w", err)
	}

	cutoff := time.Now().Add(-staleAfter).UnixMilli()
	active := make([]uuid.UUID, 0, len(members))
	var stale []string
	for _, raw := range members {
		id, err := uuid.Parse(raw)
		if err != nil {
			stale = append(stale, raw)
			continue
		}
		var last int64
		if _, err := fmt.Sscanf(beats[raw], "%d", &last); err != nil || last < cutoff {
			stale = append(stale, raw)
			continue
		}
		active = append(active, id)
	}

	if len(stale) > 0 {
		members := make([]any, len(stale))
		for i, s := range stale {
			members[i] = s
		}
		pipe := r.rdb.TxPipeline()
		pipe.ZRem(ctx, activeKey(tenantID), members...)
		pipe.HDel(ctx, beatsKey(tenantID), stale...)
		// Pruning is best effort; a failed prune just means the next caller
		// re-filters the same stale members.
		_, _ = pipe.Exec(ctx)
	}

	return active, nil
}
