package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/tierflow/internal/state"
)

const (
	usageKeyPrefix = "tierflow:usage:"
	turnKeyPrefix  = "tierflow:turns:"
	turnListCap    = 500
)

// RedisMirror persists ledger activity to Redis so totals survive process
// restarts and are visible to external dashboards. Writes are best-effort;
// the in-memory ledger stays authoritative for the running process.
type RedisMirror struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedisMirror connects to Redis and verifies the connection.
func NewRedisMirror(redisURL string, logger *zap.Logger) (*RedisMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisMirror{rdb: rdb, logger: logger}, nil
}

// MirrorUsage increments the persistent per-session/tier counters.
func (m *RedisMirror) MirrorUsage(ctx context.Context, sessionID string, tier state.Tier, inputTokens, outputTokens int) {
	key := usageKeyPrefix + sessionID
	pipe := m.rdb.Pipeline()
	pipe.HIncrBy(ctx, key, string(tier)+":input", int64(inputTokens))
	pipe.HIncrBy(ctx, key, string(tier)+":output", int64(outputTokens))
	pipe.HIncrBy(ctx, key, string(tier)+":calls", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("Usage mirror failed", zap.Error(err))
	}
}

// MirrorTurn appends a turn record to the session's capped list.
func (m *RedisMirror) MirrorTurn(ctx context.Context, t TurnMetrics) {
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	key := turnKeyPrefix + t.SessionID
	pipe := m.rdb.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -turnListCap, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("Turn mirror failed", zap.Error(err))
	}
}

// DeleteSession removes the persisted counters for a session.
func (m *RedisMirror) DeleteSession(ctx context.Context, sessionID string) error {
	return m.rdb.Del(ctx, usageKeyPrefix+sessionID, turnKeyPrefix+sessionID).Err()
}

// Close shuts down the Redis connection.
func (m *RedisMirror) Close() error {
	return m.rdb.Close()
}
