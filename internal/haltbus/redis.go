package haltbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const haltChannel = "tierflow:halt"

// RedisBridge mirrors halt signals over a Redis pub/sub channel so that
// halts issued on one node reach sessions running on another.
type RedisBridge struct {
	rdb    *redis.Client
	bus    *Bus
	logger *zap.Logger
}

// NewRedisBridge connects to Redis and verifies the connection.
func NewRedisBridge(redisURL string, bus *Bus, logger *zap.Logger) (*RedisBridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBridge{rdb: rdb, bus: bus, logger: logger}, nil
}

// Publish sends a halt signal to every node, including this one. Local
// delivery happens through the subscription loop, same as remote halts.
func (rb *RedisBridge) Publish(ctx context.Context, sig Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	if err := rb.rdb.Publish(ctx, haltChannel, data).Err(); err != nil {
		return fmt.Errorf("publish halt: %w", err)
	}
	return nil
}

// Run subscribes to the halt channel and forwards incoming signals onto
// the local bus until ctx is cancelled.
func (rb *RedisBridge) Run(ctx context.Context) error {
	sub := rb.rdb.Subscribe(ctx, haltChannel)
	defer sub.Close()

	// Wait for the subscription before reporting ready.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe halt channel: %w", err)
	}
	rb.logger.Info("Halt bridge listening", zap.String("channel", haltChannel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var sig Signal
			if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
				rb.logger.Warn("Malformed halt signal", zap.Error(err))
				continue
			}
			rb.bus.Publish(sig)
		}
	}
}

// Close shuts down the Redis connection.
func (rb *RedisBridge) Close() error {
	return rb.rdb.Close()
}
