package services

import (
	"context"
	"encoding/json"
	"fmt"

	"micro-casino/internal/models"
)

type Broadcaster interface {
	BroadcastBet(ctx context.Context, event models.LiveBetEvent) error
}

// RedisBroadcaster publishes finished rounds on the live-bets channel.
type RedisBroadcaster struct {
	redis *RedisService
}

func NewRedisBroadcaster(redisService *RedisService) *RedisBroadcaster {
	return &RedisBroadcaster{redis: redisService}
}

func (b *RedisBroadcaster) BroadcastBet(ctx context.Context, event models.LiveBetEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal live bet: %w", err)
	}
	return b.redis.Publish(ctx, ChannelLiveBets, data)
}
