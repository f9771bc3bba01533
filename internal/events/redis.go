package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/lottery_layer/internal/app/system"
	lottery "github.com/R3E-Network/lottery_layer/packages/com.r3e.services.lottery/service"
	"github.com/R3E-Network/lottery_layer/pkg/logger"
)

// DefaultChannel is the Redis pub/sub channel lottery events go to.
const DefaultChannel = "lottery:events"

var (
	_ Sink           = (*RedisPublisher)(nil)
	_ system.Service = (*RedisPublisher)(nil)
)

// RedisPublisher publishes events as JSON on a Redis channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	log     *logger.Logger
}

// NewRedisPublisher wraps an existing client.
func NewRedisPublisher(client *redis.Client, channel string, log *logger.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = logger.NewDefault("events-redis")
	}
	return &RedisPublisher{client: client, channel: channel, log: log}
}

// DialRedis builds a client for addr.
func DialRedis(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

// Channel returns the channel events are published on.
func (p *RedisPublisher) Channel() string { return p.channel }

func (p *RedisPublisher) Publish(ctx context.Context, evt lottery.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Name() string { return "events-redis" }

// Start verifies connectivity.
func (p *RedisPublisher) Start(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	p.log.WithField("channel", p.channel).Info("redis event publisher ready")
	return nil
}

func (p *RedisPublisher) Stop(ctx context.Context) error {
	return p.client.Close()
}
