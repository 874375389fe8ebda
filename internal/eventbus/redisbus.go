package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the optional cross-process fan-out, adapted from
// this codebase's other Redis client wiring.
type RedisConfig struct {
	Host       string
	Port       int
	Password   string
	DB         int
	Channel    string
}

// RedisFanoutBus decorates a local Bus: every local Publish is also
// best-effort published to a Redis channel so a status dashboard running
// in a separate process can observe NodeStatusEvent and lifecycle events.
// It never gates scheduling on Redis availability — a Redis publish error
// is logged and swallowed, and RedisFanoutBus never backs correctness-
// critical delivery (the local Bus embedded below still does that).
type RedisFanoutBus struct {
	Bus
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// wireEvent is the envelope published to Redis; Topic lets a remote
// subscriber route without needing the Go type.
type wireEvent struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// NewRedisFanoutBus connects to Redis and wraps local to additionally
// publish every event to cfg.Channel.
func NewRedisFanoutBus(ctx context.Context, local Bus, cfg RedisConfig, logger *slog.Logger) (*RedisFanoutBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("event bus: ping redis: %w", err)
	}

	channel := cfg.Channel
	if channel == "" {
		channel = "grid-distributor-events"
	}

	return &RedisFanoutBus{
		Bus:     local,
		client:  client,
		channel: channel,
		logger:  logger,
	}, nil
}

func (b *RedisFanoutBus) Publish(topic Topic, event any) {
	b.Bus.Publish(topic, event)

	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Warn("fanout: failed to marshal event", slog.String("topic", string(topic)), slog.Any("err", err))
		return
	}
	wire, err := json.Marshal(wireEvent{Topic: string(topic), Payload: payload})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel, wire).Err(); err != nil {
		b.logger.Warn("fanout: redis publish failed", slog.String("topic", string(topic)), slog.Any("err", err))
	}
}

func (b *RedisFanoutBus) Close() {
	b.Bus.Close()
	_ = b.client.Close()
}
