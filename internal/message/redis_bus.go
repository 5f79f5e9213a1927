package message

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultChannel is the Redis pub/sub channel used when none is configured.
const DefaultChannel = "collabrelay:events"

// RedisBus shares events between relay instances over Redis pub/sub.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	logger  zerolog.Logger
}

// NewRedisBus creates a RedisBus publishing on channel.
func NewRedisBus(client redis.UniversalClient, channel string, logger zerolog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{
		client:  client,
		channel: channel,
		logger:  logger.With().Str("component", "redis-bus").Str("channel", channel).Logger(),
	}
}

// Channel returns the pub/sub channel name.
func (b *RedisBus) Channel() string {
	return b.channel
}

// Publish encodes env as JSON and publishes it.
func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redis bus: marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis bus: publish: %w", err)
	}
	return nil
}

// Subscribe listens on the channel until ctx is done. It returns once the
// subscription fails to establish, or nil after ctx is cancelled.
func (b *RedisBus) Subscribe(ctx context.Context, fn func(Envelope)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Wait for the subscription confirmation so publishes after this point
	// are not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis bus: subscribe %s: %w", b.channel, err)
	}
	b.logger.Debug().Msg("subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn().Err(err).Msg("dropping malformed envelope")
				continue
			}
			fn(env)
		}
	}
}
