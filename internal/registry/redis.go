package registry

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultChannel carries model ids whose cost rows changed. "*" means everything.
const DefaultChannel = "neurometer:model-costs:invalidate"

const invalidateAll = "*"

// RedisBus broadcasts cache invalidations over Redis pub/sub.
type RedisBus struct {
	client  *goredis.Client
	channel string
	log     *slog.Logger
}

var _ Broadcaster = (*RedisBus)(nil)

func NewRedisBus(client *goredis.Client, channel string, log *slog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{client: client, channel: channel, log: log}
}

func (b *RedisBus) Publish(ctx context.Context, modelID string) error {
	if modelID == "" {
		modelID = invalidateAll
	}
	if err := b.client.Publish(ctx, b.channel, modelID).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Listen applies invalidations published by other processes until ctx is done.
func (b *RedisBus) Listen(ctx context.Context, r *Registry) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	b.log.Info("listening for cost invalidations", "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			applyInvalidation(r, msg.Payload)
		}
	}
}

func applyInvalidation(r *Registry, payload string) {
	if payload == invalidateAll {
		r.ForgetAll()
		return
	}
	r.Forget(payload)
}
