package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dgnsrekt/feedrelay/internal/event"
)

// Redis is a Bus over Redis PUBLISH/SUBSCRIBE on a single channel.
type Redis struct {
	client    *redis.Client
	channel   string
	origin    string
	codec     *Codec
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

// Compile-time interface verification
var _ Bus = (*Redis)(nil)

func NewRedis(client *redis.Client, channel, origin string, codec *Codec, logger *zap.Logger) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{
		client:  client,
		channel: channel,
		origin:  origin,
		codec:   codec,
		done:    make(chan struct{}),
		logger:  logger,
	}
}

func (r *Redis) Publish(ctx context.Context, env event.Envelope) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}

	payload, err := r.codec.Encode(Message{Origin: r.origin, SentAt: time.Now().UnixMilli(), Event: env})
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context) (<-chan Message, error) {
	select {
	case <-r.done:
		return nil, ErrClosed
	default:
	}

	pubsub := r.client.Subscribe(ctx, r.channel)
	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	recv := newReceiver(r.origin, r.codec, r.logger)
	in := pubsub.Channel()

	go func() {
		defer close(recv.out)
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case msg, ok := <-in:
				if !ok {
					r.logger.Warn("redis subscription closed", zap.String("channel", r.channel))
					return
				}
				if !recv.accept(ctx, []byte(msg.Payload)) {
					return
				}
			}
		}
	}()

	r.logger.Info("subscribed to bus", zap.String("transport", "redis"), zap.String("channel", r.channel))
	return recv.out, nil
}

// Close stops subscriptions. The client is owned by the caller.
func (r *Redis) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}
