package redisc

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const topicPrefix = "bonded:topic:"

// Fanout publishes gateway deliveries on one Redis channel per topic. Every node
// pattern-subscribes to all of them.
type Fanout struct {
	client *redis.Client
	logger *zap.Logger
}

func NewFanout(client *redis.Client, logger *zap.Logger) *Fanout {
	return &Fanout{client: client, logger: logger.Named("fanout")}
}

func (f *Fanout) Publish(ctx context.Context, topic string, data []byte) error {
	return f.client.Publish(ctx, topicPrefix+topic, data).Err()
}

// Run blocks until ctx is done, handing every received delivery to handler.
func (f *Fanout) Run(ctx context.Context, handler func(topic string, data []byte)) error {
	pubsub := f.client.PSubscribe(ctx, topicPrefix+"*")
	defer pubsub.Close()

	// Wait for the subscription so publishes made after Run starts are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			topic := msg.Channel[len(topicPrefix):]
			f.logger.Debug("pubsub message", zap.String("topic", topic))
			handler(topic, []byte(msg.Payload))
		}
	}
}
