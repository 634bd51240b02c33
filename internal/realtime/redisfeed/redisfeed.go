// Package redisfeed carries change notifications over Redis pub/sub.
package redisfeed

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"kasirsync/backend/internal/realtime"
)

type Feed struct {
	client *redis.Client
	logger *zap.Logger
}

func New(client *redis.Client, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{client: client, logger: logger}
}

func Channel(locationID string) string {
	return "pos:changes:" + locationID
}

func (f *Feed) PublishChange(ctx context.Context, change realtime.Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, Channel(change.LocationID), payload).Err()
}

func (f *Feed) Listen(ctx context.Context, locationID string, ready func(), deliver func(realtime.Change)) error {
	pubsub := f.client.Subscribe(ctx, Channel(locationID))
	defer pubsub.Close()

	// The first reply confirms the subscription.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	ready()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		var change realtime.Change
		if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
			f.logger.Warn("drop malformed change message",
				zap.String("channel", msg.Channel),
				zap.Error(err),
			)
			continue
		}
		deliver(change)
	}
}
