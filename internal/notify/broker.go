package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultChannel = "paperline.events"

// Broker publishes committed events to a redis channel for live subscribers.
// Delivery is fire-and-forget on the subscriber side; the outbox and webhook
// paths carry the at-least-once guarantee.
type Broker struct {
	Client  *redis.Client
	Channel string
}

func NewBroker(addr, password string, dbNum int) *Broker {
	return &Broker{
		Client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       dbNum,
		}),
		Channel: defaultChannel,
	}
}

// Ping verifies the connection at startup.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Publish sends one outbox row to the channel as JSON.
func (b *Broker) Publish(ctx context.Context, row OutboxRow) error {
	payload, err := json.Marshal(row.Event)
	if err != nil {
		return fmt.Errorf("encode broker event: %w", err)
	}
	if err := b.Client.Publish(ctx, b.Channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.Channel, err)
	}
	return nil
}

func (b *Broker) Close() error {
	return b.Client.Close()
}
