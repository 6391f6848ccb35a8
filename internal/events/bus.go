// Package events fans execution lifecycle events out to in-process subscribers.
package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"taskrunner/internal/core"
)

// Topic carries every lifecycle event.
const Topic = "task.events"

const subscriberBuffer = 64

// Bus publishes core events over a watermill go-channel pub/sub.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *slog.Logger
}

// NewBus creates an in-memory, non-persistent bus. Events published without
// subscribers are dropped.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "events")
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            subscriberBuffer,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewSlogLogger(logger),
	)
	return &Bus{pubsub: pubsub, logger: logger}
}

// Publish implements core.EventPublisher. It never blocks on slow subscribers.
func (b *Bus) Publish(evt core.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		b.logger.Warn("encode event", "type", evt.Type, "err", err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", string(evt.Type))
	msg.Metadata.Set("task_id", evt.TaskID)
	if err := b.pubsub.Publish(Topic, msg); err != nil {
		b.logger.Warn("publish event", "type", evt.Type, "err", err)
	}
}

// Subscribe streams decoded events until ctx is done. The returned channel is
// closed when the subscription ends.
func (b *Bus) Subscribe(ctx context.Context) (<-chan core.Event, error) {
	msgs, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, err
	}
	out := make(chan core.Event, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range msgs {
			var evt core.Event
			if err := json.Unmarshal(msg.Payload, &evt); err != nil {
				b.logger.Warn("decode event", "message_id", msg.UUID, "err", err)
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close shuts the bus down and ends every subscription.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
