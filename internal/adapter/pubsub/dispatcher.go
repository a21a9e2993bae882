package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Publishable is anything that knows its own routing key.
type Publishable interface {
	RoutingKey() string
}

// EventDispatcher is the high-level contract for outgoing broker traffic.
// Handlers stay agnostic of the transport implementation behind it.
type EventDispatcher interface {
	Publish(ctx context.Context, ev Publishable) error
	Publisher() message.Publisher
}

type eventDispatcher struct {
	publisher message.Publisher
}

func NewEventDispatcher(pub message.Publisher) EventDispatcher {
	return &eventDispatcher{publisher: pub}
}

func (d *eventDispatcher) Publish(ctx context.Context, ev Publishable) error {
	if ev == nil {
		return fmt.Errorf("event dispatcher: cannot publish nil event")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("event dispatcher: marshal failure: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	if err := d.publisher.Publish(ev.RoutingKey(), msg); err != nil {
		return fmt.Errorf("event dispatcher: publish to %s: %w", ev.RoutingKey(), err)
	}
	return nil
}

func (d *eventDispatcher) Publisher() message.Publisher {
	return d.publisher
}
