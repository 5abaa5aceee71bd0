package broker

import (
	"context"

	"github.com/lmstitch/lmstitch/events"
)

// Handler receives the batches published to a topic, in publish order.
type Handler func(ctx context.Context, batch []events.StreamEvent)

type Broker interface {
	Topic(context.Context, string) Topic
}

type Topic interface {
	Publish(context.Context, []events.StreamEvent) error
	Subscribe(context.Context, Handler) (Subscription, error)
}

type Subscription interface {
	ID() string
	Unsubscribe()
}
