package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alphadose/haxmap"
	"github.com/nats-io/nats.go"

	"github.com/lmstitch/lmstitch/events"
	"github.com/lmstitch/lmstitch/pkg/slogx"
	"github.com/lmstitch/lmstitch/pkg/uuidx"
)

type natsBroker struct {
	client *nats.Conn
	topics *haxmap.Map[string, *natsTopic]
}

// NATS builds a broker that bridges batches over the given connection. Topic
// ids are used as NATS subjects verbatim.
func NATS(client *nats.Conn) Broker {
	return &natsBroker{
		client: client,
		topics: haxmap.New[string, *natsTopic](),
	}
}

func (b *natsBroker) Topic(ctx context.Context, id string) Topic {
	top, _ := b.topics.GetOrCompute(id, func() *natsTopic {
		return &natsTopic{
			subject: id,
			client:  b.client,
		}
	})
	return top
}

type natsTopic struct {
	client  *nats.Conn
	subject string
}

func (t *natsTopic) Publish(ctx context.Context, batch []events.StreamEvent) error {
	encoded, err := events.MarshalStreamEvents(batch)
	if err != nil {
		return err
	}
	return t.client.Publish(t.subject, encoded)
}

func (t *natsTopic) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	channel := make(chan []events.StreamEvent, 50)
	nsub, err := t.client.Subscribe(t.subject, func(msg *nats.Msg) {
		batch, derr := events.UnmarshalStreamEvents(msg.Data)
		if derr != nil {
			slog.Error("failed to unmarshal stream event batch", slogx.Error(derr), slog.String("subject", t.subject))
			return
		}

		channel <- batch

		if msg.Reply != "" {
			if aerr := msg.Ack(); aerr != nil {
				slog.Error("failed to ack message", slogx.Error(aerr))
				return
			}
		}
	})
	if err != nil {
		return nil, err
	}
	nsub.SetClosedHandler(func(_ string) { close(channel) })

	go func() {
		for {
			select {
			case batch, ok := <-channel:
				if !ok {
					return
				}
				handler(ctx, batch)
			case <-ctx.Done():
				return
			}
		}
	}()

	return &natsSubscription{
		id:  uuidx.NewString(),
		sub: nsub,
	}, nil
}

type natsSubscription struct {
	id  string
	sub *nats.Subscription
}

func (n *natsSubscription) ID() string {
	return n.id
}

func (n *natsSubscription) Unsubscribe() {
	if err := n.sub.Unsubscribe(); err != nil {
		slog.Error("failed to unsubscribe", slogx.Error(err), slog.String("subscription", n.id))
	}
}
