package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alphadose/haxmap"

	"github.com/lmstitch/lmstitch/events"
	"github.com/lmstitch/lmstitch/pkg/uuidx"
)

const defaultSlowSubscriberTimeout = 100 * time.Millisecond

type localBroker struct {
	topics                *haxmap.Map[string, *topic]
	slowSubscriberTimeout time.Duration
}

// Local builds an in-process broker.
func Local() Broker {
	return &localBroker{
		topics:                haxmap.New[string, *topic](),
		slowSubscriberTimeout: defaultSlowSubscriberTimeout,
	}
}

func (b *localBroker) Topic(ctx context.Context, id string) Topic {
	top, _ := b.topics.GetOrCompute(id, func() *topic {
		return &topic{
			id:                    id,
			subscriptions:         haxmap.New[string, *subscription](),
			slowSubscriberTimeout: b.slowSubscriberTimeout,
		}
	})
	return top
}

type topic struct {
	id                    string
	subscriptions         *haxmap.Map[string, *subscription]
	slowSubscriberTimeout time.Duration
}

func (t *topic) Publish(ctx context.Context, batch []events.StreamEvent) error {
	t.subscriptions.ForEach(func(id string, sub *subscription) bool {
		if sub == nil {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-sub.ctx.Done():
			sub.Unsubscribe()
			return true
		default:
		}

		select {
		case <-ctx.Done():
			return false
		case <-sub.ctx.Done():
			sub.Unsubscribe()
		case sub.channel <- batch:
		case <-time.After(t.slowSubscriberTimeout):
			// the subscriber stopped draining, drop it rather than stall the stream
			sub.Unsubscribe()
		}
		return true
	})
	return nil
}

func (t *topic) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	id := uuidx.NewString()
	sub := &subscription{
		id:      id,
		ctx:     ctx,
		channel: make(chan []events.StreamEvent, 50),
		onClose: func() { t.subscriptions.Del(id) },
		handler: handler,
	}
	t.subscriptions.Set(id, sub)
	go sub.forward()
	return sub, nil
}

type subscription struct {
	id        string
	ctx       context.Context
	channel   chan []events.StreamEvent
	closeOnce sync.Once
	onClose   func()
	handler   Handler
}

func (s *subscription) ID() string {
	return s.id
}

func (s *subscription) Unsubscribe() {
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
		close(s.channel)
	})
}

func (s *subscription) forward() {
	for {
		select {
		case batch, ok := <-s.channel:
			if !ok {
				return
			}
			s.handler(s.ctx, batch)
		case <-s.ctx.Done():
			s.Unsubscribe()
			return
		}
	}
}
