// Package chatstream turns a server-sent event source into a stream of
// provider-neutral chat events.
//
// The [Driver] owns the transport and a provider [Decoder]. It is polled, not
// pushed: [Driver.GetNext] drains whatever the transport has buffered, decodes
// it, and reports pending when nothing is available yet. The only place the
// pipeline ever suspends a goroutine is [Driver.BlockingGetNext].
package chatstream

import (
	"errors"
	"io"
	"log/slog"

	"github.com/lmstitch/lmstitch/events"
	"github.com/lmstitch/lmstitch/eventsource"
	"github.com/lmstitch/lmstitch/pkg/pollable"
)

// doneSentinel is the conventional end-of-stream data payload some providers
// send before closing the connection. It carries no event and is swallowed.
const doneSentinel = "[DONE]"

// Decoder translates one raw SSE data payload into zero or more stream
// events. An empty result with a nil error means the record carries nothing
// for the caller (keep-alives, acknowledgements) and is skipped. A single
// record may legally produce several events, for example a buffered tool
// call flushed together with the terminal finish. Implementations may keep
// accumulation state across calls; a Driver never shares a Decoder between
// streams.
type Decoder interface {
	DecodeEvent(raw string) ([]events.StreamEvent, error)
}

// Stream is an incremental chat response.
//
// GetNext reports ok=false while the response is pending. Once the stream has
// delivered its terminal event, every subsequent call returns an empty ready
// batch.
type Stream interface {
	GetNext() ([]events.StreamEvent, bool)
	BlockingGetNext() []events.StreamEvent
	Subscribe() pollable.Pollable
	Close() error
}

// Driver drives one event source through a decoder. It implements [Stream].
type Driver struct {
	source   *eventsource.EventSource
	decoder  Decoder
	failure  *events.Error
	sub      pollable.Pollable
	finished bool
}

// New builds a stream over an established event source.
func New(source *eventsource.EventSource, decoder Decoder) *Driver {
	return &Driver{source: source, decoder: decoder}
}

// Failed builds a stream that failed before any transport was established.
// Its first poll yields the error and the stream is finished thereafter.
func Failed(evErr events.Error) *Driver {
	return &Driver{failure: &evErr}
}

// GetNext returns the events that are ready right now. ok=false means the
// stream is still open but has nothing buffered; an empty batch with ok=true
// means the stream already ended.
func (d *Driver) GetNext() ([]events.StreamEvent, bool) {
	if d.finished {
		return []events.StreamEvent{}, true
	}
	if d.failure != nil {
		d.finished = true
		return []events.StreamEvent{*d.failure}, true
	}

	var batch []events.StreamEvent
	for {
		event, err := d.source.PollNext()
		if err != nil {
			switch {
			case errors.Is(err, eventsource.ErrWouldBlock):
				if len(batch) == 0 {
					return nil, false
				}
				return batch, true
			case errors.Is(err, io.EOF), errors.Is(err, eventsource.ErrStreamEnded):
				d.finished = true
				return batch, true
			default:
				slog.Debug("chat stream transport failed", slog.Any("error", err))
				var statusErr *eventsource.InvalidStatusError
				if errors.As(err, &statusErr) {
					return append(batch, events.Error{
						Code:    events.CodeFromStatus(statusErr.StatusCode),
						Message: err.Error(),
					}), true
				}
				return append(batch, events.FromTransport(err)), true
			}
		}

		switch ev := event.(type) {
		case eventsource.Open:
			continue
		case eventsource.Message:
			if ev.Data == doneSentinel {
				continue
			}
			decoded, derr := d.decoder.DecodeEvent(ev.Data)
			if derr != nil {
				slog.Debug("chat stream decode failed", slog.Any("error", derr), slog.String("data", ev.Data))
				batch = append(batch, events.FromTransport(derr))
				continue
			}
			for _, event := range decoded {
				batch = append(batch, event)
				switch event.(type) {
				case events.Finish, events.Error:
					// both decode results are terminal; records after them
					// are never delivered
					d.finished = true
					return batch, true
				}
			}
		}
	}
}

// BlockingGetNext waits until the stream makes progress and returns that
// batch. After the terminal event it returns empty batches immediately.
func (d *Driver) BlockingGetNext() []events.StreamEvent {
	sub := d.Subscribe()
	for {
		if batch, ok := d.GetNext(); ok {
			return batch
		}
		sub.Block()
	}
}

// Subscribe returns a readiness handle for the underlying transport. The
// handle is cached; all callers share one subscription.
func (d *Driver) Subscribe() pollable.Pollable {
	if d.sub == nil {
		if d.source == nil {
			d.sub = pollable.Always()
		} else {
			d.sub = d.source.Subscribe()
		}
	}
	return d.sub
}

// Close releases the transport. Safe to call on finished or failed streams.
func (d *Driver) Close() error {
	d.finished = true
	if d.source != nil {
		d.source.Close()
	}
	return nil
}
