package lmstitch

import (
	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"

	"github.com/lmstitch/lmstitch/chatstream"
	"github.com/lmstitch/lmstitch/events"
	"github.com/lmstitch/lmstitch/broker"
	"github.com/lmstitch/lmstitch/ledger"
	"github.com/lmstitch/lmstitch/messages"
	"github.com/lmstitch/lmstitch/pkg/uuidx"
)

const defaultStreamTopicPrefix = "lmstitch.stream."

// DurableModel wraps a Model with a ledger. While the ledger replays, calls
// return recorded outcomes without touching the wrapped model; once it is
// live, calls execute against the model and their outcomes are recorded.
// Interrupted streams resume with a continuation prompt built from the
// partial response the ledger retained.
type DurableModel struct {
	model       Model
	ledger      *ledger.Ledger
	prompt      PromptBuilder
	broker      broker.Broker
	topicPrefix string
}

// WithLedger sets the call record. Without it the model records to a
// volatile in-memory ledger.
func WithLedger(l *ledger.Ledger) opts.Option[DurableModel] {
	return opts.Type[DurableModel](func(d *DurableModel) error {
		d.ledger = l
		return nil
	})
}

// WithPromptBuilder overrides how interrupted streams are resumed.
func WithPromptBuilder(builder PromptBuilder) opts.Option[DurableModel] {
	return opts.Type[DurableModel](func(d *DurableModel) error {
		d.prompt = builder
		return nil
	})
}

// WithBroker publishes every live stream batch to a topic named after the
// stream, so observers can follow responses as they are produced.
func WithBroker(b broker.Broker) opts.Option[DurableModel] {
	return opts.Type[DurableModel](func(d *DurableModel) error {
		d.broker = b
		return nil
	})
}

// WithStreamTopicPrefix changes the topic prefix used with WithBroker.
func WithStreamTopicPrefix(prefix string) opts.Option[DurableModel] {
	return opts.Type[DurableModel](func(d *DurableModel) error {
		d.topicPrefix = prefix
		return nil
	})
}

// NewDurable wraps model.
func NewDurable(model Model, options ...opts.Option[DurableModel]) (*DurableModel, error) {
	d := &DurableModel{
		model:       model,
		prompt:      DefaultPromptBuilder,
		topicPrefix: defaultStreamTopicPrefix,
	}
	if err := opts.Apply(d, options); err != nil {
		return nil, err
	}
	if d.ledger == nil {
		d.ledger = ledger.Memory()
	}
	return d, nil
}

// Ledger returns the call record backing this model.
func (d *DurableModel) Ledger() *ledger.Ledger {
	return d.ledger
}

// Send submits a conversation, durably.
func (d *DurableModel) Send(msgs []messages.Message, cfg messages.Config) events.ChatEvent {
	return d.chatCall(kindSend, sendInput{Messages: msgs, Config: cfg}, func() events.ChatEvent {
		return d.model.Send(msgs, cfg)
	})
}

// Continue resumes a conversation after tool execution, durably.
func (d *DurableModel) Continue(msgs []messages.Message, toolResults []messages.ToolResultPair, cfg messages.Config) events.ChatEvent {
	input := continueInput{Messages: msgs, ToolResults: toolResults, Config: cfg}
	return d.chatCall(kindContinue, input, func() events.ChatEvent {
		return d.model.Continue(msgs, toolResults, cfg)
	})
}

func (d *DurableModel) chatCall(kind string, input any, call func() events.ChatEvent) events.ChatEvent {
	if !d.ledger.IsLive() {
		var raw json.RawMessage
		if err := d.ledger.Replay(kind, input, &raw); err != nil {
			return events.InternalError("failed to replay recorded call", err)
		}
		event, err := events.UnmarshalChatEvent(raw)
		if err != nil {
			return events.InternalError("failed to decode recorded call result", err)
		}
		return event
	}

	var event events.ChatEvent
	_ = d.ledger.WithoutRecording(func() error {
		event = call()
		return nil
	})

	raw, err := events.MarshalChatEvent(event)
	if err != nil {
		return events.InternalError("failed to encode call result", err)
	}
	if err := d.ledger.Persist(kind, input, json.RawMessage(raw)); err != nil {
		return events.InternalError("failed to record call result", err)
	}
	return event
}

// Stream submits a conversation and returns a durable incremental response.
// While the ledger replays, the returned stream serves recorded batches; if
// the record ends before the terminal event, the stream transparently
// resumes against the provider.
func (d *DurableModel) Stream(msgs []messages.Message, cfg messages.Config) chatstream.Stream {
	input := sendInput{Messages: msgs, Config: cfg}

	if !d.ledger.IsLive() {
		var opened streamOpened
		if err := d.ledger.Replay(kindStream, input, &opened); err != nil {
			return chatstream.Failed(events.InternalError("failed to replay recorded stream", err))
		}
		return &durableStream{owner: d, id: opened.Stream, original: msgs, config: cfg}
	}

	var driver chatstream.Stream
	_ = d.ledger.WithoutRecording(func() error {
		driver = d.model.Stream(msgs, cfg)
		return nil
	})

	opened := streamOpened{Stream: uuidx.NewString()}
	if err := d.ledger.Persist(kindStream, input, opened); err != nil {
		_ = driver.Close()
		return chatstream.Failed(events.InternalError("failed to record stream start", err))
	}
	return &durableStream{owner: d, id: opened.Stream, driver: driver, original: msgs, config: cfg}
}
