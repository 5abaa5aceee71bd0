// Package openai decodes the OpenAI chat-completion streaming protocol, as
// spoken by OpenAI and the many compatible inference servers, into the
// generic stream event vocabulary.
package openai

import (
	"fmt"

	"github.com/go-openapi/swag"
	"github.com/tidwall/gjson"

	"github.com/lmstitch/lmstitch/events"
	"github.com/lmstitch/lmstitch/messages"
)

type toolFragment struct {
	id   string
	name string
	args string
}

// Decoder accumulates tool-call fragments across chunks of one stream. The
// protocol splits each tool call over many chunks, addressed by the entry's
// index; the assembled calls are flushed as a single delta when the chunk
// carrying finish_reason arrives. Not safe for concurrent use; give each
// stream its own.
type Decoder struct {
	fragments map[int64]*toolFragment
	order     []int64
	usage     *events.Usage
	provider  string
}

// NewDecoder builds a decoder for one stream.
func NewDecoder() *Decoder {
	return &Decoder{fragments: map[int64]*toolFragment{}}
}

// DecodeEvent translates one SSE data payload. Chunks with neither choices
// nor usage decode to nothing. The [DONE] sentinel never reaches the decoder.
func (d *Decoder) DecodeEvent(raw string) ([]events.StreamEvent, error) {
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("invalid chat completion chunk: %s", raw)
	}
	parsed := gjson.Parse(raw)

	if id := parsed.Get("id"); id.Exists() && d.provider == "" {
		d.provider = id.String()
	}
	if usage := parsed.Get("usage"); usage.Exists() && usage.Type != gjson.Null {
		d.usage = &events.Usage{
			InputTokens:  swag.Int64(usage.Get("prompt_tokens").Int()),
			OutputTokens: swag.Int64(usage.Get("completion_tokens").Int()),
			TotalTokens:  swag.Int64(usage.Get("total_tokens").Int()),
		}
	}

	choice := parsed.Get("choices.0")
	if !choice.Exists() {
		return nil, nil
	}

	var out []events.StreamEvent
	delta := choice.Get("delta")

	if content := delta.Get("content"); content.Exists() && content.Type == gjson.String {
		out = append(out, events.StreamDelta{
			Content: []messages.ContentPart{messages.Text(content.String())},
		})
	}

	delta.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		index := call.Get("index").Int()
		fragment, ok := d.fragments[index]
		if !ok {
			fragment = &toolFragment{}
			d.fragments[index] = fragment
			d.order = append(d.order, index)
		}
		if id := call.Get("id"); id.Exists() {
			fragment.id = id.String()
		}
		if name := call.Get("function.name"); name.Exists() {
			fragment.name = name.String()
		}
		fragment.args += call.Get("function.arguments").String()
		return true
	})

	if reason := choice.Get("finish_reason"); reason.Exists() && reason.Type != gjson.Null {
		if calls := d.flush(); len(calls) > 0 {
			out = append(out, events.StreamDelta{ToolCalls: calls})
		}
		out = append(out, events.Finish{ResponseMetadata: events.ResponseMetadata{
			FinishReason: finishReason(reason.String()),
			Usage:        d.usage,
			ProviderID:   d.provider,
		}})
	}
	return out, nil
}

// flush returns the assembled tool calls in first-seen order and resets the
// accumulator.
func (d *Decoder) flush() []messages.ToolCall {
	if len(d.order) == 0 {
		return nil
	}
	calls := make([]messages.ToolCall, 0, len(d.order))
	for _, index := range d.order {
		fragment := d.fragments[index]
		args := fragment.args
		if args == "" {
			args = "{}"
		}
		calls = append(calls, messages.ToolCall{ID: fragment.id, Name: fragment.name, ArgumentsJSON: args})
	}
	d.fragments = map[int64]*toolFragment{}
	d.order = nil
	return calls
}

func finishReason(reason string) events.FinishReason {
	switch reason {
	case "stop":
		return events.FinishStop
	case "length":
		return events.FinishLength
	case "tool_calls", "function_call":
		return events.FinishToolCalls
	case "content_filter":
		return events.FinishContentFilter
	default:
		return events.FinishOther
	}
}
