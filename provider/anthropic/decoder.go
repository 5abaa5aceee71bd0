// Package anthropic decodes the Anthropic messages streaming protocol into
// the generic stream event vocabulary.
package anthropic

import (
	"fmt"

	"github.com/go-openapi/swag"
	"github.com/tidwall/gjson"

	"github.com/lmstitch/lmstitch/events"
	"github.com/lmstitch/lmstitch/messages"
)

type toolBlock struct {
	id   string
	name string
	args string
}

// Decoder accumulates protocol state across events of one stream: tool-use
// blocks under construction, keyed by their block index, and the response
// metadata that arrives split over message_start, message_delta and
// message_stop. Not safe for concurrent use; give each stream its own.
type Decoder struct {
	blocks map[int64]*toolBlock
	meta   events.ResponseMetadata
	input  *int64
	output *int64
}

// NewDecoder builds a decoder for one stream.
func NewDecoder() *Decoder {
	return &Decoder{blocks: map[int64]*toolBlock{}}
}

// DecodeEvent translates one SSE data payload. Ping and unknown event types
// decode to nothing; a payload without a type discriminator is an error.
func (d *Decoder) DecodeEvent(raw string) ([]events.StreamEvent, error) {
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("invalid anthropic event: %s", raw)
	}
	parsed := gjson.Parse(raw)
	kind := parsed.Get("type")
	if !kind.Exists() {
		return nil, fmt.Errorf("anthropic event without type: %s", raw)
	}

	switch kind.String() {
	case "message_start":
		d.meta.ProviderID = parsed.Get("message.id").String()
		if tokens := parsed.Get("message.usage.input_tokens"); tokens.Exists() {
			d.input = swag.Int64(tokens.Int())
		}
		return nil, nil

	case "content_block_start":
		block := parsed.Get("content_block")
		if block.Get("type").String() == "tool_use" {
			d.blocks[parsed.Get("index").Int()] = &toolBlock{
				id:   block.Get("id").String(),
				name: block.Get("name").String(),
			}
		}
		return nil, nil

	case "content_block_delta":
		delta := parsed.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return []events.StreamEvent{events.StreamDelta{
				Content: []messages.ContentPart{messages.Text(delta.Get("text").String())},
			}}, nil
		case "input_json_delta":
			if block, ok := d.blocks[parsed.Get("index").Int()]; ok {
				block.args += delta.Get("partial_json").String()
			}
			return nil, nil
		default:
			return nil, nil
		}

	case "content_block_stop":
		index := parsed.Get("index").Int()
		block, ok := d.blocks[index]
		if !ok {
			return nil, nil
		}
		delete(d.blocks, index)
		args := block.args
		if args == "" {
			args = "{}"
		}
		return []events.StreamEvent{events.StreamDelta{
			ToolCalls: []messages.ToolCall{{ID: block.id, Name: block.name, ArgumentsJSON: args}},
		}}, nil

	case "message_delta":
		if reason := parsed.Get("delta.stop_reason"); reason.Exists() && reason.Type != gjson.Null {
			d.meta.FinishReason = finishReason(reason.String())
		}
		if tokens := parsed.Get("usage.output_tokens"); tokens.Exists() {
			d.output = swag.Int64(tokens.Int())
		}
		return nil, nil

	case "message_stop":
		meta := d.meta
		if d.input != nil || d.output != nil {
			usage := &events.Usage{InputTokens: d.input, OutputTokens: d.output}
			if d.input != nil && d.output != nil {
				usage.TotalTokens = swag.Int64(*d.input + *d.output)
			}
			meta.Usage = usage
		}
		return []events.StreamEvent{events.Finish{ResponseMetadata: meta}}, nil

	case "error":
		return []events.StreamEvent{events.Error{
			Code:              errorCode(parsed.Get("error.type").String()),
			Message:           parsed.Get("error.message").String(),
			ProviderErrorJSON: parsed.Get("error").Raw,
		}}, nil

	case "ping":
		return nil, nil

	default:
		return nil, nil
	}
}

func finishReason(stop string) events.FinishReason {
	switch stop {
	case "stop_sequence":
		return events.FinishStop
	case "max_tokens":
		return events.FinishLength
	case "tool_use":
		return events.FinishToolCalls
	default:
		// end_turn included: the protocol's natural end is not a stop-sequence
		// match, so it maps to the catch-all reason.
		return events.FinishOther
	}
}

func errorCode(kind string) events.ErrorCode {
	switch kind {
	case "invalid_request_error", "not_found_error":
		return events.CodeInvalidRequest
	case "authentication_error", "permission_error":
		return events.CodeAuthenticationFailed
	case "rate_limit_error", "overloaded_error":
		return events.CodeRateLimitExceeded
	default:
		return events.CodeInternalError
	}
}
