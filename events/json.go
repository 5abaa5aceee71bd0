package events

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/lmstitch/lmstitch/messages"
)

// The ledger records stream events and chat events verbatim, so these codecs
// are the durable wire format: a tagged envelope with the payload nested
// under the variant name.

var (
	deltaJSON       = []byte(`{"type":"delta"}`)
	finishJSON      = []byte(`{"type":"finish"}`)
	errorJSON       = []byte(`{"type":"error"}`)
	messageJSON     = []byte(`{"type":"message"}`)
	toolRequestJSON = []byte(`{"type":"tool_request"}`)
)

func (d StreamDelta) MarshalJSON() ([]byte, error) {
	result := []byte(`{}`)

	var err error
	if d.Content != nil {
		content, merr := json.Marshal(d.Content)
		if merr != nil {
			return nil, fmt.Errorf("failed to marshal delta content: %w", merr)
		}
		result, err = sjson.SetRawBytes(result, "content", content)
		if err != nil {
			return nil, err
		}
	}
	if d.ToolCalls != nil {
		calls, merr := json.Marshal(d.ToolCalls)
		if merr != nil {
			return nil, fmt.Errorf("failed to marshal delta tool calls: %w", merr)
		}
		result, err = sjson.SetRawBytes(result, "tool_calls", calls)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (d *StreamDelta) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid json: %s", data)
	}
	parsed := gjson.ParseBytes(data)

	if content := parsed.Get("content"); content.Exists() && content.Type != gjson.Null {
		parts, err := messages.UnmarshalContentParts([]byte(content.Raw))
		if err != nil {
			return fmt.Errorf("invalid delta content: %w", err)
		}
		d.Content = parts
	}
	if calls := parsed.Get("tool_calls"); calls.Exists() && calls.Type != gjson.Null {
		if err := json.Unmarshal([]byte(calls.Raw), &d.ToolCalls); err != nil {
			return fmt.Errorf("invalid delta tool calls: %w", err)
		}
	}
	return nil
}

func (r CompleteResponse) MarshalJSON() ([]byte, error) {
	type alias struct {
		ID        string          `json:"id"`
		Content   json.RawMessage `json:"content"`
		ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
		Metadata  json.RawMessage `json:"metadata"`
	}

	content, err := json.Marshal(r.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response content: %w", err)
	}
	metadata, err := json.Marshal(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response metadata: %w", err)
	}
	out := alias{ID: r.ID, Content: content, Metadata: metadata}
	if r.ToolCalls != nil {
		calls, err := json.Marshal(r.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal response tool calls: %w", err)
		}
		out.ToolCalls = calls
	}
	return json.Marshal(out)
}

func (r *CompleteResponse) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid json: %s", data)
	}
	parsed := gjson.ParseBytes(data)
	r.ID = parsed.Get("id").String()

	if content := parsed.Get("content"); content.Exists() && content.Type != gjson.Null {
		parts, err := messages.UnmarshalContentParts([]byte(content.Raw))
		if err != nil {
			return fmt.Errorf("invalid response content: %w", err)
		}
		r.Content = parts
	}
	if calls := parsed.Get("tool_calls"); calls.Exists() && calls.Type != gjson.Null {
		if err := json.Unmarshal([]byte(calls.Raw), &r.ToolCalls); err != nil {
			return fmt.Errorf("invalid response tool calls: %w", err)
		}
	}
	if metadata := parsed.Get("metadata"); metadata.Exists() && metadata.Type != gjson.Null {
		if err := json.Unmarshal([]byte(metadata.Raw), &r.Metadata); err != nil {
			return fmt.Errorf("invalid response metadata: %w", err)
		}
	}
	return nil
}

// MarshalStreamEvent encodes one stream event into its tagged envelope.
func MarshalStreamEvent(event StreamEvent) ([]byte, error) {
	switch e := event.(type) {
	case StreamDelta:
		payload, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		return sjson.SetRawBytes(deltaJSON, "delta", payload)
	case Finish:
		payload, err := json.Marshal(e.ResponseMetadata)
		if err != nil {
			return nil, err
		}
		return sjson.SetRawBytes(finishJSON, "metadata", payload)
	case Error:
		payload, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		return sjson.SetRawBytes(errorJSON, "error", payload)
	default:
		return nil, fmt.Errorf("unknown stream event type: %T", event)
	}
}

// UnmarshalStreamEvent decodes one tagged stream event envelope.
func UnmarshalStreamEvent(data []byte) (StreamEvent, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid json: %s", data)
	}
	parsed := gjson.ParseBytes(data)
	switch parsed.Get("type").String() {
	case "delta":
		var delta StreamDelta
		if err := json.Unmarshal([]byte(parsed.Get("delta").Raw), &delta); err != nil {
			return nil, err
		}
		return delta, nil
	case "finish":
		var metadata ResponseMetadata
		if raw := parsed.Get("metadata"); raw.Exists() {
			if err := json.Unmarshal([]byte(raw.Raw), &metadata); err != nil {
				return nil, err
			}
		}
		return Finish{ResponseMetadata: metadata}, nil
	case "error":
		var evErr Error
		if err := json.Unmarshal([]byte(parsed.Get("error").Raw), &evErr); err != nil {
			return nil, err
		}
		return evErr, nil
	default:
		return nil, fmt.Errorf("missing or invalid stream event type: %q", parsed.Get("type").String())
	}
}

// MarshalStreamEvents encodes a batch of stream events as a JSON array. A nil
// batch encodes as JSON null, distinguishing "no result yet" from an empty
// terminal batch in the ledger.
func MarshalStreamEvents(batch []StreamEvent) ([]byte, error) {
	if batch == nil {
		return []byte("null"), nil
	}
	out := []byte("[]")
	for _, event := range batch {
		encoded, err := MarshalStreamEvent(event)
		if err != nil {
			return nil, err
		}
		out, err = sjson.SetRawBytes(out, "-1", encoded)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UnmarshalStreamEvents decodes a batch written by MarshalStreamEvents.
func UnmarshalStreamEvents(data []byte) ([]StreamEvent, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, err
	}
	batch := make([]StreamEvent, len(raws))
	for i, raw := range raws {
		event, err := UnmarshalStreamEvent(raw)
		if err != nil {
			return nil, err
		}
		batch[i] = event
	}
	return batch, nil
}

// MarshalChatEvent encodes one chat event into its tagged envelope.
func MarshalChatEvent(event ChatEvent) ([]byte, error) {
	switch e := event.(type) {
	case CompleteResponse:
		payload, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		return sjson.SetRawBytes(messageJSON, "message", payload)
	case ToolRequest:
		payload, err := json.Marshal([]messages.ToolCall(e))
		if err != nil {
			return nil, err
		}
		return sjson.SetRawBytes(toolRequestJSON, "tool_calls", payload)
	case Error:
		payload, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		return sjson.SetRawBytes(errorJSON, "error", payload)
	default:
		return nil, fmt.Errorf("unknown chat event type: %T", event)
	}
}

// UnmarshalChatEvent decodes one tagged chat event envelope.
func UnmarshalChatEvent(data []byte) (ChatEvent, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid json: %s", data)
	}
	parsed := gjson.ParseBytes(data)
	switch parsed.Get("type").String() {
	case "message":
		var response CompleteResponse
		if err := json.Unmarshal([]byte(parsed.Get("message").Raw), &response); err != nil {
			return nil, err
		}
		return response, nil
	case "tool_request":
		var calls ToolRequest
		if err := json.Unmarshal([]byte(parsed.Get("tool_calls").Raw), &calls); err != nil {
			return nil, err
		}
		return calls, nil
	case "error":
		var evErr Error
		if err := json.Unmarshal([]byte(parsed.Get("error").Raw), &evErr); err != nil {
			return nil, err
		}
		return evErr, nil
	default:
		return nil, fmt.Errorf("missing or invalid chat event type: %q", parsed.Get("type").String())
	}
}
