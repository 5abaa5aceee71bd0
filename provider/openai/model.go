package openai

import (
	"bytes"
	"io"
	"net/http"

	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/lmstitch/lmstitch/chatstream"
	"github.com/lmstitch/lmstitch/events"
	"github.com/lmstitch/lmstitch/eventsource"
	"github.com/lmstitch/lmstitch/messages"
)

const defaultBaseURL = "https://api.openai.com"

// Model talks to an OpenAI-compatible chat completion API.
type Model struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// WithBaseURL points the model at a compatible server, e.g. a local
// inference runtime.
func WithBaseURL(url string) opts.Option[Model] {
	return opts.Type[Model](func(m *Model) error {
		m.baseURL = url
		return nil
	})
}

// WithHTTPClient overrides the transport.
func WithHTTPClient(client *http.Client) opts.Option[Model] {
	return opts.Type[Model](func(m *Model) error {
		m.client = client
		return nil
	})
}

// New builds a model authenticated with apiKey.
func New(apiKey string, options ...opts.Option[Model]) (*Model, error) {
	m := &Model{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  http.DefaultClient,
	}
	if err := opts.Apply(m, options); err != nil {
		return nil, err
	}
	return m, nil
}

// Send submits a conversation and waits for the complete response.
func (m *Model) Send(msgs []messages.Message, cfg messages.Config) events.ChatEvent {
	body, err := buildRequest(msgs, nil, cfg, false)
	if err != nil {
		return events.InternalError("failed to build request", err)
	}
	return m.complete(body)
}

// Continue resumes a conversation after tool execution: the tool calls go
// back as an assistant turn, their results as tool role messages.
func (m *Model) Continue(msgs []messages.Message, toolResults []messages.ToolResultPair, cfg messages.Config) events.ChatEvent {
	body, err := buildRequest(msgs, toolResults, cfg, false)
	if err != nil {
		return events.InternalError("failed to build request", err)
	}
	return m.complete(body)
}

// Stream submits a conversation and returns the incremental response.
func (m *Model) Stream(msgs []messages.Message, cfg messages.Config) chatstream.Stream {
	body, err := buildRequest(msgs, nil, cfg, true)
	if err != nil {
		return chatstream.Failed(events.InternalError("failed to build request", err))
	}
	response, err := m.post(body, "text/event-stream")
	if err != nil {
		return chatstream.Failed(events.InternalError("request failed", err))
	}
	return chatstream.New(eventsource.New(response), NewDecoder())
}

func (m *Model) complete(body []byte) events.ChatEvent {
	response, err := m.post(body, "application/json")
	if err != nil {
		return events.InternalError("request failed", err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return events.InternalError("failed to read response", err)
	}
	if response.StatusCode != http.StatusOK {
		return events.Error{
			Code:              events.CodeFromStatus(response.StatusCode),
			Message:           gjson.GetBytes(payload, "error.message").String(),
			ProviderErrorJSON: string(payload),
		}
	}
	return parseResponse(payload)
}

func (m *Model) post(body []byte, accept string) (*http.Response, error) {
	request, err := http.NewRequest(http.MethodPost, m.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", accept)
	request.Header.Set("Authorization", "Bearer "+m.apiKey)
	return m.client.Do(request)
}

func buildRequest(msgs []messages.Message, toolResults []messages.ToolResultPair, cfg messages.Config, stream bool) ([]byte, error) {
	body, err := sjson.SetBytes([]byte(`{}`), "model", cfg.Model)
	if err != nil {
		return nil, err
	}

	if cfg.Temperature != nil {
		body, _ = sjson.SetBytes(body, "temperature", *cfg.Temperature)
	}
	if cfg.MaxTokens != nil {
		body, _ = sjson.SetBytes(body, "max_completion_tokens", *cfg.MaxTokens)
	}
	if len(cfg.StopSequences) > 0 {
		body, _ = sjson.SetBytes(body, "stop", cfg.StopSequences)
	}
	if stream {
		body, _ = sjson.SetBytes(body, "stream", true)
		body, _ = sjson.SetBytes(body, "stream_options.include_usage", true)
	}

	turns, err := conversation(msgs, toolResults)
	if err != nil {
		return nil, err
	}
	body, err = sjson.SetRawBytes(body, "messages", turns)
	if err != nil {
		return nil, err
	}

	if len(cfg.Tools) > 0 {
		tools := []byte(`[]`)
		for _, tool := range cfg.Tools {
			entry, _ := sjson.SetBytes([]byte(`{"type":"function"}`), "function.name", tool.Name)
			if tool.Description != "" {
				entry, _ = sjson.SetBytes(entry, "function.description", tool.Description)
			}
			if tool.Parameters != nil {
				schema, merr := json.Marshal(tool.Parameters)
				if merr != nil {
					return nil, merr
				}
				entry, _ = sjson.SetRawBytes(entry, "function.parameters", schema)
			}
			tools, _ = sjson.SetRawBytes(tools, "-1", entry)
		}
		body, _ = sjson.SetRawBytes(body, "tools", tools)
		if cfg.ToolChoice != "" {
			body, _ = sjson.SetBytes(body, "tool_choice", cfg.ToolChoice)
		}
	}
	return body, nil
}

func conversation(msgs []messages.Message, toolResults []messages.ToolResultPair) ([]byte, error) {
	turns := []byte(`[]`)

	for _, msg := range msgs {
		turn, _ := sjson.SetBytes([]byte(`{}`), "role", string(msg.Role))
		if msg.Name != "" {
			turn, _ = sjson.SetBytes(turn, "name", msg.Name)
		}
		content, err := contentValue(msg.Content)
		if err != nil {
			return nil, err
		}
		turn, err = sjson.SetRawBytes(turn, "content", content)
		if err != nil {
			return nil, err
		}
		turns, _ = sjson.SetRawBytes(turns, "-1", turn)
	}

	if len(toolResults) > 0 {
		assistant := []byte(`{"role":"assistant","content":null,"tool_calls":[]}`)
		for _, pair := range toolResults {
			call, _ := sjson.SetBytes([]byte(`{"type":"function"}`), "id", pair.Call.ID)
			call, _ = sjson.SetBytes(call, "function.name", pair.Call.Name)
			call, _ = sjson.SetBytes(call, "function.arguments", pair.Call.ArgumentsJSON)
			assistant, _ = sjson.SetRawBytes(assistant, "tool_calls.-1", call)
		}
		turns, _ = sjson.SetRawBytes(turns, "-1", assistant)

		for _, pair := range toolResults {
			result, _ := sjson.SetBytes([]byte(`{"role":"tool"}`), "tool_call_id", pair.Call.ID)
			switch {
			case pair.Result.Success != nil:
				result, _ = sjson.SetBytes(result, "content", pair.Result.Success.ResultJSON)
			case pair.Result.Failure != nil:
				result, _ = sjson.SetBytes(result, "content", pair.Result.Failure.ErrorMessage)
			}
			turns, _ = sjson.SetRawBytes(turns, "-1", result)
		}
	}
	return turns, nil
}

// contentValue renders message content as a plain string when it is text
// only, and as the content-part array form when images are present.
func contentValue(parts []messages.ContentPart) ([]byte, error) {
	textOnly := true
	for _, part := range parts {
		if _, ok := part.(messages.Text); !ok {
			textOnly = false
			break
		}
	}
	if textOnly {
		var text string
		for _, part := range parts {
			text += string(part.(messages.Text))
		}
		return json.Marshal(text)
	}

	out := []byte(`[]`)
	for _, part := range parts {
		var block []byte
		switch p := part.(type) {
		case messages.Text:
			block, _ = sjson.SetBytes([]byte(`{"type":"text"}`), "text", string(p))
		case messages.Image:
			block, _ = sjson.SetBytes([]byte(`{"type":"image_url"}`), "image_url.url", p.URL)
			if p.Detail != "" {
				block, _ = sjson.SetBytes(block, "image_url.detail", string(p.Detail))
			}
		default:
			continue
		}
		out, _ = sjson.SetRawBytes(out, "-1", block)
	}
	return out, nil
}

func parseResponse(payload []byte) events.ChatEvent {
	if !gjson.ValidBytes(payload) {
		return events.Error{Code: events.CodeInternalError, Message: "invalid response payload", ProviderErrorJSON: string(payload)}
	}
	parsed := gjson.ParseBytes(payload)
	message := parsed.Get("choices.0.message")

	var calls []messages.ToolCall
	message.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		calls = append(calls, messages.ToolCall{
			ID:            call.Get("id").String(),
			Name:          call.Get("function.name").String(),
			ArgumentsJSON: call.Get("function.arguments").String(),
		})
		return true
	})

	reason := parsed.Get("choices.0.finish_reason").String()
	if reason == "tool_calls" && len(calls) > 0 {
		return events.ToolRequest(calls)
	}

	metadata := events.ResponseMetadata{
		FinishReason: finishReason(reason),
		ProviderID:   parsed.Get("id").String(),
	}
	if usage := parsed.Get("usage"); usage.Exists() && usage.Type != gjson.Null {
		in, out, total := usage.Get("prompt_tokens").Int(), usage.Get("completion_tokens").Int(), usage.Get("total_tokens").Int()
		metadata.Usage = &events.Usage{InputTokens: &in, OutputTokens: &out, TotalTokens: &total}
	}

	var content []messages.ContentPart
	if text := message.Get("content"); text.Exists() && text.Type == gjson.String {
		content = append(content, messages.Text(text.String()))
	}
	return events.CompleteResponse{
		ID:        parsed.Get("id").String(),
		Content:   content,
		ToolCalls: calls,
		Metadata:  metadata,
	}
}
