package anthropic

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

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// Model talks to the Anthropic messages API.
type Model struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// WithBaseURL points the model at a different endpoint, e.g. a proxy.
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
// back as an assistant turn, their results as tool_result blocks.
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
	request, err := http.NewRequest(http.MethodPost, m.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", accept)
	request.Header.Set("X-Api-Key", m.apiKey)
	request.Header.Set("Anthropic-Version", apiVersion)
	return m.client.Do(request)
}

func buildRequest(msgs []messages.Message, toolResults []messages.ToolResultPair, cfg messages.Config, stream bool) ([]byte, error) {
	body, err := sjson.SetBytes([]byte(`{}`), "model", cfg.Model)
	if err != nil {
		return nil, err
	}

	maxTokens := int64(defaultMaxTokens)
	if cfg.MaxTokens != nil {
		maxTokens = *cfg.MaxTokens
	}
	body, _ = sjson.SetBytes(body, "max_tokens", maxTokens)

	if cfg.Temperature != nil {
		body, _ = sjson.SetBytes(body, "temperature", *cfg.Temperature)
	}
	if len(cfg.StopSequences) > 0 {
		body, _ = sjson.SetBytes(body, "stop_sequences", cfg.StopSequences)
	}
	if stream {
		body, _ = sjson.SetBytes(body, "stream", true)
	}

	system, turns, err := splitConversation(msgs)
	if err != nil {
		return nil, err
	}
	if system != "" {
		body, _ = sjson.SetBytes(body, "system", system)
	}
	body, err = sjson.SetRawBytes(body, "messages", turns)
	if err != nil {
		return nil, err
	}

	if len(toolResults) > 0 {
		body, err = appendToolResults(body, toolResults)
		if err != nil {
			return nil, err
		}
	}

	if len(cfg.Tools) > 0 {
		tools := []byte(`[]`)
		for _, tool := range cfg.Tools {
			entry, _ := sjson.SetBytes([]byte(`{}`), "name", tool.Name)
			if tool.Description != "" {
				entry, _ = sjson.SetBytes(entry, "description", tool.Description)
			}
			schema := []byte(`{"type":"object"}`)
			if tool.Parameters != nil {
				schema, err = json.Marshal(tool.Parameters)
				if err != nil {
					return nil, err
				}
			}
			entry, _ = sjson.SetRawBytes(entry, "input_schema", schema)
			tools, _ = sjson.SetRawBytes(tools, "-1", entry)
		}
		body, _ = sjson.SetRawBytes(body, "tools", tools)
		if cfg.ToolChoice != "" {
			choice, _ := sjson.SetBytes([]byte(`{}`), "type", cfg.ToolChoice)
			body, _ = sjson.SetRawBytes(body, "tool_choice", choice)
		}
	}
	return body, nil
}

// splitConversation separates system messages, which the API takes as a
// top-level field, from the user/assistant turns.
func splitConversation(msgs []messages.Message) (string, []byte, error) {
	var system string
	turns := []byte(`[]`)

	for _, msg := range msgs {
		if msg.Role == messages.RoleSystem {
			system += msg.TextContent()
			continue
		}
		blocks, err := contentBlocks(msg.Content)
		if err != nil {
			return "", nil, err
		}
		turn, _ := sjson.SetBytes([]byte(`{}`), "role", string(msg.Role))
		turn, err = sjson.SetRawBytes(turn, "content", blocks)
		if err != nil {
			return "", nil, err
		}
		turns, _ = sjson.SetRawBytes(turns, "-1", turn)
	}
	return system, turns, nil
}

func contentBlocks(parts []messages.ContentPart) ([]byte, error) {
	blocks := []byte(`[]`)
	for _, part := range parts {
		var block []byte
		switch p := part.(type) {
		case messages.Text:
			block, _ = sjson.SetBytes([]byte(`{"type":"text"}`), "text", string(p))
		case messages.Image:
			block, _ = sjson.SetBytes([]byte(`{"type":"image","source":{"type":"url"}}`), "source.url", p.URL)
		default:
			continue
		}
		blocks, _ = sjson.SetRawBytes(blocks, "-1", block)
	}
	return blocks, nil
}

// appendToolResults adds the assistant turn that requested the tools and the
// user turn carrying their results.
func appendToolResults(body []byte, toolResults []messages.ToolResultPair) ([]byte, error) {
	uses := []byte(`[]`)
	results := []byte(`[]`)

	for _, pair := range toolResults {
		use, _ := sjson.SetBytes([]byte(`{"type":"tool_use"}`), "id", pair.Call.ID)
		use, _ = sjson.SetBytes(use, "name", pair.Call.Name)
		args := pair.Call.ArgumentsJSON
		if args == "" || !gjson.Valid(args) {
			args = "{}"
		}
		use, _ = sjson.SetRawBytes(use, "input", []byte(args))
		uses, _ = sjson.SetRawBytes(uses, "-1", use)

		result, _ := sjson.SetBytes([]byte(`{"type":"tool_result"}`), "tool_use_id", pair.Call.ID)
		switch {
		case pair.Result.Success != nil:
			result, _ = sjson.SetBytes(result, "content", pair.Result.Success.ResultJSON)
		case pair.Result.Failure != nil:
			result, _ = sjson.SetBytes(result, "content", pair.Result.Failure.ErrorMessage)
			result, _ = sjson.SetBytes(result, "is_error", true)
		}
		results, _ = sjson.SetRawBytes(results, "-1", result)
	}

	assistant, err := sjson.SetRawBytes([]byte(`{"role":"assistant"}`), "content", uses)
	if err != nil {
		return nil, err
	}
	body, _ = sjson.SetRawBytes(body, "messages.-1", assistant)

	user, err := sjson.SetRawBytes([]byte(`{"role":"user"}`), "content", results)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(body, "messages.-1", user)
}

func parseResponse(payload []byte) events.ChatEvent {
	if !gjson.ValidBytes(payload) {
		return events.Error{Code: events.CodeInternalError, Message: "invalid response payload", ProviderErrorJSON: string(payload)}
	}
	parsed := gjson.ParseBytes(payload)

	var content []messages.ContentPart
	var calls []messages.ToolCall
	parsed.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			content = append(content, messages.Text(block.Get("text").String()))
		case "tool_use":
			input := block.Get("input").Raw
			if input == "" {
				input = "{}"
			}
			calls = append(calls, messages.ToolCall{
				ID:            block.Get("id").String(),
				Name:          block.Get("name").String(),
				ArgumentsJSON: input,
			})
		}
		return true
	})

	stop := parsed.Get("stop_reason").String()
	if stop == "tool_use" && len(calls) > 0 {
		return events.ToolRequest(calls)
	}

	metadata := events.ResponseMetadata{
		FinishReason: finishReason(stop),
		ProviderID:   parsed.Get("id").String(),
	}
	if usage := parsed.Get("usage"); usage.Exists() {
		in, out := usage.Get("input_tokens").Int(), usage.Get("output_tokens").Int()
		metadata.Usage = &events.Usage{InputTokens: &in, OutputTokens: &out}
	}
	return events.CompleteResponse{
		ID:        parsed.Get("id").String(),
		Content:   content,
		ToolCalls: calls,
		Metadata:  metadata,
	}
}
