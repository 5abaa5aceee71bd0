package anthropic

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-openapi/swag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/lmstitch/lmstitch/events"
	"github.com/lmstitch/lmstitch/messages"
)

func conversationFixture() []messages.Message {
	return []messages.Message{
		{Role: messages.RoleSystem, Content: []messages.ContentPart{messages.Text("be terse")}},
		{Role: messages.RoleUser, Content: []messages.ContentPart{messages.Text("hi")}},
	}
}

func TestBuildRequest_Shape(t *testing.T) {
	cfg := messages.Config{
		Model:         "claude-sonnet-4",
		Temperature:   swag.Float32(0.2),
		MaxTokens:     swag.Int64(512),
		StopSequences: []string{"END"},
	}

	body, err := buildRequest(conversationFixture(), nil, cfg, true)
	require.NoError(t, err)

	assert.Equal(t, "claude-sonnet-4", gjson.GetBytes(body, "model").String())
	assert.EqualValues(t, 512, gjson.GetBytes(body, "max_tokens").Int())
	assert.InDelta(t, 0.2, gjson.GetBytes(body, "temperature").Float(), 1e-6)
	assert.True(t, gjson.GetBytes(body, "stream").Bool())
	assert.Equal(t, "be terse", gjson.GetBytes(body, "system").String())

	// system messages never appear in the turn list
	assert.EqualValues(t, 1, gjson.GetBytes(body, "messages.#").Int())
	assert.Equal(t, "user", gjson.GetBytes(body, "messages.0.role").String())
	assert.Equal(t, "hi", gjson.GetBytes(body, "messages.0.content.0.text").String())
}

func TestBuildRequest_DefaultMaxTokens(t *testing.T) {
	body, err := buildRequest(conversationFixture(), nil, messages.Config{Model: "claude-sonnet-4"}, false)
	require.NoError(t, err)
	assert.EqualValues(t, defaultMaxTokens, gjson.GetBytes(body, "max_tokens").Int())
	assert.False(t, gjson.GetBytes(body, "stream").Exists())
}

func TestBuildRequest_ToolResults(t *testing.T) {
	pairs := []messages.ToolResultPair{{
		Call: messages.ToolCall{ID: "toolu_1", Name: "weather", ArgumentsJSON: `{"city":"Paris"}`},
		Result: messages.ToolResult{
			Success: &messages.ToolSuccess{ID: "toolu_1", Name: "weather", ResultJSON: `{"temp":21}`},
		},
	}}

	body, err := buildRequest(conversationFixture(), pairs, messages.Config{Model: "claude-sonnet-4"}, false)
	require.NoError(t, err)

	assert.Equal(t, "assistant", gjson.GetBytes(body, "messages.1.role").String())
	assert.Equal(t, "tool_use", gjson.GetBytes(body, "messages.1.content.0.type").String())
	assert.Equal(t, "Paris", gjson.GetBytes(body, "messages.1.content.0.input.city").String())

	assert.Equal(t, "user", gjson.GetBytes(body, "messages.2.role").String())
	assert.Equal(t, "tool_result", gjson.GetBytes(body, "messages.2.content.0.type").String())
	assert.Equal(t, "toolu_1", gjson.GetBytes(body, "messages.2.content.0.tool_use_id").String())
}

func TestSend_CompleteResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		assert.Equal(t, apiVersion, r.Header.Get("Anthropic-Version"))

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "hi", gjson.GetBytes(body, "messages.0.content.0.text").String())

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"content": [{"type":"text","text":"hello there"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 4, "output_tokens": 6}
		}`))
	}))
	defer server.Close()

	model, err := New("secret", WithBaseURL(server.URL))
	require.NoError(t, err)

	outcome := model.Send(conversationFixture(), messages.Config{Model: "claude-sonnet-4"})
	response, ok := outcome.(events.CompleteResponse)
	require.True(t, ok)
	assert.Equal(t, "msg_1", response.ID)
	assert.Equal(t, []messages.ContentPart{messages.Text("hello there")}, response.Content)
	assert.Equal(t, events.FinishOther, response.Metadata.FinishReason)
	require.NotNil(t, response.Metadata.Usage)
	assert.EqualValues(t, 6, *response.Metadata.Usage.OutputTokens)
}

func TestSend_ToolUseBecomesToolRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_2",
			"content": [{"type":"tool_use","id":"toolu_9","name":"weather","input":{"city":"Berlin"}}],
			"stop_reason": "tool_use"
		}`))
	}))
	defer server.Close()

	model, err := New("secret", WithBaseURL(server.URL))
	require.NoError(t, err)

	outcome := model.Send(conversationFixture(), messages.Config{Model: "claude-sonnet-4"})
	request, ok := outcome.(events.ToolRequest)
	require.True(t, ok)
	require.Len(t, request, 1)
	assert.Equal(t, "weather", request[0].Name)
	assert.Equal(t, `{"city":"Berlin"}`, request[0].ArgumentsJSON)
}

func TestSend_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer server.Close()

	model, err := New("secret", WithBaseURL(server.URL))
	require.NoError(t, err)

	outcome := model.Send(conversationFixture(), messages.Config{Model: "claude-sonnet-4"})
	evErr, ok := outcome.(events.Error)
	require.True(t, ok)
	assert.Equal(t, events.CodeRateLimitExceeded, evErr.Code)
	assert.Equal(t, "slow down", evErr.Message)
}

func TestStream_EndToEnd(t *testing.T) {
	frames := "event: message_start\n" +
		"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_3\",\"usage\":{\"input_tokens\":3}}}\n\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"hello\"}}\n\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\" world\"}}\n\n" +
		"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":2}}\n\n" +
		"data: {\"type\":\"message_stop\"}\n\n"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, gjson.GetBytes(mustRead(t, r), "stream").Bool())
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(frames))
	}))
	defer server.Close()

	model, err := New("secret", WithBaseURL(server.URL))
	require.NoError(t, err)

	stream := model.Stream(conversationFixture(), messages.Config{Model: "claude-sonnet-4"})
	defer stream.Close()

	var all []events.StreamEvent
	for {
		batch := stream.BlockingGetNext()
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
	}

	require.Len(t, all, 3)
	assert.Equal(t, events.StreamDelta{Content: []messages.ContentPart{messages.Text("hello")}}, all[0])
	assert.Equal(t, events.StreamDelta{Content: []messages.ContentPart{messages.Text(" world")}}, all[1])
	finish, ok := all[2].(events.Finish)
	require.True(t, ok)
	assert.Equal(t, events.FinishOther, finish.FinishReason)
	assert.Equal(t, "msg_3", finish.ProviderID)
}

func mustRead(t *testing.T, r *http.Request) []byte {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	return body
}
