package openai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmstitch/lmstitch/events"
	"github.com/lmstitch/lmstitch/messages"
)

func decodeAll(t *testing.T, d *Decoder, raws ...string) []events.StreamEvent {
	t.Helper()
	var out []events.StreamEvent
	for _, raw := range raws {
		decoded, err := d.DecodeEvent(raw)
		require.NoError(t, err)
		out = append(out, decoded...)
	}
	return out
}

func TestDecoder_ContentDeltas(t *testing.T) {
	d := NewDecoder()
	out := decodeAll(t, d,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	)

	require.Len(t, out, 4)
	assert.Equal(t, events.StreamDelta{Content: []messages.ContentPart{messages.Text("")}}, out[0])
	assert.Equal(t, events.StreamDelta{Content: []messages.ContentPart{messages.Text("Hel")}}, out[1])
	assert.Equal(t, events.StreamDelta{Content: []messages.ContentPart{messages.Text("lo")}}, out[2])

	finish, ok := out[3].(events.Finish)
	require.True(t, ok)
	assert.Equal(t, events.FinishStop, finish.FinishReason)
	assert.Equal(t, "chatcmpl-1", finish.ProviderID)
}

func TestDecoder_ToolCallFragmentAccumulation(t *testing.T) {
	d := NewDecoder()
	out := decodeAll(t, d,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"weather","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Berlin\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	)

	require.Len(t, out, 2)
	delta, ok := out[0].(events.StreamDelta)
	require.True(t, ok)
	require.Len(t, delta.ToolCalls, 1)
	assert.Equal(t, messages.ToolCall{ID: "call_1", Name: "weather", ArgumentsJSON: `{"city":"Berlin"}`}, delta.ToolCalls[0])

	finish, ok := out[1].(events.Finish)
	require.True(t, ok)
	assert.Equal(t, events.FinishToolCalls, finish.FinishReason)
}

func TestDecoder_ParallelToolCallsFlushInOrder(t *testing.T) {
	d := NewDecoder()
	out := decodeAll(t, d,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"alpha","arguments":"{}"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"beta","arguments":"{}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	)

	require.Len(t, out, 2)
	delta := out[0].(events.StreamDelta)
	require.Len(t, delta.ToolCalls, 2)
	assert.Equal(t, "call_a", delta.ToolCalls[0].ID)
	assert.Equal(t, "call_b", delta.ToolCalls[1].ID)
}

func TestDecoder_UsageChunkBuffered(t *testing.T) {
	d := NewDecoder()
	out := decodeAll(t, d,
		`{"choices":[{"delta":{"content":"hi"}}],"usage":null}`,
		`{"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	)

	require.Len(t, out, 2)
	finish := out[1].(events.Finish)
	require.NotNil(t, finish.Usage)
	assert.EqualValues(t, 5, *finish.Usage.InputTokens)
	assert.EqualValues(t, 8, *finish.Usage.TotalTokens)
}

func TestDecoder_EmptyChunkTolerated(t *testing.T) {
	d := NewDecoder()
	out := decodeAll(t, d, `{"object":"chat.completion.chunk"}`)
	assert.Empty(t, out)
}

func TestDecoder_InvalidJSON(t *testing.T) {
	d := NewDecoder()
	_, err := d.DecodeEvent(`{"choices":[`)
	require.Error(t, err)
}

func TestFinishReasonMapping(t *testing.T) {
	assert.Equal(t, events.FinishStop, finishReason("stop"))
	assert.Equal(t, events.FinishLength, finishReason("length"))
	assert.Equal(t, events.FinishToolCalls, finishReason("tool_calls"))
	assert.Equal(t, events.FinishContentFilter, finishReason("content_filter"))
	assert.Equal(t, events.FinishOther, finishReason("eos"))
}
