package lmstitch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmstitch/lmstitch/broker"
	"github.com/lmstitch/lmstitch/chatstream"
	"github.com/lmstitch/lmstitch/events"
	"github.com/lmstitch/lmstitch/ledger"
	"github.com/lmstitch/lmstitch/messages"
	"github.com/lmstitch/lmstitch/pkg/pollable"
)

// scriptedStream serves pre-baked batches, one per poll.
type scriptedStream struct {
	batches  [][]events.StreamEvent
	pos      int
	finished bool
	closed   bool
}

func (s *scriptedStream) GetNext() ([]events.StreamEvent, bool) {
	if s.finished || s.pos >= len(s.batches) {
		s.finished = true
		return []events.StreamEvent{}, true
	}
	batch := s.batches[s.pos]
	s.pos++
	for _, event := range batch {
		switch event.(type) {
		case events.Finish, events.Error:
			s.finished = true
		}
	}
	return batch, true
}

func (s *scriptedStream) BlockingGetNext() []events.StreamEvent {
	batch, _ := s.GetNext()
	return batch
}

func (s *scriptedStream) Subscribe() pollable.Pollable { return pollable.Always() }

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

// fakeModel counts calls and hands out scripted responses.
type fakeModel struct {
	sendResponses []events.ChatEvent
	sendCalls     int

	streamBatches [][][]events.StreamEvent
	streamCalls   int
	streamPrompts [][]messages.Message
	streams       []*scriptedStream
}

func (f *fakeModel) Send(msgs []messages.Message, cfg messages.Config) events.ChatEvent {
	response := f.sendResponses[f.sendCalls]
	f.sendCalls++
	return response
}

func (f *fakeModel) Continue(msgs []messages.Message, toolResults []messages.ToolResultPair, cfg messages.Config) events.ChatEvent {
	return f.Send(msgs, cfg)
}

func (f *fakeModel) Stream(msgs []messages.Message, cfg messages.Config) chatstream.Stream {
	batches := f.streamBatches[f.streamCalls]
	f.streamCalls++
	f.streamPrompts = append(f.streamPrompts, msgs)
	stream := &scriptedStream{batches: batches}
	f.streams = append(f.streams, stream)
	return stream
}

// rewind simulates a process restart against the same record.
func rewind(t *testing.T, l *ledger.Ledger) {
	t.Helper()
	l.Rewind()
	require.False(t, l.IsLive())
}

func textDelta(text string) events.StreamDelta {
	return events.StreamDelta{Content: []messages.ContentPart{messages.Text(text)}}
}

func userMessage(text string) []messages.Message {
	return []messages.Message{{Role: messages.RoleUser, Content: []messages.ContentPart{messages.Text(text)}}}
}

func completeResponse(text string) events.CompleteResponse {
	return events.CompleteResponse{
		ID:       "resp_1",
		Content:  []messages.ContentPart{messages.Text(text)},
		Metadata: events.ResponseMetadata{FinishReason: events.FinishStop},
	}
}

func TestDurableSend_RecordsAndReplays(t *testing.T) {
	cfg := messages.Config{Model: "test-model"}
	model := &fakeModel{sendResponses: []events.ChatEvent{completeResponse("the answer")}}

	shared := ledger.Memory()
	durable, err := NewDurable(model, WithLedger(shared))
	require.NoError(t, err)

	live := durable.Send(userMessage("question"), cfg)
	assert.Equal(t, completeResponse("the answer"), live)
	assert.Equal(t, 1, model.sendCalls)
	assert.Equal(t, 1, shared.Len())

	// rewind and replay: the model must not be called again
	rewind(t, shared)
	replayed := durable.Send(userMessage("question"), cfg)
	assert.Equal(t, live, replayed)
	assert.Equal(t, 1, model.sendCalls)
}

func TestDurableSend_DivergentReplayFails(t *testing.T) {
	cfg := messages.Config{Model: "test-model"}
	model := &fakeModel{sendResponses: []events.ChatEvent{completeResponse("a")}}

	shared := ledger.Memory()
	durable, err := NewDurable(model, WithLedger(shared))
	require.NoError(t, err)

	durable.Send(userMessage("question"), cfg)
	rewind(t, shared)

	outcome := durable.Send(userMessage("different question"), cfg)
	evErr, ok := outcome.(events.Error)
	require.True(t, ok)
	assert.Equal(t, events.CodeInternalError, evErr.Code)
}

func TestDurableStream_LiveRecordsBatches(t *testing.T) {
	cfg := messages.Config{Model: "test-model"}
	model := &fakeModel{streamBatches: [][][]events.StreamEvent{{
		{textDelta("Hel")},
		{textDelta("lo"), events.Finish{ResponseMetadata: events.ResponseMetadata{FinishReason: events.FinishStop}}},
	}}}

	shared := ledger.Memory()
	durable, err := NewDurable(model, WithLedger(shared))
	require.NoError(t, err)

	stream := durable.Stream(userMessage("question"), cfg)

	first, ok := stream.GetNext()
	require.True(t, ok)
	assert.Equal(t, []events.StreamEvent{textDelta("Hel")}, first)

	second, ok := stream.GetNext()
	require.True(t, ok)
	require.Len(t, second, 2)

	// terminal: subsequent polls are empty and ready, and nothing more records
	recorded := shared.Len()
	batch, ok := stream.GetNext()
	assert.True(t, ok)
	assert.Empty(t, batch)
	assert.Equal(t, recorded, shared.Len())

	// one stream-open entry plus two batch entries
	assert.Equal(t, 3, recorded)
}

func TestDurableStream_ReplaysRecordedBatches(t *testing.T) {
	cfg := messages.Config{Model: "test-model"}
	model := &fakeModel{streamBatches: [][][]events.StreamEvent{{
		{textDelta("Hel")},
		{textDelta("lo"), events.Finish{ResponseMetadata: events.ResponseMetadata{FinishReason: events.FinishStop}}},
	}}}

	shared := ledger.Memory()
	durable, err := NewDurable(model, WithLedger(shared))
	require.NoError(t, err)

	live := durable.Stream(userMessage("question"), cfg)
	for {
		if batch, ok := live.GetNext(); ok && len(batch) == 0 {
			break
		}
	}

	rewind(t, shared)
	replayed := durable.Stream(userMessage("question"), cfg)

	first := replayed.BlockingGetNext()
	assert.Equal(t, []events.StreamEvent{textDelta("Hel")}, first)

	second := replayed.BlockingGetNext()
	require.Len(t, second, 2)
	assert.IsType(t, events.Finish{}, second[1])

	// the model was only ever asked for one stream
	assert.Equal(t, 1, model.streamCalls)

	// finished on replay stays finished once the ledger is live again
	batch, ok := replayed.GetNext()
	assert.True(t, ok)
	assert.Empty(t, batch)
}

func TestDurableStream_ResumesInterruptedStream(t *testing.T) {
	cfg := messages.Config{Model: "test-model"}
	model := &fakeModel{streamBatches: [][][]events.StreamEvent{
		// first run: interrupted after two deltas, no terminal event recorded
		{
			{textDelta("Hel")},
			{textDelta("lo")},
		},
		// resumed run
		{
			{textDelta(" world"), events.Finish{ResponseMetadata: events.ResponseMetadata{FinishReason: events.FinishStop}}},
		},
	}}

	shared := ledger.Memory()
	durable, err := NewDurable(model, WithLedger(shared))
	require.NoError(t, err)

	interrupted := durable.Stream(userMessage("question"), cfg)
	interrupted.BlockingGetNext()
	interrupted.BlockingGetNext()
	// crash here: terminal batch never polled, never recorded

	rewind(t, shared)
	resumed := durable.Stream(userMessage("question"), cfg)

	assert.Equal(t, []events.StreamEvent{textDelta("Hel")}, resumed.BlockingGetNext())
	assert.Equal(t, []events.StreamEvent{textDelta("lo")}, resumed.BlockingGetNext())

	// the record is exhausted; the next poll opens a continuation stream
	final := resumed.BlockingGetNext()
	require.Len(t, final, 2)
	assert.Equal(t, textDelta(" world"), final[0])
	assert.IsType(t, events.Finish{}, final[1])

	require.Equal(t, 2, model.streamCalls)
	prompt := model.streamPrompts[1]
	require.Len(t, prompt, 4)
	assert.Equal(t, continuationInstruction, prompt[0].TextContent())
	assert.Equal(t, "question", prompt[2].TextContent())
	assert.Equal(t,
		"Here is the partial response that was successfully received:Hello",
		prompt[3].TextContent())

	// the resumed batches were recorded, so a second replay needs no provider
	rewind(t, shared)
	replayed := durable.Stream(userMessage("question"), cfg)
	var all []events.StreamEvent
	for {
		batch := replayed.BlockingGetNext()
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
	}
	require.Len(t, all, 4)
	assert.Equal(t, 2, model.streamCalls)
}

func TestDurableStream_LazyPollableBindsOnResume(t *testing.T) {
	cfg := messages.Config{Model: "test-model"}
	model := &fakeModel{streamBatches: [][][]events.StreamEvent{
		{{textDelta("partial")}},
		{{events.Finish{ResponseMetadata: events.ResponseMetadata{FinishReason: events.FinishStop}}}},
	}}

	shared := ledger.Memory()
	durable, err := NewDurable(model, WithLedger(shared))
	require.NoError(t, err)

	durable.Stream(userMessage("q"), cfg).BlockingGetNext()

	rewind(t, shared)
	resumed := durable.Stream(userMessage("q"), cfg)

	handle := resumed.Subscribe()
	assert.False(t, handle.IsReady(), "handle has no source before the stream goes live")

	resumed.BlockingGetNext() // replayed delta
	resumed.BlockingGetNext() // exhausts the record, resumes live
	assert.True(t, handle.IsReady(), "handle forwards to the live transport after resume")
}

func TestDurableStream_ReplayedErrorIsNotRetried(t *testing.T) {
	cfg := messages.Config{Model: "test-model"}
	model := &fakeModel{streamBatches: [][][]events.StreamEvent{{
		{textDelta("some")},
		{events.Error{Code: events.CodeRateLimitExceeded, Message: "slow down"}},
	}}}

	shared := ledger.Memory()
	durable, err := NewDurable(model, WithLedger(shared))
	require.NoError(t, err)

	live := durable.Stream(userMessage("q"), cfg)
	live.BlockingGetNext()
	live.BlockingGetNext()

	rewind(t, shared)
	replayed := durable.Stream(userMessage("q"), cfg)
	replayed.BlockingGetNext()

	terminal := replayed.BlockingGetNext()
	require.Len(t, terminal, 1)
	assert.IsType(t, events.Error{}, terminal[0])

	// the error is terminal: no continuation stream is opened
	batch, ok := replayed.GetNext()
	assert.True(t, ok)
	assert.Empty(t, batch)
	assert.Equal(t, 1, model.streamCalls)
}

// recordingBroker captures every publish so tests can observe the fan-out
// side of a live stream.
type recordingBroker struct {
	topics map[string]*recordingTopic
}

func (b *recordingBroker) Topic(_ context.Context, id string) broker.Topic {
	if b.topics == nil {
		b.topics = map[string]*recordingTopic{}
	}
	top, ok := b.topics[id]
	if !ok {
		top = &recordingTopic{id: id}
		b.topics[id] = top
	}
	return top
}

type recordingTopic struct {
	id      string
	batches [][]events.StreamEvent
}

func (t *recordingTopic) Publish(_ context.Context, batch []events.StreamEvent) error {
	t.batches = append(t.batches, batch)
	return nil
}

func (t *recordingTopic) Subscribe(context.Context, broker.Handler) (broker.Subscription, error) {
	return nil, nil
}

func TestDurableStream_PublishesLiveBatches(t *testing.T) {
	cfg := messages.Config{Model: "test-model"}
	model := &fakeModel{streamBatches: [][][]events.StreamEvent{{
		{textDelta("Hel")},
		{textDelta("lo"), events.Finish{ResponseMetadata: events.ResponseMetadata{FinishReason: events.FinishStop}}},
	}}}

	observer := &recordingBroker{}
	shared := ledger.Memory()
	durable, err := NewDurable(model,
		WithLedger(shared),
		WithBroker(observer),
		WithStreamTopicPrefix("chat.responses."),
	)
	require.NoError(t, err)

	live := durable.Stream(userMessage("question"), cfg)
	for {
		if batch, ok := live.GetNext(); ok && len(batch) == 0 {
			break
		}
	}

	require.Len(t, observer.topics, 1)
	var top *recordingTopic
	for id, captured := range observer.topics {
		assert.Regexp(t, "^chat\\.responses\\.", id)
		top = captured
	}
	// one publish per recorded batch, the empty terminal batch is not published
	require.Len(t, top.batches, 2)
	assert.Equal(t, []events.StreamEvent{textDelta("Hel")}, top.batches[0])
	require.Len(t, top.batches[1], 2)
	assert.IsType(t, events.Finish{}, top.batches[1][1])

	// replayed batches are never published
	rewind(t, shared)
	replayed := durable.Stream(userMessage("question"), cfg)
	for {
		if batch, ok := replayed.GetNext(); ok && len(batch) == 0 {
			break
		}
	}
	assert.Len(t, top.batches, 2)
}

func TestDurableStream_CloseLiveStream(t *testing.T) {
	cfg := messages.Config{Model: "test-model"}
	model := &fakeModel{streamBatches: [][][]events.StreamEvent{{{textDelta("x")}}}}

	durable, err := NewDurable(model)
	require.NoError(t, err)

	stream := durable.Stream(userMessage("q"), cfg)
	require.NoError(t, stream.Close())
	assert.True(t, model.streams[0].closed)

	batch, ok := stream.GetNext()
	assert.True(t, ok)
	assert.Empty(t, batch)
}
