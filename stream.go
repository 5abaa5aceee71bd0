package lmstitch

import (
	"context"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/lmstitch/lmstitch/chatstream"
	"github.com/lmstitch/lmstitch/events"
	"github.com/lmstitch/lmstitch/messages"
	"github.com/lmstitch/lmstitch/pkg/pollable"
)

// durableStream is the stream handed out by DurableModel.Stream.
//
// It starts in one of two states. With a driver it is live from the first
// poll: every ready batch is recorded before it is returned. Without a driver
// it serves the batches the ledger recorded; if the record ends before the
// terminal event, the next poll builds a continuation prompt from the partial
// response gathered so far, opens a fresh provider stream, and the stream
// becomes live. That transition happens at most once.
type durableStream struct {
	mu    sync.Mutex
	owner *DurableModel
	id    string
	poll  uint64

	driver   chatstream.Stream
	original []messages.Message
	config   messages.Config

	lazies   []*pollable.Lazy
	sub      pollable.Pollable
	partial  []events.StreamDelta
	finished bool
}

// GetNext returns the next recorded or live batch. ok=false means pending.
func (s *durableStream) GetNext() ([]events.StreamEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return []events.StreamEvent{}, true
	}
	if !s.owner.ledger.IsLive() {
		return s.replayNext()
	}
	if s.driver == nil {
		if failed, ok := s.resume(); !ok {
			return failed, true
		}
	}
	return s.liveNext()
}

// replayNext serves the batch recorded for this poll position and keeps the
// partial response current in case the record ends early.
func (s *durableStream) replayNext() ([]events.StreamEvent, bool) {
	var raw json.RawMessage
	input := streamPoll{Stream: s.id, Poll: s.poll}
	if err := s.owner.ledger.Replay(kindStreamNext, input, &raw); err != nil {
		s.finished = true
		return []events.StreamEvent{events.InternalError("failed to replay recorded stream batch", err)}, true
	}
	batch, err := events.UnmarshalStreamEvents(raw)
	if err != nil {
		s.finished = true
		return []events.StreamEvent{events.InternalError("failed to decode recorded stream batch", err)}, true
	}
	s.poll++
	s.observe(batch)
	return batch, true
}

// liveNext polls the driver and records whatever it produced.
func (s *durableStream) liveNext() ([]events.StreamEvent, bool) {
	var batch []events.StreamEvent
	var ready bool
	_ = s.owner.ledger.WithoutRecording(func() error {
		batch, ready = s.driver.GetNext()
		return nil
	})
	if !ready {
		return nil, false
	}

	raw, err := events.MarshalStreamEvents(batch)
	if err != nil {
		return []events.StreamEvent{events.InternalError("failed to encode stream batch", err)}, true
	}
	input := streamPoll{Stream: s.id, Poll: s.poll}
	if err := s.owner.ledger.Persist(kindStreamNext, input, json.RawMessage(raw)); err != nil {
		return []events.StreamEvent{events.InternalError("failed to record stream batch", err)}, true
	}
	s.poll++
	s.observe(batch)
	s.publish(batch)
	return batch, true
}

// resume opens a fresh provider stream continuing from the partial response.
// The second return is false when the stream could not be reopened; the
// failure batch is returned in its place.
func (s *durableStream) resume() ([]events.StreamEvent, bool) {
	prompt := s.owner.prompt(s.original, s.partial)

	var driver chatstream.Stream
	_ = s.owner.ledger.WithoutRecording(func() error {
		driver = s.owner.model.Stream(prompt, s.config)
		return nil
	})
	if driver == nil {
		s.finished = true
		return []events.StreamEvent{events.Error{
			Code:    events.CodeInternalError,
			Message: "model returned no stream on resume",
		}}, false
	}
	s.driver = driver

	handle := driver.Subscribe()
	for _, lazy := range s.lazies {
		lazy.Bind(handle)
	}
	s.lazies = nil
	return nil, true
}

// observe maintains the partial response and terminal flag from a batch.
func (s *durableStream) observe(batch []events.StreamEvent) {
	for _, event := range batch {
		switch e := event.(type) {
		case events.StreamDelta:
			s.partial = append(s.partial, e)
		case events.Finish, events.Error:
			s.finished = true
		}
	}
}

func (s *durableStream) publish(batch []events.StreamEvent) {
	if s.owner.broker == nil || len(batch) == 0 {
		return
	}
	topic := s.owner.broker.Topic(context.Background(), s.owner.topicPrefix+s.id)
	_ = topic.Publish(context.Background(), batch)
}

// BlockingGetNext waits for the next batch, suspending on the stream's
// readiness handle between polls.
func (s *durableStream) BlockingGetNext() []events.StreamEvent {
	sub := s.Subscribe()
	for {
		if batch, ok := s.GetNext(); ok {
			return batch
		}
		sub.Block()
	}
}

// Subscribe returns a readiness handle. Before the stream has a driver the
// handle is lazy; it is bound to the real transport handle if the stream
// later resumes live.
func (s *durableStream) Subscribe() pollable.Pollable {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub != nil {
		return s.sub
	}
	if s.driver != nil {
		s.sub = s.driver.Subscribe()
		return s.sub
	}
	lazy := pollable.NewLazy()
	s.lazies = append(s.lazies, lazy)
	s.sub = lazy
	return lazy
}

// Close releases the live transport, if any. Recorded history is unaffected.
func (s *durableStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.finished = true
	s.lazies = nil
	if s.driver == nil {
		return nil
	}
	var err error
	_ = s.owner.ledger.WithoutRecording(func() error {
		err = s.driver.Close()
		return nil
	})
	return err
}
