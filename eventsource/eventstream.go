package eventsource

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/lmstitch/lmstitch/pkg/pollable"
)

// eventBuilder accumulates raw lines into one MessageEvent following the
// WHATWG event stream processing model: "event" replaces the type buffer,
// every "data" value is appended with a line feed, "id" is kept unless it
// contains NUL, "retry" must be all ASCII digits, and anything else is
// ignored. The blank line completes the record.
type eventBuilder struct {
	event    MessageEvent
	complete bool
}

func (b *eventBuilder) add(line rawLine) {
	switch line.kind {
	case lineField:
		switch line.name {
		case "event":
			b.event.Event = line.value
		case "data":
			b.event.Data += line.value
			b.event.Data += "\n"
		case "id":
			if !strings.ContainsRune(line.value, '\x00') {
				b.event.ID = line.value
			}
		case "retry":
			if ms, err := strconv.ParseUint(line.value, 10, 64); err == nil {
				b.event.Retry = time.Duration(ms) * time.Millisecond
			}
		}
	case lineComment:
		// Comments keep the connection alive, nothing to accumulate.
	case lineEmpty:
		b.complete = true
	}
}

// dispatch resets the builder and returns the completed event. An event whose
// data buffer is empty is never dispatched; the last event id survives into
// the next record either way.
func (b *eventBuilder) dispatch() (MessageEvent, bool) {
	event := b.event
	*b = eventBuilder{}
	b.event.ID = event.ID

	if event.Data == "" {
		return MessageEvent{}, false
	}
	event.Data = strings.TrimSuffix(event.Data, "\n")
	if event.Event == "" {
		event.Event = "message"
	}
	return event, true
}

type streamState int

const (
	streamNotStarted streamState = iota
	streamStarted
	streamTerminated
)

// EventStream incrementally parses an SSE body into MessageEvents. Partial
// records are buffered across polls, so chunk boundaries never change the
// sequence of dispatched events.
type EventStream struct {
	stream      *Utf8Stream
	buffer      string
	builder     eventBuilder
	state       streamState
	lastEventID string
}

func NewEventStream(stream ByteStream) *EventStream {
	return &EventStream{stream: NewUtf8Stream(stream)}
}

// SetLastEventID seeds the last event id, e.g. when resuming a connection.
func (s *EventStream) SetLastEventID(id string) { s.lastEventID = id }

func (s *EventStream) LastEventID() string { return s.lastEventID }

func (s *EventStream) Subscribe() pollable.Pollable {
	return s.stream.Subscribe()
}

// PollNext returns the next complete event, ErrWouldBlock when more input is
// needed, and io.EOF once the underlying stream has terminated and the buffer
// holds no further record.
func (s *EventStream) PollNext() (MessageEvent, error) {
	if event, ok := s.parseEvent(); ok {
		return event, nil
	}

	if s.state == streamTerminated {
		return MessageEvent{}, io.EOF
	}

	for {
		chunk, err := s.stream.PollNext()
		switch err {
		case nil:
			if chunk == "" {
				continue
			}
			if s.state == streamNotStarted {
				s.state = streamStarted
				if r := []rune(chunk)[0]; isBOM(r) {
					chunk = chunk[len(string(r)):]
				}
			}
			s.buffer += chunk
			if event, ok := s.parseEvent(); ok {
				return event, nil
			}

		case ErrWouldBlock:
			return MessageEvent{}, ErrWouldBlock

		case io.EOF:
			s.state = streamTerminated
			// a bare CR at the very end is a complete terminator now that no
			// LF can follow it
			if strings.HasSuffix(s.buffer, "\r") {
				s.buffer += "\n"
				if event, ok := s.parseEvent(); ok {
					return event, nil
				}
			}
			return MessageEvent{}, io.EOF

		default:
			return MessageEvent{}, err
		}
	}
}

// parseEvent consumes every complete line in the buffer, returning the first
// event that dispatches.
func (s *EventStream) parseEvent() (MessageEvent, bool) {
	for {
		line, consumed, ok := nextLine(s.buffer)
		if !ok {
			return MessageEvent{}, false
		}
		s.buffer = s.buffer[consumed:]
		s.builder.add(line)
		if s.builder.complete {
			if event, dispatched := s.builder.dispatch(); dispatched {
				s.lastEventID = event.ID
				return event, true
			}
		}
	}
}
