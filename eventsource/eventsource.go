// Package eventsource implements an incremental, non-blocking Server-Sent
// Events consumer over a single HTTP response. The pipeline is layered the
// way the protocol is: a byte stream is reframed into valid UTF-8 chunks,
// the chunks are parsed with the SSE line grammar into discrete events, and
// EventSource ties one response's lifecycle (status check, body adoption,
// terminal errors) around it. Nothing here retries: any failure permanently
// closes the source and it is up to the caller to reconnect.
package eventsource

import (
	"io"
	"mime"
	"net/http"

	"github.com/lmstitch/lmstitch/pkg/pollable"
)

// Event is what an EventSource produces: exactly one Open after the response
// is validated, then any number of Messages.
type Event interface {
	sseEvent()
}

// Open is emitted once, when the response passed validation and the body was
// adopted as an event stream.
type Open struct{}

func (Open) sseEvent() {}

// Message wraps one dispatched server-sent event.
type Message struct {
	MessageEvent
}

func (Message) sseEvent() {}

// EventSource consumes one in-flight HTTP response as a stream of server-sent
// events. The response is validated on the first poll; after any error the
// source is permanently closed and PollNext returns io.EOF.
type EventSource struct {
	response    *http.Response
	body        ByteStream
	cur         *EventStream
	lastEventID string
	closed      bool
	checked     bool
}

// New adopts an in-flight response. The body starts streaming immediately so
// that callers can subscribe for readiness before the first poll.
func New(response *http.Response) *EventSource {
	return &EventSource{
		response: response,
		body:     NewReaderStream(response.Body),
	}
}

// Subscribe returns a readiness handle for the underlying body stream.
func (s *EventSource) Subscribe() pollable.Pollable {
	if s.cur != nil {
		return s.cur.Subscribe()
	}
	return s.body.Subscribe()
}

// LastEventID returns the id of the most recent event, for reconnects.
func (s *EventSource) LastEventID() string {
	if s.cur != nil {
		return s.cur.LastEventID()
	}
	return s.lastEventID
}

// SetLastEventID seeds the last event id before the stream is adopted.
func (s *EventSource) SetLastEventID(id string) {
	s.lastEventID = id
	if s.cur != nil {
		s.cur.SetLastEventID(id)
	}
}

// Close permanently closes the source and releases the response body.
func (s *EventSource) Close() {
	s.closed = true
	_ = s.body.Close()
}

// PollNext advances the source without blocking. It returns ErrWouldBlock
// when no progress can be made yet, ErrStreamEnded when the transport closed
// the stream cleanly, io.EOF on every poll after the source closed, and any
// validation, decoding, or transport error exactly once before closing.
func (s *EventSource) PollNext() (Event, error) {
	if s.closed {
		return nil, io.EOF
	}

	if !s.checked {
		if err := checkResponse(s.response); err != nil {
			s.Close()
			return nil, err
		}
		s.cur = NewEventStream(s.body)
		s.cur.SetLastEventID(s.lastEventID)
		s.checked = true
		return Open{}, nil
	}

	event, err := s.cur.PollNext()
	switch err {
	case nil:
		s.lastEventID = event.ID
		return Message{MessageEvent: event}, nil
	case ErrWouldBlock:
		return nil, ErrWouldBlock
	case io.EOF:
		s.Close()
		return nil, ErrStreamEnded
	default:
		s.Close()
		return nil, err
	}
}

func checkResponse(response *http.Response) error {
	if response.StatusCode != http.StatusOK {
		return &InvalidStatusError{StatusCode: response.StatusCode, Response: response}
	}

	contentType := response.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "text/event-stream" {
		return &InvalidContentTypeError{ContentType: contentType, Response: response}
	}
	return nil
}
