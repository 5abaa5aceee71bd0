package eventsource

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidUTF8 reports that the response body is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("eventsource: invalid UTF-8 in stream")

	// ErrStreamEnded reports that the transport closed the stream. It is the
	// clean end-of-stream condition; callers treat it as completion rather
	// than failure.
	ErrStreamEnded = errors.New("eventsource: stream ended")
)

// InvalidStatusError is returned when the response status is not 200 OK. The
// response is retained so callers can extract provider diagnostics from it.
type InvalidStatusError struct {
	StatusCode int
	Response   *http.Response
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("eventsource: invalid status code: %d", e.StatusCode)
}

// InvalidContentTypeError is returned when the response does not declare
// text/event-stream.
type InvalidContentTypeError struct {
	ContentType string
	Response    *http.Response
}

func (e *InvalidContentTypeError) Error() string {
	return fmt.Sprintf("eventsource: invalid content type: %q", e.ContentType)
}
