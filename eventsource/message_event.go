package eventsource

import "time"

// MessageEvent is one dispatched server-sent event.
type MessageEvent struct {
	// Event is the event type, "message" when the server did not name one.
	Event string
	// Data is the event payload. It never carries a trailing line feed.
	Data string
	// ID is the last event id in effect when the event was dispatched.
	ID string
	// Retry is the reconnection time requested by the server, 0 if none was
	// given.
	Retry time.Duration
}
