// Package uuidx generates the time-ordered identifiers used for streams and
// broker subscriptions.
package uuidx

import "github.com/google/uuid"

// New returns a version 7 UUID. V7 ids sort by creation time, which keeps
// recorded stream ids and broker topics naturally ordered.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a version 7 UUID in its canonical string form.
func NewString() string {
	return New().String()
}
