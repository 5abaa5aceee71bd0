// Package slogx holds small helpers for building log/slog attributes.
package slogx

import (
	"fmt"
	"log/slog"
)

// Error returns an attribute with the key "error" and the error's message.
func Error(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// ByteString returns a string attribute for a byte slice, useful for logging
// raw payloads such as undecodable provider records.
func ByteString(key string, value []byte) slog.Attr {
	return slog.String(key, string(value))
}

// Stringer returns a string attribute from anything implementing fmt.Stringer.
func Stringer(key string, value fmt.Stringer) slog.Attr {
	return slog.String(key, value.String())
}
