package events

import (
	"errors"
	"fmt"

	"github.com/go-openapi/strfmt"
	"github.com/lmstitch/lmstitch/messages"
)

// FinishReason is the generic vocabulary for why a response stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
	FinishOther         FinishReason = "other"
)

// Usage carries token accounting as reported by the provider.
type Usage struct {
	InputTokens  *int64 `json:"input_tokens,omitempty"`
	OutputTokens *int64 `json:"output_tokens,omitempty"`
	TotalTokens  *int64 `json:"total_tokens,omitempty"`
}

// ResponseMetadata describes how a response ended.
type ResponseMetadata struct {
	FinishReason         FinishReason    `json:"finish_reason,omitempty"`
	Usage                *Usage          `json:"usage,omitempty"`
	ProviderID           string          `json:"provider_id,omitempty"`
	Timestamp            strfmt.DateTime `json:"timestamp,omitempty"`
	ProviderMetadataJSON string          `json:"provider_metadata_json,omitempty"`
}

// StreamEvent is one event of a streamed response: a delta, the single
// terminal finish, or the single terminal error. A well-formed stream never
// produces a delta after its terminal event.
type StreamEvent interface {
	streamEvent()
}

// StreamDelta is one incremental fragment of a streamed response. At least
// one of Content and ToolCalls is populated.
type StreamDelta struct {
	Content   []messages.ContentPart `json:"content,omitempty"`
	ToolCalls []messages.ToolCall    `json:"tool_calls,omitempty"`
}

func (StreamDelta) streamEvent() {}

// Finish is the terminal event of a successfully completed stream.
type Finish struct {
	ResponseMetadata
}

func (Finish) streamEvent() {}

// ChatEvent is the outcome of a non-streaming call.
type ChatEvent interface {
	chatEvent()
}

// CompleteResponse is a fully assembled model response.
type CompleteResponse struct {
	ID        string                 `json:"id"`
	Content   []messages.ContentPart `json:"content"`
	ToolCalls []messages.ToolCall    `json:"tool_calls,omitempty"`
	Metadata  ResponseMetadata       `json:"metadata"`
}

func (CompleteResponse) chatEvent() {}

// ToolRequest asks the caller to execute tools and continue the conversation.
type ToolRequest []messages.ToolCall

func (ToolRequest) chatEvent() {}

// ErrorCode classifies failures across providers.
type ErrorCode string

const (
	CodeInvalidRequest       ErrorCode = "invalid_request"
	CodeAuthenticationFailed ErrorCode = "authentication_failed"
	CodeRateLimitExceeded    ErrorCode = "rate_limit_exceeded"
	CodeInternalError        ErrorCode = "internal_error"
	CodeUnsupported          ErrorCode = "unsupported"
	CodeUnknown              ErrorCode = "unknown"
)

// Error is a failure surfaced as data. It is both a StreamEvent and a
// ChatEvent, and implements the error interface.
type Error struct {
	Code              ErrorCode `json:"code"`
	Message           string    `json:"message"`
	ProviderErrorJSON string    `json:"provider_error_json,omitempty"`
}

func (Error) streamEvent() {}
func (Error) chatEvent()   {}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unsupported builds an error for a capability a provider does not offer.
func Unsupported(what string) Error {
	return Error{Code: CodeUnsupported, Message: "Unsupported: " + what}
}

// InternalError wraps an arbitrary failure with the internal error code.
func InternalError(details string, err error) Error {
	return Error{Code: CodeInternalError, Message: fmt.Sprintf("%s: %v", details, err)}
}

// FromTransport converts a transport failure into the event error form,
// passing through values that already carry a code.
func FromTransport(err error) Error {
	var evErr Error
	if errors.As(err, &evErr) {
		return evErr
	}
	return Error{Code: CodeInternalError, Message: err.Error()}
}

// CodeFromStatus maps an HTTP status code to the generic error vocabulary.
func CodeFromStatus(status int) ErrorCode {
	switch {
	case status == 429:
		return CodeRateLimitExceeded
	case status == 401 || status == 402 || status == 403:
		return CodeAuthenticationFailed
	case status >= 400 && status < 500:
		return CodeInvalidRequest
	default:
		return CodeInternalError
	}
}
