package lmstitch

import (
	"github.com/lmstitch/lmstitch/chatstream"
	"github.com/lmstitch/lmstitch/events"
	"github.com/lmstitch/lmstitch/messages"
)

// Model is a chat completion provider. Implementations talk to one backend;
// failures are returned as events.Error values, not Go errors, so that the
// outcome of a call is always a single recordable event.
type Model interface {
	// Send submits a conversation and returns the complete outcome.
	Send(msgs []messages.Message, cfg messages.Config) events.ChatEvent

	// Continue resumes a conversation after the caller executed the tool
	// calls the model requested.
	Continue(msgs []messages.Message, toolResults []messages.ToolResultPair, cfg messages.Config) events.ChatEvent

	// Stream submits a conversation and returns an incremental response.
	Stream(msgs []messages.Message, cfg messages.Config) chatstream.Stream
}

// Ledger entry kinds, one per recordable operation.
const (
	kindSend       = "send"
	kindContinue   = "continue"
	kindStream     = "stream"
	kindStreamNext = "stream.next"
)

type sendInput struct {
	Messages []messages.Message `json:"messages"`
	Config   messages.Config    `json:"config"`
}

type continueInput struct {
	Messages    []messages.Message        `json:"messages"`
	ToolResults []messages.ToolResultPair `json:"tool_results"`
	Config      messages.Config           `json:"config"`
}

type streamOpened struct {
	Stream string `json:"stream"`
}

type streamPoll struct {
	Stream string `json:"stream"`
	Poll   uint64 `json:"poll"`
}
