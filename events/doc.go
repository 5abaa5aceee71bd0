// Package events defines the provider-neutral event vocabulary of the
// pipeline.
//
// A streaming call yields a sequence of [StreamEvent] values: zero or more
// [StreamDelta] fragments followed by exactly one terminal [Finish] or
// [Error]. A non-streaming call yields a single [ChatEvent]: a
// [CompleteResponse], a [ToolRequest], or an [Error].
//
// Every type in this package round-trips through JSON losslessly. The tagged
// envelope produced by [MarshalStreamEvent] and [MarshalChatEvent] is the
// format the durability ledger records, so decoding what was encoded must
// reproduce the original value exactly.
package events
