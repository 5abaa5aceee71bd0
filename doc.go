// Package lmstitch makes LLM chat calls durable.
//
// A [Model] is the provider collaborator: it sends conversations, continues
// them after tool execution, and streams responses. [DurableModel] wraps a
// Model with an append-only [github.com/lmstitch/lmstitch/ledger.Ledger] so
// that a process restarted against the same ledger replays recorded calls
// instead of repeating them against the provider. Streams interrupted by a
// crash are resumed with a continuation prompt that carries the partial
// response already received, so the re-issued call picks up where the
// interrupted one left off.
package lmstitch
