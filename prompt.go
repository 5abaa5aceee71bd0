package lmstitch

import (
	"fmt"

	"github.com/lmstitch/lmstitch/events"
	"github.com/lmstitch/lmstitch/messages"
)

// PromptBuilder assembles the conversation used to resume an interrupted
// stream: the original messages plus the deltas that were already delivered
// before the interruption.
type PromptBuilder func(original []messages.Message, partial []events.StreamDelta) []messages.Message

const (
	continuationInstruction = "You were asked the same question previously, " +
		"but the response was interrupted before completion. " +
		"Please continue your response from where you left off. " +
		"Do not include the part of the response that was already seen."
	originalQuestionHeader = "Here is the original question:"
	partialResponseHeader  = "Here is the partial response that was successfully received:"
)

// DefaultPromptBuilder frames the original question between system messages
// and closes with the partial response flattened in delivery order. Tool
// calls are rendered as self-describing placeholders after the text of the
// delta that carried them.
func DefaultPromptBuilder(original []messages.Message, partial []events.StreamDelta) []messages.Message {
	out := make([]messages.Message, 0, len(original)+3)
	out = append(out,
		messages.Message{Role: messages.RoleSystem, Content: []messages.ContentPart{messages.Text(continuationInstruction)}},
		messages.Message{Role: messages.RoleSystem, Content: []messages.ContentPart{messages.Text(originalQuestionHeader)}},
	)
	out = append(out, original...)

	parts := []messages.ContentPart{messages.Text(partialResponseHeader)}
	for _, delta := range partial {
		parts = append(parts, delta.Content...)
		for _, call := range delta.ToolCalls {
			placeholder := fmt.Sprintf(`<tool-call id="%s" name="%s" arguments="%s"/>`, call.ID, call.Name, call.ArgumentsJSON)
			parts = append(parts, messages.Text(placeholder))
		}
	}
	return append(out, messages.Message{Role: messages.RoleSystem, Content: parts})
}
