package messages

import "github.com/invopop/jsonschema"

// ToolDefinition describes one tool the model may call. The parameter schema
// is a JSON schema document; providers serialize it into their own tool
// declaration format.
type ToolDefinition struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
}

// KV is an opaque provider-specific option.
type KV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Config carries the model selection and generation parameters of one call.
// Optional numeric fields are pointers so that "unset" and "zero" stay
// distinguishable on the wire and in the ledger.
type Config struct {
	Model           string           `json:"model"`
	Temperature     *float32         `json:"temperature,omitempty"`
	MaxTokens       *int64           `json:"max_tokens,omitempty"`
	StopSequences   []string         `json:"stop_sequences,omitempty"`
	Tools           []ToolDefinition `json:"tools,omitempty"`
	ToolChoice      string           `json:"tool_choice,omitempty"`
	ProviderOptions []KV             `json:"provider_options,omitempty"`
}
