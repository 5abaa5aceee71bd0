package messages

// ToolCall is a request by the model to invoke one tool, with its arguments
// already assembled into a single JSON document.
type ToolCall struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ArgumentsJSON string `json:"arguments_json"`
}

// ToolSuccess carries the result of a tool invocation that completed.
type ToolSuccess struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	ResultJSON          string `json:"result_json"`
	ExecutionTimeMillis int64  `json:"execution_time_ms,omitempty"`
}

// ToolFailure carries the error of a tool invocation that did not complete.
type ToolFailure struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ErrorMessage string `json:"error_message"`
	ErrorCode    string `json:"error_code,omitempty"`
}

// ToolResult is the outcome of one tool call, exactly one branch set.
type ToolResult struct {
	Success *ToolSuccess `json:"success,omitempty"`
	Failure *ToolFailure `json:"failure,omitempty"`
}

// ToolResultPair pairs the original call with its outcome when continuing a
// conversation after tool execution.
type ToolResultPair struct {
	Call   ToolCall   `json:"call"`
	Result ToolResult `json:"result"`
}
