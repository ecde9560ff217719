package unifiedllm

import "encoding/json"

// ToolDefinition describes a tool to the model. Parameters is a JSON Schema
// object.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ToolChoice constrains how the model may use tools. Mode is one of "auto",
// "none", "required", or "named"; ToolName is set for "named".
type ToolChoice struct {
	Mode     string `json:"mode"`
	ToolName string `json:"tool_name,omitempty"`
}

// Request is the provider-neutral input to Complete and Stream.
type Request struct {
	Model         string           `json:"model"`
	Provider      string           `json:"provider,omitempty"`
	Messages      []Message        `json:"messages"`
	ToolDefs      []ToolDefinition `json:"tools,omitempty"`
	ToolChoice    *ToolChoice      `json:"tool_choice,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
	TopP          *float64         `json:"top_p,omitempty"`
	MaxTokens     *int             `json:"max_tokens,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
}

// ToolCall is a tool invocation extracted from a model response.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// FinishReason says why generation stopped. Reason is normalized across
// providers ("stop", "length", "tool_calls", "content_filter", "other");
// Raw keeps the provider's own value.
type FinishReason struct {
	Reason string `json:"reason"`
	Raw    string `json:"raw,omitempty"`
}

// Usage is the token accounting for one model call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add sums two usages.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// Response is the full result of one model call.
type Response struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Provider     string       `json:"provider"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}

// Text joins the text parts of the response message.
func (r Response) Text() string {
	return r.Message.TextContent()
}

// ToolCallsFromResponse extracts the tool calls the model requested.
func (r Response) ToolCallsFromResponse() []ToolCall {
	var calls []ToolCall
	for _, part := range r.Message.Content {
		if part.Kind == ContentToolCall && part.ToolCall != nil {
			calls = append(calls, ToolCall{
				ID:        part.ToolCall.ID,
				Name:      part.ToolCall.Name,
				Arguments: part.ToolCall.Arguments,
			})
		}
	}
	return calls
}
