package unifiedllm

import (
	"encoding/json"
	"strings"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentKind tags the variants of ContentPart.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentImage      ContentKind = "image"
	ContentToolCall   ContentKind = "tool_call"
	ContentToolResult ContentKind = "tool_result"
	ContentThinking   ContentKind = "thinking"
)

// ImageData carries inline image bytes for vision-capable models.
type ImageData struct {
	Data      []byte `json:"data,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// ToolCallData is a model-requested tool invocation inside a message.
type ToolCallData struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResultData carries the outcome of one tool invocation back to the model.
type ToolResultData struct {
	ToolCallID string          `json:"tool_call_id"`
	Content    json.RawMessage `json:"content"`
	IsError    bool            `json:"is_error"`
}

// ThinkingData holds provider reasoning output.
type ThinkingData struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

// ContentPart is one element of a message body. Exactly one payload field is
// set, selected by Kind.
type ContentPart struct {
	Kind       ContentKind     `json:"kind"`
	Text       string          `json:"text,omitempty"`
	Image      *ImageData      `json:"image,omitempty"`
	ToolCall   *ToolCallData   `json:"tool_call,omitempty"`
	ToolResult *ToolResultData `json:"tool_result,omitempty"`
	Thinking   *ThinkingData   `json:"thinking,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Kind: ContentText, Text: text}
}

// ImagePart builds an image content part from raw bytes.
func ImagePart(data []byte, mediaType string) ContentPart {
	if mediaType == "" {
		mediaType = "image/png"
	}
	return ContentPart{Kind: ContentImage, Image: &ImageData{Data: data, MediaType: mediaType}}
}

// ToolCallPart builds a tool call content part.
func ToolCallPart(id, name string, args json.RawMessage) ContentPart {
	return ContentPart{Kind: ContentToolCall, ToolCall: &ToolCallData{ID: id, Name: name, Arguments: args}}
}

// ToolResultPart builds a tool result content part.
func ToolResultPart(toolCallID string, content json.RawMessage, isError bool) ContentPart {
	return ContentPart{Kind: ContentToolResult, ToolResult: &ToolResultData{
		ToolCallID: toolCallID, Content: content, IsError: isError,
	}}
}

// ThinkingPart builds a reasoning content part.
func ThinkingPart(text, signature string) ContentPart {
	return ContentPart{Kind: ContentThinking, Thinking: &ThinkingData{Text: text, Signature: signature}}
}

// Message is one turn of a conversation sent to or received from a model.
type Message struct {
	Role       Role          `json:"role"`
	Content    []ContentPart `json:"content"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// TextContent joins the message's text parts.
func (m Message) TextContent() string {
	var sb strings.Builder
	for _, part := range m.Content {
		if part.Kind == ContentText {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool invocations requested by the message.
func (m Message) ToolCalls() []ToolCallData {
	var calls []ToolCallData
	for _, part := range m.Content {
		if part.Kind == ContentToolCall && part.ToolCall != nil {
			calls = append(calls, *part.ToolCall)
		}
	}
	return calls
}

// SystemMessage builds a system-role message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentPart{TextPart(text)}}
}

// UserMessage builds a user-role text message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentPart{TextPart(text)}}
}

// AssistantMessage builds an assistant-role text message.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentPart{TextPart(text)}}
}

// ToolResultMessage builds a tool-role message answering one tool call.
func ToolResultMessage(toolCallID string, content string, isError bool) Message {
	raw, _ := json.Marshal(content)
	return Message{
		Role:       RoleTool,
		Content:    []ContentPart{ToolResultPart(toolCallID, raw, isError)},
		ToolCallID: toolCallID,
	}
}
