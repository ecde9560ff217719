package agentloop

import (
	"encoding/json"
	"time"

	"github.com/latentforge/comfyagent/unifiedllm"
)

// Role is the author of a persisted message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
)

// BlockKind discriminates between content block types.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolCall   BlockKind = "tool_call"
	BlockToolResult BlockKind = "tool_result"
	BlockSubagent   BlockKind = "subagent"
)

// ToolCallBlock is a model-requested tool invocation.
type ToolCallBlock struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResultBlock is the outcome of one tool invocation.
type ToolResultBlock struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// SubagentBlock records a delegated sub-task and its result.
type SubagentBlock struct {
	ChildSessionID string `json:"child_session_id"`
	Task           string `json:"task"`
	Result         string `json:"result"`
}

// ContentBlock is a tagged union of block payloads.
type ContentBlock struct {
	Kind       BlockKind        `json:"kind"`
	Text       string           `json:"text,omitempty"`
	ToolCall   *ToolCallBlock   `json:"tool_call,omitempty"`
	ToolResult *ToolResultBlock `json:"tool_result,omitempty"`
	Subagent   *SubagentBlock   `json:"subagent,omitempty"`
}

// TextBlock creates a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Kind: BlockText, Text: text}
}

// ToolCallContent creates a tool call content block.
func ToolCallContent(id, name string, arguments json.RawMessage) ContentBlock {
	return ContentBlock{Kind: BlockToolCall, ToolCall: &ToolCallBlock{
		ID:        id,
		Name:      name,
		Arguments: arguments,
	}}
}

// ToolResultContent creates a tool result content block.
func ToolResultContent(toolCallID, toolName, content string, isError bool) ContentBlock {
	return ContentBlock{Kind: BlockToolResult, ToolResult: &ToolResultBlock{
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Content:    content,
		IsError:    isError,
	}}
}

// SubagentContent creates a subagent content block.
func SubagentContent(childSessionID, task, result string) ContentBlock {
	return ContentBlock{Kind: BlockSubagent, Subagent: &SubagentBlock{
		ChildSessionID: childSessionID,
		Task:           task,
		Result:         result,
	}}
}

// Message is one persisted entry in a session's conversation history.
// The ID is assigned by the store on append.
type Message struct {
	ID        int64          `json:"id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Role      Role           `json:"role"`
	Blocks    []ContentBlock `json:"blocks"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewUserMessage creates a plain-text user message.
func NewUserMessage(content string) Message {
	return Message{
		Role:      RoleUser,
		Blocks:    []ContentBlock{TextBlock(content)},
		CreatedAt: time.Now(),
	}
}

// NewAssistantMessage creates an assistant message from text and tool calls.
func NewAssistantMessage(text string, toolCalls []unifiedllm.ToolCall) Message {
	var blocks []ContentBlock
	if text != "" {
		blocks = append(blocks, TextBlock(text))
	}
	for _, tc := range toolCalls {
		blocks = append(blocks, ToolCallContent(tc.ID, tc.Name, tc.Arguments))
	}
	return Message{
		Role:      RoleAssistant,
		Blocks:    blocks,
		CreatedAt: time.Now(),
	}
}

// NewToolResultMessage creates a message holding one tool result.
func NewToolResultMessage(toolCallID, toolName, content string, isError bool) Message {
	return Message{
		Role:      RoleToolResult,
		Blocks:    []ContentBlock{ToolResultContent(toolCallID, toolName, content, isError)},
		CreatedAt: time.Now(),
	}
}

// TextContent returns the concatenated text blocks of a message.
func (m Message) TextContent() string {
	var text string
	for _, b := range m.Blocks {
		if b.Kind == BlockText {
			text += b.Text
		}
	}
	return text
}

// ToolCalls returns the tool call blocks of a message.
func (m Message) ToolCalls() []ToolCallBlock {
	var calls []ToolCallBlock
	for _, b := range m.Blocks {
		if b.Kind == BlockToolCall && b.ToolCall != nil {
			calls = append(calls, *b.ToolCall)
		}
	}
	return calls
}

// ToModelMessages converts persisted history into provider-neutral messages.
// Subagent blocks are rendered as text so past delegations stay visible to
// the model without re-sending the child conversation.
func ToModelMessages(history []Message) []unifiedllm.Message {
	var messages []unifiedllm.Message
	for _, msg := range history {
		switch msg.Role {
		case RoleUser:
			if text := msg.TextContent(); text != "" {
				messages = append(messages, unifiedllm.UserMessage(text))
			}
		case RoleAssistant:
			out := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
			for _, b := range msg.Blocks {
				switch b.Kind {
				case BlockText:
					out.Content = append(out.Content, unifiedllm.TextPart(b.Text))
				case BlockToolCall:
					out.Content = append(out.Content,
						unifiedllm.ToolCallPart(b.ToolCall.ID, b.ToolCall.Name, b.ToolCall.Arguments))
				case BlockSubagent:
					out.Content = append(out.Content, unifiedllm.TextPart(
						"[Delegated sub-task: "+b.Subagent.Task+"]\n"+b.Subagent.Result))
				}
			}
			if len(out.Content) > 0 {
				messages = append(messages, out)
			}
		case RoleToolResult:
			for _, b := range msg.Blocks {
				if b.Kind == BlockToolResult && b.ToolResult != nil {
					messages = append(messages, unifiedllm.ToolResultMessage(
						b.ToolResult.ToolCallID, b.ToolResult.Content, b.ToolResult.IsError))
				}
			}
		}
	}
	return messages
}
