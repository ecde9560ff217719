package unifiedllm

import "strings"

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	StreamStart   StreamEventType = "stream_start"
	TextStart     StreamEventType = "text_start"
	TextDelta     StreamEventType = "text_delta"
	TextEnd       StreamEventType = "text_end"
	ToolCallStart StreamEventType = "tool_call_start"
	ToolCallDelta StreamEventType = "tool_call_delta"
	ToolCallEnd   StreamEventType = "tool_call_end"
	StreamFinish  StreamEventType = "finish"
	StreamError   StreamEventType = "error"
)

// StreamEvent is one event from a streaming model call. TextID groups deltas
// that belong to the same text block.
type StreamEvent struct {
	Type         StreamEventType `json:"type"`
	Delta        string          `json:"delta,omitempty"`
	TextID       string          `json:"text_id,omitempty"`
	ToolCall     *ToolCall       `json:"tool_call,omitempty"`
	FinishReason *FinishReason   `json:"finish_reason,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	Response     *Response       `json:"response,omitempty"`
	Error        error           `json:"-"`
}

// StreamAccumulator folds a stream of events back into a complete Response,
// so callers that forward deltas can still persist the full message. Text
// blocks keep the order they first appeared in.
type StreamAccumulator struct {
	order  []string
	texts  map[string]*strings.Builder
	calls  []ToolCall
	finish *FinishReason
	usage  *Usage
	full   *Response
}

// NewStreamAccumulator returns an empty accumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{texts: make(map[string]*strings.Builder)}
}

// Process ingests one stream event.
func (a *StreamAccumulator) Process(event StreamEvent) {
	switch event.Type {
	case TextDelta:
		id := event.TextID
		if id == "" {
			id = "text_0"
		}
		sb, ok := a.texts[id]
		if !ok {
			sb = &strings.Builder{}
			a.texts[id] = sb
			a.order = append(a.order, id)
		}
		sb.WriteString(event.Delta)
	case ToolCallEnd:
		if event.ToolCall != nil {
			a.calls = append(a.calls, *event.ToolCall)
		}
	case StreamFinish:
		a.finish = event.FinishReason
		a.usage = event.Usage
		a.full = event.Response
	}
}

// Response returns the accumulated response. When the provider supplied a
// complete response on finish, that one wins.
func (a *StreamAccumulator) Response() *Response {
	if a.full != nil {
		return a.full
	}

	var parts []ContentPart
	for _, id := range a.order {
		if text := a.texts[id].String(); text != "" {
			parts = append(parts, TextPart(text))
		}
	}
	for _, call := range a.calls {
		parts = append(parts, ToolCallPart(call.ID, call.Name, call.Arguments))
	}

	finish := FinishReason{Reason: "stop"}
	if a.finish != nil {
		finish = *a.finish
	}
	var usage Usage
	if a.usage != nil {
		usage = *a.usage
	}

	return &Response{
		Message:      Message{Role: RoleAssistant, Content: parts},
		FinishReason: finish,
		Usage:        usage,
	}
}
